// Package redisstore keeps presence records in Redis. Redis has no
// per-connection disconnect hook, so a registered record carries a TTL that
// the owner's heartbeat keeps refreshing; a vanished session disappears once
// the TTL runs out.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"setlist-sync/internal/logging"
	"setlist-sync/internal/setlist"
	"setlist-sync/internal/store"
)

const keyPrefix = "presence:"

type Store struct {
	rdb   *redis.Client
	ttl   time.Duration
	sweep time.Duration
	log   logging.Logger

	mu         sync.Mutex
	registered map[string]struct{}
}

var _ store.Ephemeral = (*Store)(nil)

type Option func(*Store)

func WithLogger(l logging.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithSweepInterval sets how often watchers rescan for expired records.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) { s.sweep = d }
}

// New returns a presence store whose disconnect TTL is ttl. ttl must
// comfortably exceed the heartbeat interval.
func New(rdb *redis.Client, ttl time.Duration, opts ...Option) *Store {
	s := &Store{
		rdb:        rdb,
		ttl:        ttl,
		sweep:      5 * time.Second,
		log:        logging.Nop(),
		registered: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func recordKey(setlistID, key string) string { return keyPrefix + setlistID + ":" + key }
func membersKey(setlistID string) string     { return keyPrefix + setlistID }
func eventsChannel(setlistID string) string  { return keyPrefix + setlistID + ":events" }

func (s *Store) isRegistered(rk string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.registered[rk]
	return ok
}

func (s *Store) Put(ctx context.Context, setlistID string, rec setlist.Presence) error {
	if rec.Key == "" {
		return &setlist.ValidationError{Msg: "presence key is required"}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}

	rk := recordKey(setlistID, rec.Key)
	var ttl time.Duration
	if s.isRegistered(rk) {
		ttl = s.ttl
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, rk, data, ttl)
		p.SAdd(ctx, membersKey(setlistID), rec.Key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("put presence: %w", err)
	}
	s.notify(ctx, setlistID)
	return nil
}

// Patch applies p to the stored record. Registered records get their TTL
// renewed, which is what keeps a live session visible.
func (s *Store) Patch(ctx context.Context, setlistID, key string, p setlist.PresencePatch) error {
	rk := recordKey(setlistID, key)
	renew := s.isRegistered(rk)

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, rk).Bytes()
		if errors.Is(err, redis.Nil) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		var rec setlist.Presence
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("decode presence: %w", err)
		}
		data, err := json.Marshal(p.Apply(rec))
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if renew {
				pipe.Set(ctx, rk, data, s.ttl)
			} else {
				pipe.Set(ctx, rk, data, redis.KeepTTL)
			}
			return nil
		})
		return err
	}

	var err error
	for range 3 {
		err = s.rdb.Watch(ctx, txf, rk)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return err
		}
		return fmt.Errorf("patch presence: %w", err)
	}
	s.notify(ctx, setlistID)
	return nil
}

func (s *Store) Remove(ctx context.Context, setlistID, key string) error {
	rk := recordKey(setlistID, key)
	s.mu.Lock()
	delete(s.registered, rk)
	s.mu.Unlock()

	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, rk)
		p.SRem(ctx, membersKey(setlistID), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove presence: %w", err)
	}
	s.notify(ctx, setlistID)
	return nil
}

// OnDisconnectRemove starts the record's TTL. From here on the record lives
// only as long as Patch keeps renewing it.
func (s *Store) OnDisconnectRemove(ctx context.Context, setlistID, key string) error {
	rk := recordKey(setlistID, key)
	ok, err := s.rdb.Expire(ctx, rk, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("register disconnect: %w", err)
	}
	if !ok {
		return store.ErrNotFound
	}
	s.mu.Lock()
	s.registered[rk] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *Store) notify(ctx context.Context, setlistID string) {
	if err := s.rdb.Publish(ctx, eventsChannel(setlistID), "changed").Err(); err != nil {
		s.log.Warn(ctx, "redisstore: publish presence change", "setlist", setlistID, "err", err)
	}
}

// List returns the live records of a setlist ordered by join time. Members
// whose record has expired are pruned from the set.
func (s *Store) List(ctx context.Context, setlistID string) ([]setlist.Presence, error) {
	keys, err := s.rdb.SMembers(ctx, membersKey(setlistID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	if len(keys) == 0 {
		return []setlist.Presence{}, nil
	}
	slices.Sort(keys)

	rks := make([]string, len(keys))
	for i, k := range keys {
		rks[i] = recordKey(setlistID, k)
	}
	vals, err := s.rdb.MGet(ctx, rks...).Result()
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}

	out := make([]setlist.Presence, 0, len(keys))
	var expired []any
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			expired = append(expired, keys[i])
			continue
		}
		var rec setlist.Presence
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			s.log.Warn(ctx, "redisstore: skip malformed presence", "key", rks[i], "err", err)
			continue
		}
		out = append(out, rec)
	}
	if len(expired) > 0 {
		if err := s.rdb.SRem(ctx, membersKey(setlistID), expired...).Err(); err != nil {
			s.log.Warn(ctx, "redisstore: prune expired presence", "setlist", setlistID, "err", err)
		}
	}

	slices.SortStableFunc(out, func(a, b setlist.Presence) int { return a.JoinedAt.Compare(b.JoinedAt) })
	return out, nil
}

// Watch streams the record set on every change notification and on every
// sweep tick.
func (s *Store) Watch(ctx context.Context, setlistID string) (<-chan store.PresenceSnapshot, error) {
	sub := s.rdb.Subscribe(ctx, eventsChannel(setlistID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("watch presence: %w", err)
	}
	msgs := sub.Channel()
	ticker := time.NewTicker(s.sweep)

	out := make(chan store.PresenceSnapshot, 1)
	go func() {
		defer close(out)
		defer sub.Close()
		defer ticker.Stop()

		var last []setlist.Presence
		first := true
		for {
			recs, err := s.List(ctx, setlistID)
			if err != nil {
				if ctx.Err() == nil {
					store.SendLatest(ctx, out, store.PresenceSnapshot{Err: err})
				}
				return
			}
			// Sweeps are frequent; only push when something changed.
			if first || !samePresence(last, recs) {
				if !store.SendLatest(ctx, out, store.PresenceSnapshot{Records: recs}) {
					return
				}
				last, first = recs, false
			}

			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					msgs = nil
				}
			case <-ticker.C:
			}
		}
	}()
	return out, nil
}

func samePresence(a, b []setlist.Presence) bool {
	return slices.EqualFunc(a, b, func(x, y setlist.Presence) bool {
		if x.Key != y.Key || x.UserID != y.UserID || x.IsActive != y.IsActive ||
			!x.LastSeen.Equal(y.LastSeen) || x.DisplayName != y.DisplayName {
			return false
		}
		if (x.CurrentlyEditing == nil) != (y.CurrentlyEditing == nil) {
			return false
		}
		return x.CurrentlyEditing == nil || *x.CurrentlyEditing == *y.CurrentlyEditing
	})
}
