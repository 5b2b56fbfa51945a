// Package pgstore keeps setlists, items and comments in Postgres and
// announces every commit on Redis so watchers can re-read.
package pgstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"setlist-sync/internal/logging"
	"setlist-sync/internal/store"
)

// DB is satisfied by *pgxpool.Pool and by pgxmock pools.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

type Store struct {
	db   DB
	rdb  *redis.Client
	log  logging.Logger
	poll time.Duration
}

var _ store.Documents = (*Store)(nil)

type Option func(*Store)

func WithLogger(l logging.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithPollInterval sets how often watchers re-read without a notification.
// Zero disables polling.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) { s.poll = d }
}

// New builds a Store. rdb may be nil, in which case watchers rely on
// polling alone.
func New(db DB, rdb *redis.Client, opts ...Option) *Store {
	s := &Store{
		db:   db,
		rdb:  rdb,
		log:  logging.Nop(),
		poll: 15 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

const channelPrefix = "setlist-sync:"

func setlistChannel(id string) string { return channelPrefix + "setlist:" + id }
func itemsChannel(id string) string   { return channelPrefix + "items:" + id }
func commentsChannel(setlistID, itemID string) string {
	return channelPrefix + "comments:" + setlistID + ":" + itemID
}

// publish announces a commit. Failures are logged; watchers still catch up
// on their next poll.
func (s *Store) publish(ctx context.Context, event string, setlistID string, channels ...string) {
	if s.rdb == nil {
		return
	}
	data, err := json.Marshal(map[string]any{
		"type":      event,
		"setlistId": setlistID,
		"at":        time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		s.log.Error(ctx, "pgstore: marshal event", "err", err)
		return
	}
	for _, ch := range channels {
		if err := s.rdb.Publish(ctx, ch, string(data)).Err(); err != nil {
			s.log.Warn(ctx, "pgstore: publish event", "channel", ch, "err", err)
		}
	}
}

// watch re-runs read on every notification for channel and on every poll
// tick, streaming the results until ctx ends or read fails.
func watch[T any](ctx context.Context, s *Store, channel string, read func(context.Context) (T, error), failed func(error) T) (<-chan T, error) {
	var sub *redis.PubSub
	var msgs <-chan *redis.Message
	if s.rdb != nil {
		sub = s.rdb.Subscribe(ctx, channel)
		// Wait for the subscription so no commit slips between the first read
		// and the first notification.
		if _, err := sub.Receive(ctx); err != nil {
			_ = sub.Close()
			return nil, err
		}
		msgs = sub.Channel()
	}

	var tick <-chan time.Time
	var ticker *time.Ticker
	if s.poll > 0 {
		ticker = time.NewTicker(s.poll)
		tick = ticker.C
	}

	out := make(chan T, 1)
	go func() {
		defer close(out)
		if sub != nil {
			defer sub.Close()
		}
		if ticker != nil {
			defer ticker.Stop()
		}

		for {
			v, err := read(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.log.Warn(ctx, "pgstore: watch read", "channel", channel, "err", err)
					store.SendLatest(ctx, out, failed(err))
				}
				return
			}
			if !store.SendLatest(ctx, out, v) {
				return
			}

			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					msgs = nil
				}
			case <-tick:
			}
		}
	}()
	return out, nil
}
