package memstore

import (
	"context"
	"sync"

	"setlist-sync/internal/store"
)

type watcher struct {
	topic  string
	notify chan struct{}
	errCh  chan error
	once   sync.Once
}

func (w *watcher) poke() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *watcher) fail(err error) {
	w.once.Do(func() { w.errCh <- err })
}

// publishLocked wakes every watcher of the given topics. s.mu must be held.
func (s *Server) publishLocked(topics ...string) {
	for _, t := range topics {
		for w := range s.watchers[t] {
			w.poke()
		}
	}
}

func (s *Server) addWatcher(topic string) *watcher {
	w := &watcher{
		topic:  topic,
		notify: make(chan struct{}, 1),
		errCh:  make(chan error, 1),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watchers[topic] == nil {
		s.watchers[topic] = make(map[*watcher]struct{})
	}
	s.watchers[topic][w] = struct{}{}
	return w
}

func (s *Server) removeWatcher(w *watcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watchers[w.topic], w)
	if len(s.watchers[w.topic]) == 0 {
		delete(s.watchers, w.topic)
	}
}

// watch streams snap() to a fresh channel: once now and again after every
// publish on topic, until ctx ends or the connection drops.
func watch[T any](ctx context.Context, c *Conn, topic string, snap func() T, failed func(error) T) (<-chan T, error) {
	if err := c.begin(ctx, OpWatch); err != nil {
		return nil, err
	}

	w := c.srv.addWatcher(topic)
	c.mu.Lock()
	c.watches[w] = struct{}{}
	c.mu.Unlock()

	out := make(chan T, 1)
	go func() {
		defer close(out)
		defer func() {
			c.srv.removeWatcher(w)
			c.mu.Lock()
			delete(c.watches, w)
			c.mu.Unlock()
		}()

		for {
			if !store.SendLatest(ctx, out, snap()) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case err := <-w.errCh:
				store.SendLatest(ctx, out, failed(err))
				return
			case <-w.notify:
				if !c.hold(ctx, OpDeliver) {
					return
				}
			}
		}
	}()
	return out, nil
}
