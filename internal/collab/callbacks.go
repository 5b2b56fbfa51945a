package collab

import (
	"slices"
	"sync"
)

// CallbackList is a copy-on-write callback registry. get returns a
// snapshot that stays valid while callbacks are added or removed.
type CallbackList[T comparable] struct {
	mutex     sync.Mutex
	callbacks []T
}

func (l *CallbackList[T]) get() []T {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.callbacks
}

func (l *CallbackList[T]) add(callback T) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if slices.Contains(l.callbacks, callback) {
		return
	}
	next := slices.Clone(l.callbacks)
	l.callbacks = append(next, callback)
}

func (l *CallbackList[T]) remove(callback T) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	i := slices.Index(l.callbacks, callback)
	if i < 0 {
		return
	}
	next := slices.Clone(l.callbacks)
	l.callbacks = slices.Delete(next, i, i+1)
}
