// Package activitybus is the default local implementation of the activity
// event bus collaborator (spec §6): it watches a directory tree with
// fsnotify and republishes filesystem changes as "file-change" events to
// every subscriber, satisfying internal/subscribe.ActivityBus. Production
// deployments may swap in a different collaborator (e.g. one fed by an
// external message broker); this implementation exists so relayd can run
// standalone in dev and test.
package activitybus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/sessionrelay/core/internal/subscribe"
)

// FsWatcher abstracts filesystem event monitoring. Satisfied by
// *fsnotify.Watcher; tests inject a fake.
type FsWatcher interface {
	Add(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

type fsnotifyWrapper struct{ w *fsnotify.Watcher }

func (fw *fsnotifyWrapper) Add(name string) error         { return fw.w.Add(name) }
func (fw *fsnotifyWrapper) Close() error                  { return fw.w.Close() }
func (fw *fsnotifyWrapper) Events() <-chan fsnotify.Event { return fw.w.Events }
func (fw *fsnotifyWrapper) Errors() <-chan error          { return fw.w.Errors }

// changeEvent is the JSON payload of a "file-change" event.
type changeEvent struct {
	Path string `json:"path"`
	Op   string `json:"op"`
}

type listener struct {
	id   uint64
	emit func(eventType string, data json.RawMessage)
}

// Bus watches one directory tree and fans changes out to every active
// subscriber (spec §6: "subscribe(listener) -> unsubscribe").
type Bus struct {
	root           string
	logger         *slog.Logger
	watcherFactory func() (FsWatcher, error)

	mu        sync.Mutex
	listeners map[uint64]listener
	nextID    uint64
	watcher   FsWatcher
	started   bool
}

// New creates a Bus rooted at root. The watcher does not start until the
// first Subscribe call.
func New(root string, logger *slog.Logger) *Bus {
	return &Bus{
		root:      root,
		logger:    logger,
		listeners: make(map[uint64]listener),
		watcherFactory: func() (FsWatcher, error) {
			w, err := fsnotify.NewWatcher()
			if err != nil {
				return nil, err
			}

			return &fsnotifyWrapper{w: w}, nil
		},
	}
}

// producer implements subscribe.Producer; Close unregisters its listener.
type producer struct {
	bus *Bus
	id  uint64
}

func (p *producer) Close() {
	p.bus.mu.Lock()
	delete(p.bus.listeners, p.id)
	p.bus.mu.Unlock()
}

// Subscribe implements subscribe.ActivityBus. The returned Producer's
// Close unregisters the listener; the watcher itself keeps running until
// the ctx passed to the first Subscribe call is cancelled.
func (b *Bus) Subscribe(ctx context.Context, emit func(eventType string, data json.RawMessage)) (subscribe.Producer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started {
		if err := b.start(ctx); err != nil {
			return nil, err
		}
	}

	b.nextID++
	id := b.nextID
	b.listeners[id] = listener{id: id, emit: emit}

	return &producer{bus: b, id: id}, nil
}

func (b *Bus) start(ctx context.Context) error {
	w, err := b.watcherFactory()
	if err != nil {
		return fmt.Errorf("activitybus: creating watcher: %w", err)
	}

	if err := w.Add(b.root); err != nil {
		w.Close()
		return fmt.Errorf("activitybus: watching %s: %w", b.root, err)
	}

	b.watcher = w
	b.started = true

	go b.watchLoop(ctx, w)

	return nil
}

func (b *Bus) watchLoop(ctx context.Context, w FsWatcher) {
	defer w.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}

			b.broadcast(ev)
		case err, ok := <-w.Errors():
			if !ok {
				return
			}

			b.logger.Warn("activitybus: watcher error", slog.String("error", err.Error()))
		}
	}
}

func (b *Bus) broadcast(ev fsnotify.Event) {
	data, err := json.Marshal(changeEvent{Path: ev.Name, Op: ev.Op.String()})
	if err != nil {
		b.logger.Warn("activitybus: encoding event", slog.String("error", err.Error()))
		return
	}

	b.mu.Lock()
	listeners := make([]listener, 0, len(b.listeners))
	for _, l := range b.listeners {
		listeners = append(listeners, l)
	}
	b.mu.Unlock()

	for _, l := range listeners {
		l.emit("file-change", data)
	}
}

var _ subscribe.ActivityBus = (*Bus)(nil)
