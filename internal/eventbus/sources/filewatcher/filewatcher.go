// Package filewatcher is an event-bus source adapter backed by fsnotify: it
// watches a set of directories and emits one event per filesystem change.
package filewatcher

import (
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/haloruntime/halo/internal/eventbus"
	"github.com/haloruntime/halo/internal/models"
	"go.uber.org/zap"
)

// ChangeType classifies one fsnotify event into the vocabulary the rest of
// Halo deals in.
type ChangeType string

const (
	ChangeAdd    ChangeType = "add"
	ChangeAddDir ChangeType = "addDir"
	ChangeMod    ChangeType = "change"
	ChangeUnlink ChangeType = "unlink"
)

// SourceID identifies this adapter in the bus's source registry.
const SourceID = "filewatcher"

// Source watches a fixed set of root directories for changes and emits one
// HaloEvent per changed path, deduplicated by (change_type, file_path) so a
// coalesced burst of OS-level events for the same path within the bus's
// dedup TTL only triggers one downstream run.
type Source struct {
	roots []string
	log   *zap.SugaredLogger

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New creates a filewatcher source rooted at the given directories; call
// Start to begin watching.
func New(roots []string, logger *zap.SugaredLogger) *Source {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Source{roots: roots, log: logger}
}

func (s *Source) ID() string   { return SourceID }
func (s *Source) Type() string { return "file" }

// Start opens the fsnotify watcher, adds every root directory, and begins
// translating raw fsnotify.Events into HaloEvents on a background
// goroutine.
func (s *Source) Start(emit eventbus.EmitFunc) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	for _, root := range s.roots {
		if err := w.Add(root); err != nil {
			w.Close()
			return fmt.Errorf("watch %s: %w", root, err)
		}
	}

	s.watcher = w
	s.done = make(chan struct{})
	go s.loop(emit)
	return nil
}

// Stop closes the underlying fsnotify watcher and waits for the
// translation goroutine to exit.
func (s *Source) Stop() error {
	if s.watcher == nil {
		return nil
	}
	err := s.watcher.Close()
	<-s.done
	return err
}

func (s *Source) loop(emit eventbus.EmitFunc) {
	defer close(s.done)
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handle(emit, ev)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Errorw("filewatcher error", "error", err)
		}
	}
}

func (s *Source) handle(emit eventbus.EmitFunc, ev fsnotify.Event) {
	changeType, eventType, ok := classify(ev)
	if !ok {
		return
	}

	emit(models.HaloEvent{
		Type:     eventType,
		Source:   SourceID,
		DedupKey: fmt.Sprintf("fw:%s:%s", changeType, ev.Name),
		Payload: map[string]interface{}{
			"change_type":  string(changeType),
			"file_path":    ev.Name,
			"relative_path": ev.Name,
		},
		ReceivedAt: time.Now().UTC(),
	})
}

func classify(ev fsnotify.Event) (ChangeType, string, bool) {
	switch {
	case ev.Has(fsnotify.Create):
		return ChangeAdd, "file.created", true
	case ev.Has(fsnotify.Write):
		return ChangeMod, "file.changed", true
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		return ChangeUnlink, "file.deleted", true
	default:
		return "", "", false
	}
}
