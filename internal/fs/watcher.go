package fs

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeEvent is a debounced filesystem change inside a workspace.
type ChangeEvent struct {
	Path string    // workspace-relative path, leading slash
	Op   string    // "create", "write", "remove", "rename"
	Time time.Time
}

// Watcher streams debounced change events for a workspace tree. New
// subdirectories are added to the watch set as they appear.
type Watcher struct {
	ws     *Workspace
	fsw    *fsnotify.Watcher
	events chan ChangeEvent
	stop   chan struct{}
}

const watchDebounce = 250 * time.Millisecond

// NewWatcher starts watching the workspace root and all existing
// subdirectories. Events are delivered on Events until Stop is called.
func NewWatcher(ws *Workspace) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		ws:     ws,
		fsw:    fsw,
		events: make(chan ChangeEvent, 128),
		stop:   make(chan struct{}),
	}
	if err := fsw.Add(ws.Root()); err != nil {
		fsw.Close()
		return nil, err
	}
	filepath.Walk(ws.Root(), func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() && path != ws.Root() {
			fsw.Add(path)
		}
		return nil
	})
	go w.run()
	return w, nil
}

// Events returns the channel of debounced change events.
func (w *Watcher) Events() <-chan ChangeEvent {
	return w.events
}

// Stop shuts the watcher down and closes the event channel.
func (w *Watcher) Stop() {
	close(w.stop)
}

func (w *Watcher) run() {
	defer w.fsw.Close()
	defer close(w.events)

	// Per-path debounce so editors that write in bursts produce one event.
	timers := make(map[string]*time.Timer)
	fired := make(chan ChangeEvent, 128)

	for {
		select {
		case <-w.stop:
			return
		case event := <-fired:
			select {
			case w.events <- event:
			default:
				// Receiver is slow; drop rather than stall the watcher.
			}
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if strings.HasPrefix(filepath.Base(ev.Name), ".") {
				continue
			}
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					w.fsw.Add(ev.Name)
				}
			}
			change := ChangeEvent{Path: w.ws.rel(ev.Name), Op: opString(ev.Op), Time: time.Now()}
			if timer, ok := timers[ev.Name]; ok {
				timer.Stop()
			}
			timers[ev.Name] = time.AfterFunc(watchDebounce, func() {
				select {
				case fired <- change:
				case <-w.stop:
				}
			})
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		}
	}
}

func opString(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "create"
	case op.Has(fsnotify.Write):
		return "write"
	case op.Has(fsnotify.Remove):
		return "remove"
	case op.Has(fsnotify.Rename):
		return "rename"
	default:
		return "chmod"
	}
}
