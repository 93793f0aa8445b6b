package workspace

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/caretta-ai/caretta/internal/debug"
	"github.com/caretta-ai/caretta/internal/eventq"
)

// watched are the files whose edits should refresh a worker's system
// context without a restart.
var watched = map[string]bool{
	RulesFile:  true,
	SkillsFile: true,
	TaskFile:   true,
}

// Watch emits the changed file's base name on the returned channel whenever
// rules.md, skills.md or task.md is written. Events are debounced per file
// and dropped rather than blocking when the consumer lags. The watcher stops
// when ctx is cancelled.
func Watch(ctx context.Context, w *Workspace) (<-chan string, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(w.root); err != nil {
		fw.Close()
		return nil, err
	}

	out := make(chan string, 8)
	go func() {
		defer fw.Close()
		defer close(out)
		last := make(map[string]time.Time)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				name := filepath.Base(ev.Name)
				if !watched[name] {
					continue
				}
				// Editors fire bursts of writes for one save.
				if t, seen := last[name]; seen && time.Since(t) < 500*time.Millisecond {
					continue
				}
				last[name] = time.Now()
				eventq.Offer(out, name)
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				debug.LogKV("workspace", "watch error", "dir", w.root, "error", err.Error())
			}
		}
	}()
	return out, nil
}
