package config

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zhouzirui/tcm-fusion/backend/internal/analysis/fusion"
)

const rulesDebounce = 250 * time.Millisecond

// WatchFusionRules reloads the rule file at path after every change and
// passes each valid rule set to apply. Invalid edits are logged and the
// previous rules stay in force. The watch ends when ctx is done.
func WatchFusionRules(ctx context.Context, path string, apply func(fusion.Config)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create rules watcher: %w", err)
	}
	// 监听所在目录：编辑器保存时常以重命名替换文件。
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	reload := func() {
		cfg, err := FusionConfigFrom(abs)
		if err != nil {
			log.Printf("[config] ignoring fusion rules change: %v", err)
			return
		}
		log.Printf("[config] fusion rules reloaded from %s", abs)
		apply(cfg)
	}

	go func() {
		defer w.Close()

		var debounce *time.Timer
		defer func() {
			if debounce != nil {
				debounce.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(rulesDebounce, reload)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Printf("[config] rules watcher error: %v", err)
			}
		}
	}()
	return nil
}
