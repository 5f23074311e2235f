package config

import (
	"context"
	"hash/fnv"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "remindbot/pkg/logx"
)

const watchDebounce = 300 * time.Millisecond

// Watch re-reads the config file on filesystem changes and calls apply with
// each successfully validated new version. Invalid edits are logged and
// skipped; the previous config stays in effect.
//
// The directory (not the file) is watched because editors commonly replace
// the file via rename, which drops a direct file watch.
func Watch(ctx context.Context, path string, log logx.Logger, apply func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return err
	}

	go func() {
		defer func() { _ = w.Close() }()

		var lastHash uint64
		if b, err := readFileRetry(path); err == nil {
			lastHash = hashBytes(b)
		}

		var pending *time.Timer
		var pendingC <-chan time.Time

		for {
			select {
			case <-ctx.Done():
				return

			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) == 0 {
					continue
				}
				// Debounce editor write bursts.
				if pending == nil {
					pending = time.NewTimer(watchDebounce)
					pendingC = pending.C
				} else {
					if !pending.Stop() {
						select {
						case <-pending.C:
						default:
						}
					}
					pending.Reset(watchDebounce)
				}

			case <-pendingC:
				pending = nil
				pendingC = nil

				b, err := readFileRetry(path)
				if err != nil {
					log.Warn("config reload: read failed", logx.Err(err))
					continue
				}
				h := hashBytes(b)
				if h == lastHash {
					continue
				}
				cfg, err := Parse(path, b)
				if err != nil {
					log.Warn("config reload: parse failed, keeping previous", logx.Err(err))
					continue
				}
				if err := cfg.Validate(); err != nil {
					log.Warn("config reload: invalid, keeping previous", logx.Err(err))
					continue
				}
				lastHash = h
				log.Info("config reloaded", logx.String("path", path))
				apply(cfg)

			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("config watcher error", logx.Err(err))
			}
		}
	}()

	return nil
}

// readFileRetry tolerates the brief window where an editor has renamed the
// old file away but not yet written the new one.
func readFileRetry(path string) ([]byte, error) {
	var b []byte
	var err error
	for i := 0; i < 5; i++ {
		b, err = os.ReadFile(path)
		if err == nil {
			return b, nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return nil, err
}

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
