package serving

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"denoiser/internal/storage"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the ensemble whenever a training run publishes its
// manifest in dir. Fold checkpoints written during a run are ignored; the
// manifest lands only after the last fold. Repeated events are coalesced
// into one reload once dir has been quiet for the configured debounce.
// Watch blocks until ctx is done.
func (h *Host) Watch(ctx context.Context, dir string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	h.log.Info().Str("dir", dir).Dur("debounce", h.cfg.Debounce).Msg("watching checkpoints")

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	schedule := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Reset(h.cfg.Debounce)
			return
		}
		timer = time.AfterFunc(h.cfg.Debounce, func() {
			mu.Lock()
			timer = nil
			mu.Unlock()
			if err := h.Reload(ctx); err != nil {
				h.log.Warn().Err(err).Msg("reload failed, keeping previous ensemble")
			}
		})
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if !isManifest(event.Name) {
				continue
			}
			h.log.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("manifest published")
			schedule()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			h.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

// isManifest matches the manifest key and ignores the temp files written
// ahead of an atomic rename.
func isManifest(path string) bool {
	return filepath.Base(path) == storage.ManifestKey
}
