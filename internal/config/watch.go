package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "postplan/pkg/logx"
)

const (
	reloadDebounce  = 250 * time.Millisecond
	validateTimeout = 5 * time.Second
	rewatchMin      = 250 * time.Millisecond
	rewatchMax      = 5 * time.Second
)

// Watch reloads the config whenever its file changes until ctx is done.
// Editors that replace the file are handled by watching the parent directory.
// A broken watcher is recreated with jittered exponential backoff.
func (m *Manager) Watch(ctx context.Context) error {
	log := m.logger().With(logx.String("path", m.path))
	delay := rewatchMin
	for {
		err := m.watchOnce(ctx, log, func() { delay = rewatchMin })
		if ctx.Err() != nil {
			return nil
		}
		wait := delay + rand.N(delay/2+1)
		delay = min(delay*2, rewatchMax)
		log.Warn("config watcher stopped; restarting", logx.Err(err), logx.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// watchOnce runs one fsnotify watcher until it fails or ctx is done. started
// is called once the watch is registered.
func (m *Manager) watchOnce(ctx context.Context, log logx.Logger, started func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	dir, name := filepath.Dir(m.path), filepath.Base(m.path)
	if err := w.Add(dir); err != nil {
		return err
	}
	started()
	log.Debug("config watcher started", logx.String("dir", dir))

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("event channel closed")
			}
			if filepath.Base(ev.Name) == name {
				debounce.Reset(reloadDebounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("error channel closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				log.Warn("config watch overflow; reloading", logx.Err(err))
				debounce.Reset(reloadDebounce)
				continue
			}
			return err
		case <-debounce.C:
			m.reload(ctx, log)
		}
	}
}

// reload applies the file if it changed and passes validation.
func (m *Manager) reload(ctx context.Context, log logx.Logger) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		log.Warn("config reload rejected", logx.Err(err))
		return
	}
	sum := checksum(data)
	m.mu.RLock()
	same := sum == m.fileHash
	m.mu.RUnlock()
	if same {
		log.Debug("config file unchanged")
		return
	}
	cfg, err := ParseBytes(m.path, data)
	if err != nil {
		log.Warn("config reload rejected", logx.Err(err))
		return
	}
	if m.check != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err = m.check(vctx, cfg)
		cancel()
		if err != nil {
			log.Warn("config reload rejected", logx.Err(err))
			return
		}
	}
	m.commit(cfg, sum)
	m.publish(cfg)
	log.Debug("config published")
}
