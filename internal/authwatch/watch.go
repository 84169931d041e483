// Package authwatch feeds the auth token file into the sync coordinator.
// The login flow lives outside the daemon; it writes the bearer token to
// a file and removes the file on sign-out.
package authwatch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ApplyFunc receives the current token. An empty token means signed out.
type ApplyFunc func(token string) error

// Watcher reloads a token file whenever it changes.
type Watcher struct {
	path   string
	apply  ApplyFunc
	logger *zap.Logger

	fsw  *fsnotify.Watcher
	done chan struct{}
	last string
}

// New creates a watcher for the token at path.
func New(path string, apply ApplyFunc, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		path:   filepath.Clean(path),
		apply:  apply,
		logger: logger,
	}
}

// ReadToken returns the trimmed token stored at path. A missing file is
// an empty token.
func ReadToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// WriteToken stores token at path with owner-only permissions. An empty
// token removes the file.
func WriteToken(path, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		err := os.Remove(path)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(token+"\n"), 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Start applies the current token and begins watching for changes. The
// parent directory is watched so that atomic replaces and deletes are
// seen.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.fsw = fsw
	w.done = make(chan struct{})

	w.reload()
	go w.run()
	return nil
}

// Close stops watching. Safe to call if Start failed or was never called.
func (w *Watcher) Close() error {
	if w.fsw == nil {
		return nil
	}
	err := w.fsw.Close()
	<-w.done
	w.fsw = nil
	return err
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				w.reload()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("token watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	token, err := ReadToken(w.path)
	if err != nil {
		w.logger.Warn("failed to read token file", zap.String("path", w.path), zap.Error(err))
		return
	}
	if token == w.last {
		return
	}
	if err := w.apply(token); err != nil {
		w.logger.Error("failed to apply token", zap.Error(err))
		return
	}
	w.last = token
	if token == "" {
		w.logger.Info("token removed, signed out")
	} else {
		w.logger.Info("token loaded")
	}
}
