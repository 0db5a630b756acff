// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/traceflow/traceflow/probe"
)

// DefaultDebounce is how long a FileProvider waits for a burst of file
// changes to settle before reloading.
const DefaultDebounce = 200 * time.Millisecond

var probeExts = []string{".yaml", ".yml", ".json"}

// IsProbeFile reports whether path has a probe document extension.
func IsProbeFile(path string) bool {
	return slices.Contains(probeExts, strings.ToLower(filepath.Ext(path)))
}

// LoadDir decodes every probe document directly inside dir, in file name
// order. Files that fail to decode are skipped and their errors joined into
// the returned error.
func LoadDir(dir string) ([]probe.Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read probe directory: %w", err)
	}

	var defs []probe.Definition
	for _, entry := range entries {
		if entry.IsDir() || !IsProbeFile(entry.Name()) {
			continue
		}
		d, e := LoadFile(filepath.Join(dir, entry.Name()))
		err = errors.Join(err, e)
		defs = append(defs, d...)
	}
	return defs, err
}

// LoadFile decodes the probe documents in the file at path.
func LoadFile(path string) ([]probe.Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	defs, err := probe.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return defs, nil
}

// FileOption configures a FileProvider.
type FileOption func(*FileProvider)

// WithLogger sets the logger used by a FileProvider.
func WithLogger(l *slog.Logger) FileOption {
	return func(p *FileProvider) { p.logger = l }
}

// WithDebounce sets how long a FileProvider waits for changes to settle.
func WithDebounce(d time.Duration) FileOption {
	return func(p *FileProvider) { p.debounce = d }
}

// FileProvider loads probe definitions from a directory and sends a new
// Config whenever a probe document in it changes.
type FileProvider struct {
	dir      string
	logger   *slog.Logger
	debounce time.Duration

	watcher *fsnotify.Watcher
	updates chan Config

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ Provider = (*FileProvider)(nil)

// NewFileProvider returns a FileProvider watching dir.
func NewFileProvider(dir string, opts ...FileOption) (*FileProvider, error) {
	p := &FileProvider{
		dir:      dir,
		debounce: DefaultDebounce,
		updates:  make(chan Config, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	p.watcher = w

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(p.updates)
		p.loop()
	}()
	return p, nil
}

// InitialConfig loads the current contents of the directory. Documents
// that fail to decode are logged and skipped.
func (p *FileProvider) InitialConfig(context.Context) Config {
	return p.load()
}

func (p *FileProvider) load() Config {
	defs, err := LoadDir(p.dir)
	if err != nil {
		p.logger.Error("failed to load probe documents", "dir", p.dir, "error", err)
	}
	p.logger.Debug("loaded probe documents", "dir", p.dir, "probes", len(defs))
	return Config{Probes: defs}
}

// Watch returns the channel of reloaded configurations.
func (p *FileProvider) Watch() <-chan Config {
	return p.updates
}

// Shutdown stops watching the directory and closes the Watch channel.
func (p *FileProvider) Shutdown(ctx context.Context) error {
	var err error
	p.stopOnce.Do(func() {
		close(p.done)
		err = p.watcher.Close()
	})

	stopped := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
		return err
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
}

func (p *FileProvider) loop() {
	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-p.done:
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if !IsProbeFile(event.Name) || event.Op == fsnotify.Chmod {
				continue
			}
			p.logger.Debug("probe document changed", "file", event.Name, "op", event.Op.String())
			if timer == nil {
				timer = time.NewTimer(p.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(p.debounce)
			}
		case <-timerC:
			timer, timerC = nil, nil
			p.publish(p.load())
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Error("probe directory watch failed", "dir", p.dir, "error", err)
		}
	}
}

// publish replaces any update the consumer has not received yet.
func (p *FileProvider) publish(c Config) {
	for {
		select {
		case p.updates <- c:
			return
		case <-p.done:
			return
		default:
		}
		select {
		case <-p.updates:
		default:
		}
	}
}
