package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.yaml.in/yaml/v3"

	logx "stakebot/pkg/logx"
)

// Manager loads the config file, validates it, and watches it for changes.
// Subscribers receive a deep-copied snapshot after every successful reload;
// an invalid rewrite is logged and the last good config stays in effect.
type Manager struct {
	path string
	log  logx.Logger

	mu      sync.RWMutex
	current *Config
	raw     []byte

	subMu  sync.Mutex
	subs   map[int]chan *Config
	nextID int

	watchOnce sync.Once
	stopCh    chan struct{}
	stopDone  chan struct{}
}

func NewManager(path string, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		path:     path,
		log:      log,
		subs:     make(map[int]chan *Config),
		stopCh:   make(chan struct{}),
		stopDone: make(chan struct{}),
	}
}

// Load reads and validates the file, replacing the current snapshot.
func (m *Manager) Load() (*Config, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := parse(m.path, data)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.current = cfg
	m.raw = data
	m.mu.Unlock()

	return cloneConfig(cfg), nil
}

// Current returns the latest good snapshot, or nil before the first Load.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneConfig(m.current)
}

// Subscribe registers for reload notifications. The returned cancel func
// must be called to release the subscription.
func (m *Manager) Subscribe() (<-chan *Config, func()) {
	ch := make(chan *Config, 1)
	m.subMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.subMu.Unlock()

	cancel := func() {
		m.subMu.Lock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
		m.subMu.Unlock()
	}
	return ch, cancel
}

func (m *Manager) publish(cfg *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		snap := cloneConfig(cfg)
		select {
		case ch <- snap:
		default:
			// Slow subscriber keeps only the freshest snapshot.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

// Watch starts the file watcher. Safe to call once; returns after the
// watcher goroutine is running or setup failed.
func (m *Manager) Watch(ctx context.Context) error {
	var startErr error
	m.watchOnce.Do(func() {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			startErr = fmt.Errorf("fsnotify: %w", err)
			return
		}
		// Watch the directory: editors replace files via rename, which drops
		// a watch registered on the file itself.
		dir := filepath.Dir(m.path)
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			startErr = fmt.Errorf("watch %s: %w", dir, err)
			return
		}
		go m.watchLoop(ctx, w)
	})
	return startErr
}

func (m *Manager) watchLoop(ctx context.Context, w *fsnotify.Watcher) {
	defer close(m.stopDone)
	defer func() { _ = w.Close() }()

	const debounce = 300 * time.Millisecond
	var timer *time.Timer
	var timerC <-chan time.Time

	target := filepath.Clean(m.path)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			m.reload()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			m.log.Warn("config watcher error", logx.Err(err))
		}
	}
}

func (m *Manager) reload() {
	data, err := os.ReadFile(m.path)
	if err != nil {
		m.log.Warn("config reload: read failed, keeping previous", logx.Err(err))
		return
	}

	m.mu.RLock()
	unchanged := bytes.Equal(data, m.raw)
	m.mu.RUnlock()
	if unchanged {
		return
	}

	cfg, err := parse(m.path, data)
	if err != nil {
		m.log.Warn("config reload: invalid, keeping previous", logx.Err(err))
		return
	}

	m.mu.Lock()
	m.current = cfg
	m.raw = data
	m.mu.Unlock()

	m.log.Info("config reloaded", logx.String("path", m.path))
	m.publish(cfg)
}

// Stop terminates the watch loop.
func (m *Manager) Stop() {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
}

func parse(path string, data []byte) (*Config, error) {
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".yaml" || ext == ".yml" {
		jb, err := yamlToJSON(data)
		if err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
		data = jb
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// yamlToJSON re-encodes yaml as json so both formats go through the one
// strict decoder above. yaml.v3 yields map[any]any for some nested maps,
// which json.Marshal rejects, so keys are stringified on the way.
func yamlToJSON(data []byte) ([]byte, error) {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return json.Marshal(stringifyKeys(v))
}

func stringifyKeys(v any) any {
	switch x := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, val := range x {
			m[fmt.Sprint(k)] = stringifyKeys(val)
		}
		return m
	case map[string]any:
		for k, val := range x {
			x[k] = stringifyKeys(val)
		}
		return x
	case []any:
		for i := range x {
			x[i] = stringifyKeys(x[i])
		}
		return x
	default:
		return v
	}
}

// Validate checks field-level constraints. Env fallbacks for secrets are
// resolved by the app, so an empty token/base_url here is not an error.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	if _, err := logx.ParseLevel(cfg.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		return errors.New("logging.file.path required when file logging enabled")
	}

	if err := checkDuration("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if err := checkDuration("ledger.request_timeout", cfg.Ledger.RequestTimeout); err != nil {
		return err
	}

	if e := cfg.Engine; e != nil {
		if err := checkDuration("engine.transfer_timeout", e.TransferTimeout); err != nil {
			return err
		}
		if e.Workers < 0 {
			return errors.New("engine.workers must be >= 0")
		}
		if tz := strings.TrimSpace(e.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("engine.timezone: %w", err)
			}
		}
	}

	if n := cfg.Notifier; n != nil {
		if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 {
			return errors.New("notifier: counts must be >= 0")
		}
		for _, f := range []struct{ path, raw string }{
			{"notifier.retry_base", n.RetryBase},
			{"notifier.retry_max_delay", n.RetryMaxDelay},
			{"notifier.dedup_window", n.DedupWindow},
		} {
			if err := checkDuration(f.path, f.raw); err != nil {
				return err
			}
		}
	}

	switch strings.TrimSpace(cfg.Storage.Driver) {
	case "", "sqlite", "memory":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	if err := checkDuration("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}

	return nil
}

func cloneConfig(cfg *Config) *Config {
	if cfg == nil {
		return nil
	}
	out := *cfg
	out.Telegram.OwnerUserIDs = append([]int64(nil), cfg.Telegram.OwnerUserIDs...)
	if cfg.Engine != nil {
		e := *cfg.Engine
		out.Engine = &e
	}
	if cfg.Notifier != nil {
		n := *cfg.Notifier
		out.Notifier = &n
	}
	return &out
}
