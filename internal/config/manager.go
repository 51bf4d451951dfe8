package config

import (
	"context"
	"hash/fnv"
	"os"
	"sync"

	logx "postplan/pkg/logx"
)

// Manager owns the live configuration: it loads the file, hands the current
// value to readers and publishes accepted reloads to subscribers.
type Manager struct {
	path string
	log  logx.Logger

	mu       sync.RWMutex
	cfg      *Config
	fileHash uint64 // hash of the bytes behind cfg

	check func(ctx context.Context, cfg *Config) error

	subMu sync.Mutex
	subs  map[chan *Config]struct{}
}

func NewManager(path string) *Manager {
	return &Manager{path: path, subs: map[chan *Config]struct{}{}}
}

func (m *Manager) Path() string { return m.path }

// SetLogger must be called before Watch.
func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator adds a check that runs after Validate on every reload. A
// rejected reload keeps the current config.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) { m.check = fn }

func (m *Manager) logger() logx.Logger {
	if m.log.IsZero() {
		return logx.Nop()
	}
	return m.log
}

// Load parses the file and makes it current without notifying subscribers.
func (m *Manager) Load() (*Config, error) {
	cfg, sum, err := m.read()
	if err != nil {
		return nil, err
	}
	m.commit(cfg, sum)
	return cfg, nil
}

// Parse reads and validates the file without making it current.
func (m *Manager) Parse() (*Config, error) {
	cfg, _, err := m.read()
	return cfg, err
}

func (m *Manager) read() (*Config, uint64, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, 0, err
	}
	cfg, err := ParseBytes(m.path, data)
	if err != nil {
		return nil, 0, err
	}
	return cfg, checksum(data), nil
}

func (m *Manager) commit(cfg *Config, sum uint64) {
	m.mu.Lock()
	m.cfg, m.fileHash = cfg, sum
	m.mu.Unlock()
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a channel that receives every published config. A full
// channel has its oldest entry replaced, so readers always see the latest.
func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()
	return ch
}

// Unsubscribe closes ch. Unknown channels are ignored.
func (m *Manager) Unsubscribe(ch chan *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

func (m *Manager) publish(cfg *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		for {
			select {
			case ch <- cfg:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

func checksum(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
