package memory

import (
	"context"
	"sync"
	"time"

	"github.com/osvaldoandrade/tiledetect/pkg/domain"
	"github.com/osvaldoandrade/tiledetect/pkg/persistence"
)

// Plugin implements PluginPersistence for in-memory storage.
// Records are lost on restart.
type Plugin struct {
	mu      sync.RWMutex
	records map[string]*entry
	ttl     time.Duration
	now     func() time.Time
}

type entry struct {
	rec       domain.RunRecord
	expiresAt time.Time
}

// NewPlugin creates a new in-memory persistence plugin
func NewPlugin(config persistence.PluginConfig) (persistence.PluginPersistence, error) {
	return newPlugin(config, time.Now), nil
}

func newPlugin(config persistence.PluginConfig, now func() time.Time) *Plugin {
	return &Plugin{
		records: make(map[string]*entry),
		ttl:     config.TTL,
		now:     now,
	}
}

// RunIndex returns the run index implementation
func (p *Plugin) RunIndex() persistence.RunIndex {
	return &runIndex{plugin: p}
}

// Health always returns nil for in-memory storage
func (p *Plugin) Health(ctx context.Context) error {
	return nil
}

// Close is a no-op for in-memory storage
func (p *Plugin) Close() error {
	return nil
}

func init() {
	persistence.RegisterProvider("memory", NewPlugin)
}

type runIndex struct {
	plugin *Plugin
}

func (s *runIndex) Save(ctx context.Context, rec domain.RunRecord) error {
	s.plugin.mu.Lock()
	defer s.plugin.mu.Unlock()

	e := &entry{rec: rec}
	if s.plugin.ttl > 0 {
		e.expiresAt = s.plugin.now().Add(s.plugin.ttl)
	}
	s.plugin.records[rec.RequestID] = e
	return nil
}

func (s *runIndex) Get(ctx context.Context, requestID string) (*domain.RunRecord, error) {
	s.plugin.mu.RLock()
	defer s.plugin.mu.RUnlock()

	e, ok := s.plugin.records[requestID]
	if !ok || e.expired(s.plugin.now()) {
		return nil, persistence.ErrNotFound
	}
	rec := e.rec
	return &rec, nil
}

func (s *runIndex) Delete(ctx context.Context, requestID string) error {
	s.plugin.mu.Lock()
	defer s.plugin.mu.Unlock()

	delete(s.plugin.records, requestID)
	return nil
}

func (s *runIndex) CleanupExpired(ctx context.Context, limit int, before time.Time) (int, error) {
	s.plugin.mu.Lock()
	defer s.plugin.mu.Unlock()

	removed := 0
	for id, e := range s.plugin.records {
		if limit > 0 && removed >= limit {
			break
		}
		if e.expired(before) {
			delete(s.plugin.records, id)
			removed++
		}
	}
	return removed, nil
}

func (e *entry) expired(at time.Time) bool {
	return !e.expiresAt.IsZero() && !at.Before(e.expiresAt)
}
