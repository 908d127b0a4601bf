// Package stream delivers committed session events to HTTP readers over
// NDJSON. Each session keeps a bounded replay buffer; readers that fall
// behind are dropped rather than allowed to stall the session.
package stream

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atelier-ai/atelier/internal/common/config"
	"github.com/atelier-ai/atelier/internal/common/logger"
	"github.com/atelier-ai/atelier/internal/events"
)

// Manager owns the per-session replay buffers and reader registries.
type Manager struct {
	cfg config.StreamConfig
	log *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*sessionStream

	stopOnce sync.Once
	stopCh   chan struct{}
}

type sessionStream struct {
	mu           sync.Mutex
	buf          []events.Envelope // ordered, capped at cfg.BufferSize
	readers      map[*Reader]struct{}
	lastActivity time.Time
}

// Reader is one attached stream consumer. Live events arrive on C; Replay
// holds the buffered events that matched the resume cursor at attach time.
type Reader struct {
	C      <-chan events.Envelope
	Replay []events.Envelope

	ch        chan events.Envelope
	sessionID string
	dropped   bool
}

// Dropped reports whether the manager detached this reader for falling behind.
func (r *Reader) Dropped() bool { return r.dropped }

// NewManager creates a stream manager and starts its expiry janitor.
func NewManager(cfg config.StreamConfig, log *logger.Logger) *Manager {
	m := &Manager{
		cfg:      cfg,
		log:      log,
		sessions: make(map[string]*sessionStream),
		stopCh:   make(chan struct{}),
	}
	go m.janitor()
	return m
}

// Broadcast appends the event to the session's replay buffer and fans it out
// to attached readers. Heartbeats are delivered but never buffered. A reader
// whose queue is full is detached on the spot.
func (m *Manager) Broadcast(env events.Envelope) {
	s := m.session(env.SessionID)

	s.mu.Lock()
	s.lastActivity = time.Now()
	if env.EventType != events.Heartbeat {
		s.buf = append(s.buf, env)
		if len(s.buf) > m.cfg.BufferSize {
			s.buf = s.buf[len(s.buf)-m.cfg.BufferSize:]
		}
	}

	var slow []*Reader
	for r := range s.readers {
		select {
		case r.ch <- env:
		default:
			slow = append(slow, r)
		}
	}
	for _, r := range slow {
		r.dropped = true
		delete(s.readers, r)
		close(r.ch)
	}
	s.mu.Unlock()

	for _, r := range slow {
		m.log.Warn("dropped slow stream reader",
			zap.String("session_id", env.SessionID))
		_ = r
	}
}

// Subscribe attaches a reader to a session. Buffered events strictly newer
// than since are returned as replay; zero since replays nothing. Replay and
// registration happen under one lock, so no event is lost or duplicated
// between replay and live delivery.
func (m *Manager) Subscribe(sessionID string, since time.Time) *Reader {
	s := m.session(sessionID)

	r := &Reader{
		ch:        make(chan events.Envelope, m.cfg.ReaderQueueSize),
		sessionID: sessionID,
	}
	r.C = r.ch

	s.mu.Lock()
	s.lastActivity = time.Now()
	if !since.IsZero() {
		for _, env := range s.buf {
			if env.Timestamp.After(since) {
				r.Replay = append(r.Replay, env)
			}
		}
	}
	s.readers[r] = struct{}{}
	s.mu.Unlock()

	return r
}

// Unsubscribe detaches a reader. Safe to call after a slow-reader drop.
func (m *Manager) Unsubscribe(r *Reader) {
	m.mu.RLock()
	s, ok := m.sessions[r.sessionID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	s.mu.Lock()
	if _, attached := s.readers[r]; attached {
		delete(s.readers, r)
		close(r.ch)
	}
	s.mu.Unlock()
}

// Reset discards a session's buffer and detaches its readers.
func (m *Manager) Reset(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	for r := range s.readers {
		delete(s.readers, r)
		close(r.ch)
	}
	s.mu.Unlock()
}

// Stats is a snapshot of the manager's footprint.
type Stats struct {
	Sessions int `json:"sessions"`
	Readers  int `json:"readers"`
	Buffered int `json:"buffered"`
}

// Stats returns current session, reader and buffered-event counts.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := Stats{Sessions: len(m.sessions)}
	for _, s := range m.sessions {
		s.mu.Lock()
		stats.Readers += len(s.readers)
		stats.Buffered += len(s.buf)
		s.mu.Unlock()
	}
	return stats
}

// Close stops the janitor and detaches all readers.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })

	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*sessionStream)
	m.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		for r := range s.readers {
			delete(s.readers, r)
			close(r.ch)
		}
		s.mu.Unlock()
	}
}

// session returns the stream for a session, creating it on first use.
func (m *Manager) session(sessionID string) *sessionStream {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if ok {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok = m.sessions[sessionID]; ok {
		return s
	}
	s = &sessionStream{readers: make(map[*Reader]struct{})}
	m.sessions[sessionID] = s
	return s
}

// janitor expires idle session buffers past the TTL. Sessions with attached
// readers are never expired.
func (m *Manager) janitor() {
	interval := m.cfg.BufferTTL() / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.expireIdle()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) expireIdle() {
	cutoff := time.Now().Add(-m.cfg.BufferTTL())

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		s.mu.Lock()
		idle := len(s.readers) == 0 && s.lastActivity.Before(cutoff)
		s.mu.Unlock()
		if idle {
			delete(m.sessions, id)
		}
	}
}

// WaitDrained blocks until all readers detach or ctx expires. Used during
// shutdown so in-flight NDJSON responses can finish.
func (m *Manager) WaitDrained(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if m.Stats().Readers == 0 {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
