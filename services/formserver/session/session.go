// Copyright (C) 2025 Cyril Zhao (cyril@formlink.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package session manages live form sessions: one linkage engine and
// value store per session, with optional BadgerDB persistence so a
// server restart can rebuild them.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cyrilzhao/formlink/pkg/logging"
	"github.com/cyrilzhao/formlink/services/linkage"
	"github.com/cyrilzhao/formlink/services/linkage/schema"
)

// pushDelay coalesces change notifications before watchers are woken:
// one user edit fans out into several store writes (the edit plus the
// engine's write-backs) and watchers want one state push per burst.
const pushDelay = 75 * time.Millisecond

// Session is one live form instance: a value store and a linkage
// engine, plus watchers for state pushes.
type Session struct {
	ID        string
	FormID    string
	CreatedAt time.Time

	store  *linkage.MemoryStore
	engine *linkage.Engine

	mu          sync.Mutex
	updatedAt   time.Time
	watchers    map[int]chan struct{}
	nextWatcher int
	pushTimer   *time.Timer
	unsubscribe func()
}

// UpdatedAt returns the time of the session's last value change.
func (s *Session) UpdatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

// Values returns a snapshot of the session's form values.
func (s *Session) Values() map[string]any {
	return s.store.GetValues()
}

// Results returns the session's derived-state map.
func (s *Session) Results() map[string]*schema.LinkageResult {
	return s.engine.ResultMap()
}

// SetValue writes a user edit. The engine reacts through its store
// subscription.
func (s *Session) SetValue(field string, value any) error {
	return s.store.SetValue(field, value, linkage.SetOptions{Validate: true, MarkDirty: true})
}

// Refresh forces a full re-evaluation against current values.
func (s *Session) Refresh(ctx context.Context) error {
	return s.engine.Refresh(ctx)
}

// Watch returns a channel that receives a signal after each settled
// burst of changes, and a cancel function. The channel never blocks the
// session; a slow watcher sees coalesced signals. Cancel closes the
// channel, ending any range over it; calling cancel again is a no-op.
func (s *Session) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	id := s.nextWatcher
	s.nextWatcher++
	s.watchers[id] = ch
	s.mu.Unlock()
	return ch, func() {
		// Sends happen under mu too, so closing under mu is safe.
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.watchers[id]; ok {
			delete(s.watchers, id)
			close(ch)
		}
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.updatedAt = time.Now()
	s.mu.Unlock()
}

// schedulePush arms (or re-arms) the coalescing timer.
func (s *Session) schedulePush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pushTimer != nil {
		s.pushTimer.Reset(pushDelay)
		return
	}
	s.pushTimer = time.AfterFunc(pushDelay, s.notifyWatchers)
}

func (s *Session) notifyWatchers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Session) close() {
	s.mu.Lock()
	if s.pushTimer != nil {
		s.pushTimer.Stop()
		s.pushTimer = nil
	}
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	s.engine.Close()
}

// Manager owns all live sessions.
//
// # Thread Safety
//
// Safe for concurrent use.
type Manager struct {
	logger        *logging.Logger
	persist       *Store
	functions     *linkage.FunctionRegistry
	engineMetrics *linkage.Metrics
	active        prometheus.Gauge

	mu       sync.RWMutex
	sessions map[string]*Session
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger *logging.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithPersistence enables BadgerDB snapshots of session values.
func WithPersistence(store *Store) ManagerOption {
	return func(m *Manager) { m.persist = store }
}

// WithFunctions sets the derivation function registry shared by all
// session engines.
func WithFunctions(reg *linkage.FunctionRegistry) ManagerOption {
	return func(m *Manager) { m.functions = reg }
}

// WithEngineMetrics sets the linkage metrics shared by all session
// engines, so their counters land on the server's registry.
func WithEngineMetrics(metrics *linkage.Metrics) ManagerOption {
	return func(m *Manager) { m.engineMetrics = metrics }
}

// WithActiveGauge tracks the live session count on a Prometheus gauge.
func WithActiveGauge(gauge prometheus.Gauge) ManagerOption {
	return func(m *Manager) { m.active = gauge }
}

// NewManager creates an empty Manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{sessions: make(map[string]*Session)}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logging.Default()
	}
	return m
}

// Create starts a session for form with the given initial values.
func (m *Manager) Create(ctx context.Context, form *schema.FormSchema, values map[string]any) (*Session, error) {
	return m.create(ctx, uuid.NewString(), form, values, time.Now())
}

func (m *Manager) create(ctx context.Context, id string, form *schema.FormSchema, values map[string]any, createdAt time.Time) (*Session, error) {
	store := linkage.NewMemoryStore(values)
	engineOpts := []linkage.Option{linkage.WithLogger(m.logger.With("session_id", id))}
	if m.functions != nil {
		engineOpts = append(engineOpts, linkage.WithFunctions(m.functions))
	}
	if m.engineMetrics != nil {
		engineOpts = append(engineOpts, linkage.WithMetrics(m.engineMetrics))
	}
	engine, err := linkage.NewEngine(store, engineOpts...)
	if err != nil {
		return nil, err
	}
	if err := engine.Initialize(ctx, form.Linkages); err != nil {
		return nil, fmt.Errorf("initializing session engine: %w", err)
	}

	sess := &Session{
		ID:        id,
		FormID:    form.FormID,
		CreatedAt: createdAt,
		updatedAt: createdAt,
		store:     store,
		engine:    engine,
		watchers:  make(map[int]chan struct{}),
	}
	sess.unsubscribe = store.Subscribe(func(string) {
		sess.touch()
		m.persistSnapshot(sess)
		sess.schedulePush()
	})

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()
	if m.active != nil {
		m.active.Inc()
	}

	m.persistSnapshot(sess)
	m.logger.Info("session created", "session_id", id, "form_id", form.FormID)
	return sess, nil
}

// Get returns a live session by id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

// List returns all live sessions, oldest first.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Delete closes a session and removes its persisted record.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	sess.close()
	if m.active != nil {
		m.active.Dec()
	}
	if m.persist != nil {
		if err := m.persist.Delete(id); err != nil {
			m.logger.Error("deleting persisted session failed", "session_id", id, "error", err)
		}
	}
	m.logger.Info("session deleted", "session_id", id)
	return nil
}

// Restore rebuilds sessions from persisted records. Records whose form
// is no longer registered are skipped with a warning. Returns the
// number of sessions restored.
func (m *Manager) Restore(ctx context.Context, resolve func(formID string) (*schema.FormSchema, bool)) (int, error) {
	if m.persist == nil {
		return 0, nil
	}
	records, err := m.persist.List()
	if err != nil {
		return 0, fmt.Errorf("listing persisted sessions: %w", err)
	}

	restored := 0
	for _, rec := range records {
		form, ok := resolve(rec.FormID)
		if !ok {
			m.logger.Warn("skipping persisted session with unknown form",
				"session_id", rec.ID, "form_id", rec.FormID)
			continue
		}
		if _, err := m.create(ctx, rec.ID, form, rec.Values, rec.CreatedAt); err != nil {
			m.logger.Error("restoring session failed", "session_id", rec.ID, "error", err)
			continue
		}
		restored++
	}
	return restored, nil
}

// Close shuts down every live session, leaving persisted records in
// place for the next start.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.close()
		if m.active != nil {
			m.active.Dec()
		}
	}
}

func (m *Manager) persistSnapshot(sess *Session) {
	if m.persist == nil {
		return
	}
	rec := &Record{
		ID:        sess.ID,
		FormID:    sess.FormID,
		Values:    sess.Values(),
		CreatedAt: sess.CreatedAt,
		UpdatedAt: sess.UpdatedAt(),
	}
	if err := m.persist.Save(rec); err != nil {
		m.logger.Error("persisting session failed", "session_id", sess.ID, "error", err)
	}
}
