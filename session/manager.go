package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/mcp-nexus/mcp-nexus-go/batch"
	"github.com/mcp-nexus/mcp-nexus-go/cdb"
	"github.com/mcp-nexus/mcp-nexus-go/internal/clock"
	"github.com/mcp-nexus/mcp-nexus-go/internal/obslog"
	"github.com/mcp-nexus/mcp-nexus-go/internal/procexec"
	"github.com/mcp-nexus/mcp-nexus-go/notify"
	"github.com/mcp-nexus/mcp-nexus-go/queue"
	"github.com/mcp-nexus/mcp-nexus-go/recovery"
	"github.com/mcp-nexus/mcp-nexus-go/resultcache"
)

// Deps are the Manager's external collaborators (§4.7): everything a
// Session needs to construct its own adapter/queue/controller.
type Deps struct {
	Launcher procexec.Launcher
	Clock    clock.Clock
	Sink     notify.Sink
}

// Config is the Manager's tuning, translated from config.Config by the
// caller (cmd/mcpnexusd) so this package never depends on viper.
type Config struct {
	MaxConcurrentSessions int
	SessionTimeout        time.Duration
	CleanupInterval       time.Duration
	HeartbeatInterval     time.Duration
	ResultCacheCapacity   int
	Adapter               cdb.Config
	Batch                 batch.Config
	Recovery              recovery.Config
}

// Manager owns every live Session and the global concurrency cap.
//
// Grounded on the teacher's SessionManager (claude/session_manager.go):
// a registry map guarded by its own lock, a background sweep goroutine,
// and one independent goroutine/state machine per live session.
type Manager struct {
	deps Deps
	cfg  Config
	sem  *semaphore.Weighted

	mu       sync.RWMutex
	sessions map[string]*Session

	statsMu   sync.Mutex
	stats     Stats
	startedAt time.Time

	doneCh chan struct{}
	once   sync.Once
}

// NewManager builds a Manager and starts its expiry sweep.
func NewManager(deps Deps, cfg Config) *Manager {
	m := &Manager{
		deps:      deps,
		cfg:       cfg,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrentSessions)),
		sessions:  make(map[string]*Session),
		startedAt: deps.Clock.Now(),
		doneCh:    make(chan struct{}),
	}
	go m.cleanupLoop()
	return m
}

// Create spawns a new session's adapter, constructs its queue and batch
// processor, registers it, and returns its id (§4.6).
func (m *Manager) Create(ctx context.Context, dumpPath, symbolsPath string) (string, error) {
	if !m.sem.TryAcquire(1) {
		m.mu.RLock()
		current := len(m.sessions)
		m.mu.RUnlock()
		return "", &LimitExceededError{Current: current, Max: m.cfg.MaxConcurrentSessions}
	}

	adapter := cdb.New(m.deps.Launcher, m.deps.Clock, m.cfg.Adapter)
	if err := adapter.Start(ctx, dumpPath, symbolsPath); err != nil {
		m.sem.Release(1)
		return "", &AdapterStartFailedError{Reason: err.Error()}
	}

	id := uuid.New().String()
	sink := &statsSink{Sink: m.deps.Sink, m: m}
	cache := resultcache.New(m.cfg.ResultCacheCapacity)
	q := queue.New(id, adapter, sink, cache, m.deps.Clock, m.cfg.HeartbeatInterval)

	var batcher *batch.Processor
	if m.cfg.Batch.EffectivelyEnabled() {
		batcher = batch.NewProcessor(adapter, q, m.deps.Clock, m.cfg.Batch)
		q.SetBatcher(batcher)
	}

	now := m.deps.Clock.Now()
	sess := &Session{
		id:             id,
		dumpPath:       dumpPath,
		symbolsPath:    symbolsPath,
		clock:          m.deps.Clock,
		adapter:        adapter,
		queue:          q,
		batcher:        batcher,
		cache:          cache,
		state:          StateActive,
		createdAt:      now,
		lastActivityAt: now,
	}

	controller := recovery.New(id, dumpPath, symbolsPath, adapter, q, sink, m.deps.Clock, m.cfg.Recovery, &managerFaultHandler{m: m, sess: sess})
	sess.controller = controller
	q.SetOutcomeObserver(func(commandID string, err error) {
		controller.ObserveCommandOutcome(context.Background(), commandID, err)
	})

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	m.statsMu.Lock()
	m.stats.Created++
	m.statsMu.Unlock()

	return id, nil
}

// Close idempotently tears a session down and returns whether one was
// found (§4.6).
func (m *Manager) Close(ctx context.Context, sessionID string) bool {
	if !m.closeInternal(ctx, sessionID) {
		return false
	}
	m.statsMu.Lock()
	m.stats.Closed++
	m.statsMu.Unlock()
	return true
}

func (m *Manager) closeInternal(ctx context.Context, sessionID string) bool {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	sess.close(ctx)
	m.sem.Release(1)
	return true
}

// Get looks up sessionID, failing unless it is Active or Faulted (§4.6:
// a Faulted session is still a valid lookup target — it just fails fast
// on EnqueueCommand — but a Closing/Closed one is not).
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{SessionID: sessionID}
	}
	switch sess.State() {
	case StateActive, StateFaulted:
		return sess, nil
	default:
		return nil, &NotFoundError{SessionID: sessionID}
	}
}

// TryGet is Get without the error: ok is false for any reason Get would
// have failed.
func (m *Manager) TryGet(sessionID string) (*Session, bool) {
	sess, err := m.Get(sessionID)
	return sess, err == nil
}

// Queue looks up a session's command queue and touches the session.
func (m *Manager) Queue(sessionID string) (*queue.Queue, error) {
	sess, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}
	sess.Touch()
	return sess.queue, nil
}

// TryQueue is Queue without the error.
func (m *Manager) TryQueue(sessionID string) (*queue.Queue, bool) {
	q, err := m.Queue(sessionID)
	return q, err == nil
}

// ListActive returns a snapshot of every Active session.
func (m *Manager) ListActive() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.State() == StateActive {
			out = append(out, s.Snapshot())
		}
	}
	return out
}

// ListAll returns a snapshot of every registered session, regardless of
// state.
func (m *Manager) ListAll() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

// Stats returns a copy of the Manager's counters with Uptime computed
// against now.
func (m *Manager) Stats() Stats {
	m.statsMu.Lock()
	snap := m.stats
	m.statsMu.Unlock()
	snap.Uptime = m.deps.Clock.Now().Sub(m.startedAt)
	return snap
}

// Shutdown stops the expiry sweep and closes every remaining session.
func (m *Manager) Shutdown(ctx context.Context) {
	m.once.Do(func() { close(m.doneCh) })

	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Close(ctx, id)
	}
}

func (m *Manager) cleanupLoop() {
	ticker := m.deps.Clock.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C():
			m.sweep()
		case <-m.doneCh:
			return
		}
	}
}

// sweep closes every Active session idle longer than SessionTimeout and
// counts it as Expired. A session is deregistered before its teardown,
// and teardown reports no failure, so nothing is retried on a later
// tick; a session that another caller removed first is only logged.
func (m *Manager) sweep() {
	now := m.deps.Clock.Now()
	m.mu.RLock()
	var expired []string
	for id, s := range m.sessions {
		if s.State() == StateActive && s.idleFor(now) >= m.cfg.SessionTimeout {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range expired {
		if m.closeInternal(context.Background(), id) {
			m.statsMu.Lock()
			m.stats.Expired++
			m.statsMu.Unlock()
		} else {
			obslog.Warn().Str("sessionId", id).Msg("cleanup sweep: session vanished before it could be expired")
		}
	}
}

// managerFaultHandler adapts recovery.FaultHandler so a session's own
// Faulted transition also updates the manager's counters.
type managerFaultHandler struct {
	m    *Manager
	sess *Session
}

func (h *managerFaultHandler) MarkFaulted(reason string) {
	h.sess.MarkFaulted(reason)
	h.m.statsMu.Lock()
	h.m.stats.Faulted++
	h.m.statsMu.Unlock()
}

// statsSink forwards every event to the real sink while also updating
// the manager's command counters, so no transport-visible behavior
// changes just because stats are being tracked.
type statsSink struct {
	notify.Sink
	m *Manager
}

func (s *statsSink) NotifyCommandStatus(e notify.CommandStatus) {
	s.Sink.NotifyCommandStatus(e)
	if !e.Status.IsTerminal() {
		return
	}
	s.m.statsMu.Lock()
	s.m.stats.CommandsProcessed++
	switch e.Status {
	case notify.StateFailed, notify.StateTimeout:
		s.m.stats.CommandsFailed++
	case notify.StateCancelled:
		s.m.stats.CommandsCancelled++
	}
	s.m.statsMu.Unlock()
}
