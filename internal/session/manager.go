package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ChuLiYu/task-messenger/internal/iocontext"
	"github.com/ChuLiYu/task-messenger/internal/metrics"
	"github.com/ChuLiYu/task-messenger/internal/taskpool"
	"github.com/ChuLiYu/task-messenger/internal/transport"
	"github.com/ChuLiYu/task-messenger/pkg/types"
)

// ManagerConfig bounds the Session Manager's accept/shutdown behavior.
type ManagerConfig struct {
	ListenEndpoint  string
	Session         Config
	ShutdownTimeout time.Duration

	// IOThreads sizes the Coroutine I/O Context (§4.2) that every accepted
	// Session runs on; io_threads default is 1 for the manager's main loop.
	IOThreads int
	// Collector, if set, receives periodic pool/session gauge updates.
	Collector *metrics.Collector
	// MetricsInterval paces the gauge-reporting loop; defaults to 2s.
	MetricsInterval time.Duration
}

func (c *ManagerConfig) applyDefaults() {
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = 2 * time.Second
	}
}

// WorkerRecord is the manager-side view of a connected worker (§3).
type WorkerRecord struct {
	WorkerID      string
	RemoteAddress string
	ConnectedAt   time.Time
	Metrics       *Metrics
	session       *Session
}

// Manager owns the Acceptor and the set of active Sessions, reader-biased
// per §5's shared-resource policy so snapshot_workers() stays cheap.
//
// Grounded on internal/controller.Controller's ownership of one worker
// pool plus a sync.WaitGroup-joined set of loops, generalized here to one
// Session goroutine per accepted connection tracked under a
// sync.RWMutex-protected map.
type Manager struct {
	cfg  ManagerConfig
	pool *taskpool.Pool
	log  *slog.Logger

	acc *transport.Acceptor

	// io is the bounded pool of cooperatively-scheduled tasks every
	// accepted Session runs on (§4.2), sized to cfg.IOThreads.
	io *iocontext.Context

	mu      sync.RWMutex
	workers map[string]*WorkerRecord
	nextID  uint64

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// NewManager builds a Manager bound to pool.
func NewManager(cfg ManagerConfig, pool *taskpool.Pool, logger *slog.Logger) *Manager {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		pool:    pool,
		log:     logger,
		io:      iocontext.New(context.Background(), cfg.IOThreads),
		workers: make(map[string]*WorkerRecord),
		stopCh:  make(chan struct{}),
	}
}

// Start binds the listen endpoint and spawns the accept loop.
func (m *Manager) Start() error {
	acc, err := transport.Listen(m.cfg.ListenEndpoint)
	if err != nil {
		return err
	}
	m.acc = acc

	m.wg.Add(1)
	go m.acceptLoop()

	if m.cfg.Collector != nil {
		m.wg.Add(1)
		go m.reportMetricsLoop()
	}

	m.log.Info("session manager started", "listen_endpoint", m.cfg.ListenEndpoint)
	return nil
}

// reportMetricsLoop periodically pushes pool and session-count gauges to
// the configured Collector until Stop closes stopCh.
func (m *Manager) reportMetricsLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.MetricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
		}
		stats := m.pool.Stats()
		m.cfg.Collector.UpdatePoolStats(stats.Ready, stats.Reserved, stats.InFlight)
		m.cfg.Collector.SetSessionsConnected(m.WorkerCount())
	}
}

func (m *Manager) acceptLoop() {
	defer m.wg.Done()
	ctx := context.Background()
	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		stream, err := m.acc.Accept(ctx)
		if err != nil {
			select {
			case <-m.stopCh:
				return
			default:
			}
			m.log.Warn("accept failed", "error", err)
			continue
		}

		m.mu.Lock()
		m.nextID++
		workerID := fmt.Sprintf("worker-%d", m.nextID)
		m.mu.Unlock()

		sess := New(workerID, stream, m.pool, m.cfg.Session, m.log)
		rec := &WorkerRecord{
			WorkerID:      workerID,
			RemoteAddress: sess.RemoteAddress,
			ConnectedAt:   sess.ConnectedAt,
			Metrics:       sess.Metrics,
			session:       sess,
		}
		m.mu.Lock()
		m.workers[workerID] = rec
		m.mu.Unlock()

		// Each session occupies one io_threads slot for its whole
		// lifetime; a Spawn callback always returns nil so one session's
		// failure never cancels the shared Context for the rest (errgroup
		// would otherwise cancel on the first non-nil error).
		m.io.Spawn(func(ctx context.Context) error {
			defer m.removeWorker(workerID)
			if err := sess.Run(ctx); err != nil {
				m.log.Warn("session ended with error", "worker_id", workerID, "error", err)
			}
			return nil
		})
	}
}

func (m *Manager) removeWorker(workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workers, workerID)
}

// Stop closes the Acceptor, signals cancellation to all Sessions, and
// awaits their Closed state, forcibly giving up after shutdown_timeout.
func (m *Manager) Stop() {
	close(m.stopCh)
	if m.acc != nil {
		_ = m.acc.Close()
	}

	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.workers))
	for _, rec := range m.workers {
		sessions = append(sessions, rec.session)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		s.RequestDrain()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		_ = m.io.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(m.cfg.ShutdownTimeout):
		m.log.Warn("shutdown_timeout exceeded, forcing close of remaining sessions")
		m.mu.RLock()
		for _, rec := range m.workers {
			rec.session.closeAndRelease()
		}
		m.mu.RUnlock()
		// Unblock any session still parked waiting on an io_threads slot
		// or on its own ctx, since closeAndRelease alone only closes the
		// stream, not the Context the forced sessions were spawned under.
		m.io.Cancel()
	}
	m.log.Info("session manager stopped")
}

// GetTaskPoolStats forwards to the pool.
func (m *Manager) GetTaskPoolStats() types.PoolStats {
	return m.pool.Stats()
}

// SnapshotWorkers returns a point-in-time copy of every connected worker's
// record, safe to read concurrently with the accept loop.
func (m *Manager) SnapshotWorkers() []WorkerRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]WorkerRecord, 0, len(m.workers))
	for _, rec := range m.workers {
		out = append(out, WorkerRecord{
			WorkerID:      rec.WorkerID,
			RemoteAddress: rec.RemoteAddress,
			ConnectedAt:   rec.ConnectedAt,
			Metrics:       rec.Metrics,
		})
	}
	return out
}

// WorkerCount reports the number of currently connected workers.
func (m *Manager) WorkerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.workers)
}

// Addr returns the Acceptor's bound local address. Only valid after Start.
func (m *Manager) Addr() net.Addr { return m.acc.Addr() }
