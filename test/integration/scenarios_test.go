// Package integration runs the manager and worker runtimes end-to-end
// over real loopback TCP, covering the end-to-end scenarios named in
// spec.md's Testable Properties section.
//
// Grounded on the teacher's test/integration black-box harness style:
// each scenario spins up the real components (no mocks) and asserts on
// externally observable state (pool stats, worker responses, elapsed
// time) rather than internals.
package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/task-messenger/internal/session"
	"github.com/ChuLiYu/task-messenger/internal/skills"
	"github.com/ChuLiYu/task-messenger/internal/taskpool"
	"github.com/ChuLiYu/task-messenger/internal/workerrt"
)

func startManager(t *testing.T, poolCfg taskpool.Config, sessCfg session.Config) (*session.Manager, *taskpool.Pool) {
	t.Helper()
	pool := taskpool.New(poolCfg)
	mgr := session.NewManager(session.ManagerConfig{
		ListenEndpoint: "127.0.0.1:0",
		Session:        sessCfg,
	}, pool, nil)
	require.NoError(t, mgr.Start())
	t.Cleanup(mgr.Stop)
	return mgr, pool
}

func addrOf(t *testing.T, mgr *session.Manager) string {
	t.Helper()
	return mgr.Addr().String()
}

// S1 happy path.
func TestScenarioS1HappyPath(t *testing.T) {
	mgr, pool := startManager(t,
		taskpool.Config{HardCapacity: 8, LowWatermark: 4, RefillBatch: 8},
		session.Config{MaxInFlight: 2, ResponseTimeout: 5 * time.Second, DrainTimeout: time.Second},
	)

	payloads := [][]byte{[]byte("abc"), []byte("defg"), []byte("a"), []byte("bb"), []byte("ccc"), []byte("dddd"), []byte("e"), []byte("ff")}
	var firstID uint64
	for i, p := range payloads {
		id, err := pool.Submit(context.Background(), 1, p)
		require.NoError(t, err)
		if i == 0 {
			firstID = uint64(id)
		}
	}
	require.Equal(t, uint64(1), firstID)

	rt := workerrt.New(workerrt.Config{ConnectEndpoint: addrOf(t, mgr), MaxInFlight: 2}, skills.DefaultRegistry(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go rt.Run(ctx)

	require.Eventually(t, func() bool {
		s := pool.Stats()
		return s.Ready == 0 && s.Reserved == 0 && s.InFlight == 0 && s.Completed == 8
	}, 2*time.Second, 20*time.Millisecond)

	rt.Stop()
}

// S4 backpressure: max_in_flight=1 must never be exceeded for a session.
func TestScenarioS4Backpressure(t *testing.T) {
	mgr, pool := startManager(t,
		taskpool.Config{HardCapacity: 32, LowWatermark: 4, RefillBatch: 8},
		session.Config{MaxInFlight: 1, ResponseTimeout: 5 * time.Second, DrainTimeout: time.Second},
	)

	for i := 0; i < 20; i++ {
		_, err := pool.Submit(context.Background(), 1, []byte("x"))
		require.NoError(t, err)
	}

	registry := skills.NewRegistry()
	registry.Register(1, func(ctx context.Context, payload []byte) ([]byte, error) {
		time.Sleep(50 * time.Millisecond)
		return payload, nil
	})

	rt := workerrt.New(workerrt.Config{ConnectEndpoint: addrOf(t, mgr), MaxInFlight: 1}, registry, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	maxObserved := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			s := pool.Stats()
			if s.InFlight > maxObserved {
				maxObserved = s.InFlight
			}
			if s.Completed == 20 {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
	go rt.Run(ctx)

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("scenario did not complete in time")
	}
	rt.Stop()

	assert.LessOrEqual(t, maxObserved, 1)
	assert.Equal(t, 20, pool.Stats().Completed)
}

// S6 graceful shutdown during load: every task ends Completed or back in
// Ready, never stuck Reserved/InFlight, within shutdown_timeout.
func TestScenarioS6GracefulShutdownDuringLoad(t *testing.T) {
	const total = 200
	mgr, pool := startManager(t,
		taskpool.Config{HardCapacity: total, LowWatermark: 10, RefillBatch: 50},
		session.Config{MaxInFlight: 4, ResponseTimeout: 5 * time.Second, DrainTimeout: 2 * time.Second},
	)

	for i := 0; i < total; i++ {
		_, err := pool.Submit(context.Background(), 1, []byte("x"))
		require.NoError(t, err)
	}

	var runtimes []*workerrt.Runtime
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := 0; i < 4; i++ {
		rt := workerrt.New(workerrt.Config{ConnectEndpoint: addrOf(t, mgr), MaxInFlight: 4}, skills.DefaultRegistry(), nil)
		runtimes = append(runtimes, rt)
		go rt.Run(ctx)
	}

	time.Sleep(50 * time.Millisecond)

	stopStart := time.Now()
	mgr.Stop()
	elapsed := time.Since(stopStart)
	assert.Less(t, elapsed, 3*time.Second, "Stop must return within shutdown_timeout")

	s := pool.Stats()
	assert.Equal(t, 0, s.Reserved)
	assert.Equal(t, 0, s.InFlight)
	assert.Equal(t, total, s.Ready+s.Completed)

	for _, rt := range runtimes {
		rt.Stop()
	}
}
