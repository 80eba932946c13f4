// Package adminapi exposes a manager's task pool stats and connected
// workers over a small local HTTP endpoint, and renders them for the
// `manager status` CLI command.
//
// Grounded on the teacher's internal/cli.showStatus box-drawing report,
// adapted here from querying an in-process Controller to querying a
// session.Manager over HTTP (since the manager process is the one
// holding the Manager, not the CLI invocation).
package adminapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ChuLiYu/task-messenger/internal/session"
)

// Status is the JSON shape served at /status and consumed by the CLI.
type Status struct {
	ListenEndpoint string         `json:"listen_endpoint"`
	PoolReady      int            `json:"pool_ready"`
	PoolReserved   int            `json:"pool_reserved"`
	PoolInFlight   int            `json:"pool_in_flight"`
	PoolCompleted  int            `json:"pool_completed"`
	PoolFailed     int            `json:"pool_failed"`
	PoolCapacity   int            `json:"pool_capacity"`
	Workers        []WorkerStatus `json:"workers"`
}

// WorkerStatus is one connected worker's snapshot.
type WorkerStatus struct {
	WorkerID      string    `json:"worker_id"`
	RemoteAddress string    `json:"remote_address"`
	ConnectedAt   time.Time `json:"connected_at"`
	Sent          int64     `json:"sent"`
	Completed     int64     `json:"completed"`
	Failed        int64     `json:"failed"`
}

// Server serves Status snapshots of a session.Manager over HTTP.
type Server struct {
	listenEndpoint string
	mgr            *session.Manager
}

// NewServer builds a Server bound to mgr.
func NewServer(listenEndpoint string, mgr *session.Manager) *Server {
	return &Server{listenEndpoint: listenEndpoint, mgr: mgr}
}

// Handler returns the http.Handler serving /status.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	return mux
}

// ListenAndServe starts the admin HTTP server on addr. It blocks.
func (s *Server) ListenAndServe(addr string) error {
	return http.ListenAndServe(addr, s.Handler())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.snapshot())
}

func (s *Server) snapshot() Status {
	stats := s.mgr.GetTaskPoolStats()
	workers := s.mgr.SnapshotWorkers()

	out := Status{
		ListenEndpoint: s.listenEndpoint,
		PoolReady:      stats.Ready,
		PoolReserved:   stats.Reserved,
		PoolInFlight:   stats.InFlight,
		PoolCompleted:  stats.Completed,
		PoolFailed:     stats.Failed,
		PoolCapacity:   stats.Capacity,
		Workers:        make([]WorkerStatus, 0, len(workers)),
	}
	for _, w := range workers {
		out.Workers = append(out.Workers, WorkerStatus{
			WorkerID:      w.WorkerID,
			RemoteAddress: w.RemoteAddress,
			ConnectedAt:   w.ConnectedAt,
			Sent:          w.Metrics.Sent.Load(),
			Completed:     w.Metrics.Completed.Load(),
			Failed:        w.Metrics.Failed.Load(),
		})
	}
	return out
}

// FetchStatus retrieves a Status snapshot from a running manager's admin
// endpoint at addr (e.g. "http://127.0.0.1:9091").
func FetchStatus(addr string) (*Status, error) {
	resp, err := http.Get(addr + "/status")
	if err != nil {
		return nil, fmt.Errorf("admin status request failed: %w", err)
	}
	defer resp.Body.Close()

	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("admin status decode failed: %w", err)
	}
	return &st, nil
}

// PrintStatus renders st as a human-readable report.
func PrintStatus(w io.Writer, st *Status) {
	fmt.Fprintln(w, "\n+-----------------------------------------------------------+")
	fmt.Fprintln(w, "|              Task Messenger Manager Status                |")
	fmt.Fprintln(w, "+-----------------------------------------------------------+")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Listen:")
	fmt.Fprintf(w, "  endpoint:     %s\n", st.ListenEndpoint)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Task Pool:")
	fmt.Fprintf(w, "  ready:        %d\n", st.PoolReady)
	fmt.Fprintf(w, "  reserved:     %d\n", st.PoolReserved)
	fmt.Fprintf(w, "  in_flight:    %d\n", st.PoolInFlight)
	fmt.Fprintf(w, "  completed:    %d\n", st.PoolCompleted)
	fmt.Fprintf(w, "  failed:       %d\n", st.PoolFailed)
	fmt.Fprintf(w, "  capacity:     %d\n", st.PoolCapacity)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Workers (%d connected):\n", len(st.Workers))
	for _, ws := range st.Workers {
		fmt.Fprintf(w, "  - %s  %s  sent=%d completed=%d failed=%d\n",
			ws.WorkerID, ws.RemoteAddress, ws.Sent, ws.Completed, ws.Failed)
	}
	fmt.Fprintln(w, "+-----------------------------------------------------------+")
}
