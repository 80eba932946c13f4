// Package skills holds the narrow Skill Handler interface and a small set
// of default handlers the worker runtime dispatches by skill_id. Concrete
// skill bodies are explicitly out of the core's scope (§1's Non-goals);
// this package exists to give the worker runtime something real to run in
// tests and examples, generalizing the teacher's single simulated
// execute() in internal/worker/worker.go into a registry keyed by skill_id.
package skills

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/ChuLiYu/task-messenger/pkg/types"
)

// Handler executes one task's payload and returns the response payload to
// write back, or an error to report as a failed task.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// Registry maps skill_id to Handler.
type Registry struct {
	handlers map[types.SkillID]Handler
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[types.SkillID]Handler)}
}

// Register associates id with handler, overwriting any prior registration.
func (r *Registry) Register(id types.SkillID, handler Handler) {
	r.handlers[id] = handler
}

// Lookup returns the handler for id, or ok=false for an unregistered
// skill_id (the worker runtime reports this as a Failed response for that
// task rather than crashing, and keeps the connection open).
func (r *Registry) Lookup(id types.SkillID) (Handler, bool) {
	h, ok := r.handlers[id]
	return h, ok
}

// Echo returns the payload unchanged. Useful for connectivity smoke tests.
func Echo(ctx context.Context, payload []byte) ([]byte, error) {
	return payload, nil
}

// ReverseBytes reverses the payload bytes in place on a copy.
func ReverseBytes(ctx context.Context, payload []byte) ([]byte, error) {
	out := make([]byte, len(payload))
	for i, b := range payload {
		out[len(payload)-1-i] = b
	}
	return out, nil
}

// SumUint32s treats payload as a sequence of little-endian u32 values and
// returns their sum, also as a little-endian u32. Values are decoded with
// encoding/binary, so the payload needs no particular memory alignment.
func SumUint32s(ctx context.Context, payload []byte) ([]byte, error) {
	if len(payload)%4 != 0 {
		return nil, types.ProtocolError("payload length not a multiple of 4", types.ErrMalformedFrame)
	}
	var sum uint32
	for i := 0; i+4 <= len(payload); i += 4 {
		sum += binary.LittleEndian.Uint32(payload[i : i+4])
	}
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, sum)
	return out, nil
}

// DefaultRegistry returns a Registry pre-populated with the handlers above
// under fixed skill IDs, for use by cmd/worker when no external skill
// plugin mechanism is configured (dynamic skill code loading is an
// explicit Non-goal; this registry is compiled in).
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(1, Echo)
	r.Register(2, ReverseBytes)
	r.Register(3, SumUint32s)
	return r
}

// ErrUnknownSkill formats the well-known error reported back to the
// manager when a worker has no handler registered for a skill_id (§4.7:
// "Unknown skill_id yields a Failed response with a well-known error
// code; the connection stays open").
func ErrUnknownSkill(id types.SkillID) error {
	return fmt.Errorf("unknown skill_id %d", id)
}
