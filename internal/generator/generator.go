// Package generator provides the default Task Generator hook (§4.8): a
// taskpool.Generator implementation that synthesizes tasks when the ready list
// runs low, rotating across a fixed set of registered skills.
//
// Grounded on the teacher's job-enqueue flow (internal/cli's buildEnqueueCommand
// reads a JSON payload list and calls Controller.EnqueueJobs); this package
// generalizes that to an on-demand synthetic source used when no external
// task feed is configured, plus FromFile for operators who do want a
// concrete payload list.
package generator

import (
	"context"
	"encoding/json"
	"os"

	"github.com/ChuLiYu/task-messenger/pkg/types"
)

// Submitter is the narrow slice of taskpool.Pool the generator needs,
// avoiding an import cycle between taskpool and generator.
type Submitter interface {
	Submit(ctx context.Context, skillID types.SkillID, payload []byte) (types.TaskID, error)
}

// Synthetic produces a round-robin stream of empty-payload tasks across a
// fixed skill set whenever the pool's ready list runs low. Useful for load
// testing and for the S1-S6 scenario harnesses.
type Synthetic struct {
	pool   Submitter
	skills []types.SkillID
	next   int
}

// NewSynthetic builds a Synthetic generator rotating over skills.
func NewSynthetic(pool Submitter, skills []types.SkillID) *Synthetic {
	if len(skills) == 0 {
		skills = []types.SkillID{1}
	}
	return &Synthetic{pool: pool, skills: skills}
}

// OnLowWater submits shortfall tasks, one per registered skill in
// round-robin order.
func (g *Synthetic) OnLowWater(ctx context.Context, shortfall int) error {
	for i := 0; i < shortfall; i++ {
		skill := g.skills[g.next%len(g.skills)]
		g.next++
		if _, err := g.pool.Submit(ctx, skill, nil); err != nil {
			return err
		}
	}
	return nil
}

// jsonTask mirrors the on-disk shape the teacher's buildEnqueueCommand
// expects: an ID-less list of {skill_id, payload} entries.
type jsonTask struct {
	SkillID types.SkillID   `json:"skill_id"`
	Payload json.RawMessage `json:"payload"`
}

// FromFile reads a JSON array of tasks from path and submits each one
// directly to pool, for operator-driven bulk loading (the non-generator
// counterpart to Synthetic).
func FromFile(ctx context.Context, pool Submitter, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, types.ConfigError("failed to read task file", err)
	}
	var tasks []jsonTask
	if err := json.Unmarshal(data, &tasks); err != nil {
		return 0, types.ConfigError("failed to parse task file", err)
	}
	count := 0
	for _, t := range tasks {
		if _, err := pool.Submit(ctx, t.SkillID, []byte(t.Payload)); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}
