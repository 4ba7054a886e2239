package scheduler

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"fleet/api/model"
)

// Nodes is the registry snapshot the scheduler reads. It holds no state of
// its own and never reserves capacity.
type Nodes interface {
	ListOnline(ctx context.Context, region string) ([]model.Node, error)
}

type Scheduler struct {
	nodes Nodes
}

func New(nodes Nodes) *Scheduler {
	return &Scheduler{nodes: nodes}
}

// Candidate is a qualifying node and its placement score.
type Candidate struct {
	Node  model.Node `json:"node"`
	Score float64    `json:"score"`
}

// SelectNode picks the node in region with the most balanced headroom that
// can fit req. It returns model.ErrNoCapacity when nothing qualifies.
func (s *Scheduler) SelectNode(ctx context.Context, region string, req model.Capacity) (*model.Node, error) {
	ranked, err := s.Rank(ctx, region, req)
	if err != nil {
		return nil, err
	}
	if len(ranked) == 0 {
		log.Warn().Str("component", "scheduler").Str("region", region).
			Int64("cpu", req.CPUMillicores).Int64("memory", req.MemoryMB).Int64("disk", req.DiskMB).
			Msg("no capacity")
		return nil, fmt.Errorf("%w in region %q", model.ErrNoCapacity, region)
	}
	best := ranked[0].Node
	log.Debug().Str("component", "scheduler").Str("region", region).Str("node", best.ID).
		Float64("score", ranked[0].Score).Msg("node selected")
	return &best, nil
}

// Rank returns every qualifying node, best first.
func (s *Scheduler) Rank(ctx context.Context, region string, req model.Capacity) ([]Candidate, error) {
	if req.CPUMillicores < 0 || req.MemoryMB < 0 || req.DiskMB < 0 {
		return nil, model.ErrInvalidCapacity
	}
	nodes, err := s.nodes.ListOnline(ctx, region)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	return rank(filterNodes(region, req, nodes)), nil
}
