package workspace

import (
	"context"

	"github.com/atelier-ai/atelier/internal/common/apperr"
	"github.com/atelier-ai/atelier/internal/memory"
	"github.com/atelier-ai/atelier/internal/platform/models"
)

// Router picks the agent that serves an orchestrated message.
//
// Policy (deterministic): score each registered agent by embedding cosine
// relevance between the message and the agent's name plus description.
// Ties break on the larger free bus capacity, then on the smaller agent name.
// The same message against the same agent set always routes identically.
type Router struct {
	mem *memory.Service
}

// NewRouter creates a relevance router over the given memory service.
func NewRouter(mem *memory.Service) *Router {
	return &Router{mem: mem}
}

// Select returns exactly one agent, or a no-agents-available error when the
// candidate set is empty. freeSlots reports an agent's idle worker count and
// is consulted only to break score ties.
func (r *Router) Select(ctx context.Context, content string, candidates []*models.Agent, freeSlots func(agentID string) int) (*models.Agent, error) {
	if len(candidates) == 0 {
		return nil, apperr.NewCode(apperr.KindValidation, "no_agents_available",
			"no registered agents to route to")
	}

	var best *models.Agent
	var bestScore float64
	var bestFree int

	for _, agent := range candidates {
		profile := agent.Name
		if agent.Config.Description != "" {
			profile += " " + agent.Config.Description
		}
		score, err := r.mem.Score(ctx, content, profile)
		if err != nil {
			return nil, err
		}

		free := 0
		if freeSlots != nil {
			free = freeSlots(agent.ID)
		}

		switch {
		case best == nil,
			score > bestScore,
			score == bestScore && free > bestFree,
			score == bestScore && free == bestFree && agent.Name < best.Name:
			best = agent
			bestScore = score
			bestFree = free
		}
	}
	return best, nil
}
