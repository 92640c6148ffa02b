package triangulation

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/adapter/ai"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/domain"
)

// agentOrder fixes the dispatch and persistence order. Sequential mode
// feeds each agent the reasoning of the ones before it in this order.
var agentOrder = []domain.AgentType{
	domain.AgentSyntactic,
	domain.AgentSemantic,
	domain.AgentContextual,
}

func (s *Service) runAgents(ctx domain.Context, job domain.TriangulationJob, excerpt string) ([]domain.AgentAnalysis, error) {
	if strings.EqualFold(s.cfg.TriangulationMode, modeSequential) {
		return s.runSequential(ctx, job, excerpt)
	}
	return s.runParallel(ctx, job, excerpt)
}

func (s *Service) runParallel(ctx domain.Context, job domain.TriangulationJob, excerpt string) ([]domain.AgentAnalysis, error) {
	out := make([]domain.AgentAnalysis, len(agentOrder))
	g, gctx := errgroup.WithContext(ctx)
	limit := s.cfg.MaxParallelAgents
	if limit <= 0 {
		limit = len(agentOrder)
	}
	g.SetLimit(limit)
	for i, agent := range agentOrder {
		g.Go(func() error {
			actx, cancel := context.WithTimeout(gctx, s.cfg.AgentTimeout)
			defer cancel()
			a, err := s.queryAgent(actx, agent, job, excerpt, "")
			if err != nil {
				return err
			}
			out[i] = a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) runSequential(ctx domain.Context, job domain.TriangulationJob, excerpt string) ([]domain.AgentAnalysis, error) {
	out := make([]domain.AgentAnalysis, 0, len(agentOrder))
	var prior strings.Builder
	for _, agent := range agentOrder {
		actx, cancel := context.WithTimeout(ctx, s.cfg.AgentTimeout)
		a, err := s.queryAgent(actx, agent, job, excerpt, prior.String())
		cancel()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
		fmt.Fprintf(&prior, "%s (confidence %.2f): %s\n", agent, a.ConfidenceScore, a.Reasoning)
	}
	return out, nil
}

func (s *Service) queryAgent(ctx domain.Context, agent domain.AgentType, job domain.TriangulationJob, excerpt, prior string) (domain.AgentAnalysis, error) {
	raw, err := s.classifier.ChatJSON(ctx, agentSystemPrompt(agent), buildAgentPrompt(job, excerpt, prior), agentMaxTokens)
	if err != nil {
		return domain.AgentAnalysis{}, fmt.Errorf("op=triangulation.agent: %s: %w", agent, err)
	}
	var v ai.AgentVerdict
	if err := ai.DecodeValidated(raw, ai.AgentSchema, &v); err != nil {
		return domain.AgentAnalysis{}, fmt.Errorf("op=triangulation.agent: %s: %w", agent, err)
	}
	return domain.AgentAnalysis{
		SessionID:        job.SessionID,
		AgentType:        agent,
		ConfidenceScore:  v.Confidence,
		EvidenceStrength: v.EvidenceStrength,
		Reasoning:        v.Reasoning,
	}, nil
}
