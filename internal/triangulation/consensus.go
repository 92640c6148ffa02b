package triangulation

import (
	"math"

	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/domain"
)

// maxStdDev is the largest possible standard deviation of values in [0,1],
// reached when the agents split evenly between 0 and 1. Agreement is the
// observed deviation normalized against it.
const maxStdDev = 0.5

// outcome is the settled result of one session's agent verdicts.
type outcome struct {
	Consensus float64
	Agreement float64
	Decision  domain.Decision
}

// decide combines agent verdicts into a weighted consensus and picks the
// final decision. Accepting and rejecting both require the agents to
// actually agree; a confident split still escalates.
func (s *Service) decide(analyses []domain.AgentAnalysis) outcome {
	var num, wsum float64
	confs := make([]float64, 0, len(analyses))
	for _, a := range analyses {
		w := s.agentWeight(a.AgentType)
		num += w * a.ConfidenceScore * a.EvidenceStrength
		wsum += w
		confs = append(confs, a.ConfidenceScore)
	}
	consensus := 0.0
	if wsum > 0 {
		consensus = num / wsum
	}
	agreement := agreementLevel(confs)

	decision := domain.DecisionEscalate
	switch {
	case consensus >= s.cfg.ConsensusAccept && agreement >= s.cfg.AgreementMin:
		decision = domain.DecisionAccept
	case consensus <= s.cfg.ConsensusReject && agreement >= s.cfg.AgreementMin:
		decision = domain.DecisionReject
	}
	return outcome{Consensus: consensus, Agreement: agreement, Decision: decision}
}

func (s *Service) agentWeight(agent domain.AgentType) float64 {
	switch agent {
	case domain.AgentSyntactic:
		return s.weights.Syntactic
	case domain.AgentSemantic:
		return s.weights.Semantic
	case domain.AgentContextual:
		return s.weights.Contextual
	}
	return 0
}

// agreementLevel is 1 minus the normalized spread of the agent confidences.
// Identical confidences give 1; a maximal split gives 0.
func agreementLevel(confs []float64) float64 {
	if len(confs) < 2 {
		return 1
	}
	var mean float64
	for _, c := range confs {
		mean += c
	}
	mean /= float64(len(confs))

	var variance float64
	for _, c := range confs {
		d := c - mean
		variance += d * d
	}
	variance /= float64(len(confs))

	a := 1 - math.Sqrt(variance)/maxStdDev
	if a < 0 {
		return 0
	}
	return a
}
