// Package confidence turns a relationship and its accumulated evidence
// into a single score, a level and an escalation verdict. The scorer is
// deterministic and side-effect free; callers persist the outcome.
package confidence

import (
	"math"
	"strings"

	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/config"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/domain"
)

// Level buckets a final confidence value.
type Level string

const (
	LevelHigh    Level = "HIGH"
	LevelMedium  Level = "MEDIUM"
	LevelLow     Level = "LOW"
	LevelVeryLow Level = "VERY_LOW"
	LevelError   Level = "ERROR"
)

// Penalty names one multiplicative confidence reduction.
type Penalty string

const (
	PenaltyDynamicImport Penalty = "DYNAMIC_IMPORT"
	PenaltyIndirectRef   Penalty = "INDIRECT_REF"
	PenaltyAmbiguous     Penalty = "AMBIGUOUS"
	PenaltyConflict      Penalty = "CONFLICT"
)

const (
	levelHigh   = 0.85
	levelMedium = 0.65
	levelLow    = 0.45

	// conflictSpread is the evidence disagreement that counts as an
	// explicit contradiction between sources.
	conflictSpread = 0.5

	// insufficientEvidencePenalty down-scales claims seen by fewer than
	// two sources.
	insufficientEvidencePenalty = 0.8

	// distinctSourceKinds is the number of evidence source families a
	// relationship can accumulate: the initial pass, three agents and
	// cross-file corroboration.
	distinctSourceKinds = 5
)

// Factors are the four component scores, each in [0,1].
type Factors struct {
	Syntax   float64 `json:"syntax"`
	Semantic float64 `json:"semantic"`
	Context  float64 `json:"context"`
	CrossRef float64 `json:"crossRef"`
}

// Breakdown itemizes how a score came to be.
type Breakdown struct {
	Factors        Factors   `json:"factors"`
	WeightedScore  float64   `json:"weightedScore"`
	Penalties      []Penalty `json:"penalties,omitempty"`
	AfterPenalties float64   `json:"afterPenalties"`
	EvidenceCount  int       `json:"evidenceCount"`
	Final          float64   `json:"final"`
}

// Result is the scorer's verdict for one relationship.
type Result struct {
	FinalConfidence  float64
	Level            Level
	EscalationNeeded bool
	Breakdown        Breakdown
}

// Scorer weights factor scores, applies penalties and the evidence
// uncertainty adjustment, and maps the outcome to a level.
type Scorer struct {
	weights             config.FactorWeights
	penalties           config.PenaltyFactors
	escalationThreshold float64
}

// NewScorer builds a scorer from the loaded weight set. A non-positive
// escalation threshold falls back to the stock 0.45.
func NewScorer(w config.Weights, escalationThreshold float64) *Scorer {
	if escalationThreshold <= 0 {
		escalationThreshold = 0.45
	}
	return &Scorer{
		weights:             w.Factors,
		penalties:           w.Penalties,
		escalationThreshold: escalationThreshold,
	}
}

// Score rates one relationship from its accumulated evidence. Malformed
// inputs (confidences outside [0,1], NaN) yield a zero-confidence ERROR
// result with escalation set, never a panic.
func (s *Scorer) Score(rel domain.Relationship, evidence []domain.Evidence) Result {
	if !validInput(rel, evidence) {
		return Result{
			Level:            LevelError,
			EscalationNeeded: true,
			Breakdown:        Breakdown{EvidenceCount: len(evidence)},
		}
	}

	factors := deriveFactors(rel, evidence)
	weighted := s.weights.Syntax*factors.Syntax +
		s.weights.Semantic*factors.Semantic +
		s.weights.Context*factors.Context +
		s.weights.CrossRef*factors.CrossRef

	penalties := detectPenalties(rel, evidence)
	adjusted := weighted
	for _, p := range penalties {
		adjusted *= s.penaltyFactor(p)
	}

	final := adjusted
	if len(evidence) < 2 {
		final *= insufficientEvidencePenalty
	}
	final = clamp01(final)

	level := levelFor(final)
	return Result{
		FinalConfidence:  final,
		Level:            level,
		EscalationNeeded: final <= s.escalationThreshold || hasPenalty(penalties, PenaltyConflict),
		Breakdown: Breakdown{
			Factors:        factors,
			WeightedScore:  weighted,
			Penalties:      penalties,
			AfterPenalties: adjusted,
			EvidenceCount:  len(evidence),
			Final:          final,
		},
	}
}

func (s *Scorer) penaltyFactor(p Penalty) float64 {
	switch p {
	case PenaltyDynamicImport:
		return s.penalties.DynamicImport
	case PenaltyIndirectRef:
		return s.penalties.IndirectRef
	case PenaltyAmbiguous:
		return s.penalties.Ambiguous
	case PenaltyConflict:
		return s.penalties.Conflict
	}
	return 1
}

func validInput(rel domain.Relationship, evidence []domain.Evidence) bool {
	if !validConfidence(rel.Confidence) {
		return false
	}
	for _, ev := range evidence {
		if !validConfidence(ev.Confidence) {
			return false
		}
	}
	return true
}

func validConfidence(c float64) bool {
	return !math.IsNaN(c) && !math.IsInf(c, 0) && c >= 0 && c <= 1
}

// deriveFactors projects the evidence set onto the four factor axes.
// Syntax follows the initial analysis pass, semantic the agent verdicts,
// context the breadth of distinct sources, crossRef the corroboration
// pass. Missing signals inherit conservatively rather than zeroing out.
func deriveFactors(rel domain.Relationship, evidence []domain.Evidence) Factors {
	syntax := rel.Confidence
	if best, ok := bestBySource(evidence, domain.SourceInitialAnalysis); ok {
		syntax = best
	}

	semantic := syntax
	if mean, ok := meanAgentConfidence(evidence); ok {
		semantic = mean
	}

	// One source scores 0.5; each further distinct source adds 0.125.
	context := 0.5 + 0.125*float64(countDistinctSources(evidence)-1)
	if len(evidence) == 0 {
		context = 0.5
	}

	crossRef := 0.0
	if best, ok := bestBySource(evidence, domain.SourceCrossFile); ok {
		crossRef = best
	}

	return Factors{
		Syntax:   clamp01(syntax),
		Semantic: clamp01(semantic),
		Context:  clamp01(context),
		CrossRef: clamp01(crossRef),
	}
}

func bestBySource(evidence []domain.Evidence, source string) (float64, bool) {
	best, found := 0.0, false
	for _, ev := range evidence {
		if ev.Source == source && (!found || ev.Confidence > best) {
			best, found = ev.Confidence, true
		}
	}
	return best, found
}

func meanAgentConfidence(evidence []domain.Evidence) (float64, bool) {
	sum, n := 0.0, 0
	for _, ev := range evidence {
		if strings.HasPrefix(ev.Source, "agent-") {
			sum += ev.Confidence
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

func countDistinctSources(evidence []domain.Evidence) int {
	seen := make(map[string]struct{}, distinctSourceKinds)
	for _, ev := range evidence {
		seen[ev.Source] = struct{}{}
	}
	if len(seen) == 0 {
		return 1
	}
	return len(seen)
}

// detectPenalties reads the relationship's descriptive text for hedge
// markers and the evidence set for contradictions. The classifier phrases
// its reasons in plain English, so marker words are the signal.
func detectPenalties(rel domain.Relationship, evidence []domain.Evidence) []Penalty {
	var out []Penalty
	text := strings.ToLower(rel.Reason + " " + rel.Evidence)
	if strings.Contains(text, "dynamic") {
		out = append(out, PenaltyDynamicImport)
	}
	if strings.Contains(text, "indirect") {
		out = append(out, PenaltyIndirectRef)
	}
	if strings.Contains(text, "ambiguous") || strings.Contains(text, "unclear") {
		out = append(out, PenaltyAmbiguous)
	}
	if evidenceConflicts(evidence) {
		out = append(out, PenaltyConflict)
	}
	return out
}

func evidenceConflicts(evidence []domain.Evidence) bool {
	if len(evidence) < 2 {
		return false
	}
	lo, hi := evidence[0].Confidence, evidence[0].Confidence
	for _, ev := range evidence[1:] {
		lo = math.Min(lo, ev.Confidence)
		hi = math.Max(hi, ev.Confidence)
	}
	return hi-lo >= conflictSpread
}

func hasPenalty(penalties []Penalty, want Penalty) bool {
	for _, p := range penalties {
		if p == want {
			return true
		}
	}
	return false
}

func levelFor(c float64) Level {
	switch {
	case c >= levelHigh:
		return LevelHigh
	case c >= levelMedium:
		return LevelMedium
	case c >= levelLow:
		return LevelLow
	default:
		return LevelVeryLow
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
