package triangulation

import (
	"fmt"
	"strings"

	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/domain"
)

// agentMaxTokens bounds a single agent verdict. Verdicts are one JSON
// object with a short reasoning string, far smaller than analysis output.
const agentMaxTokens = 1024

const verdictShape = `
Respond with ONLY valid JSON in this exact shape:
{
  "confidence": 0.0,
  "evidenceStrength": 0.0,
  "reasoning": "one or two sentences"
}
confidence is how likely the claimed relationship is real (0 to 1).
evidenceStrength is how much usable evidence you actually had (0 to 1).
No prose, no markdown.`

var agentPrompts = map[domain.AgentType]string{
	domain.AgentSyntactic: strings.TrimSpace(`
You are a syntactic code analyst. Judge a claimed relationship between two
code entities strictly from the literal structure of the code: call sites,
import statements, identifier references, declaration and inheritance
syntax. Ignore naming similarity and inferred intent; if the structure does
not show the relationship, say so with low confidence.
` + verdictShape),

	domain.AgentSemantic: strings.TrimSpace(`
You are a semantic code analyst. Judge a claimed relationship between two
code entities from their meaning: purpose, data flow, behavioral contracts,
and whether the source entity plausibly depends on what the target provides.
Structural evidence matters less to you than whether the relationship makes
functional sense.
` + verdictShape),

	domain.AgentContextual: strings.TrimSpace(`
You are a contextual code analyst. Judge a claimed relationship between two
code entities from their surroundings: file and directory layout, module
boundaries, naming conventions, and how entities in this codebase usually
interact. You weigh plausibility given the project context rather than
direct evidence on the line.
` + verdictShape),
}

func agentSystemPrompt(agent domain.AgentType) string {
	return agentPrompts[agent]
}

func buildAgentPrompt(job domain.TriangulationJob, excerpt, prior string) string {
	var b strings.Builder
	b.WriteString("Assess this candidate relationship:\n\n")
	fmt.Fprintf(&b, "  source: %s\n", job.SourceName)
	fmt.Fprintf(&b, "  target: %s\n", job.TargetName)
	fmt.Fprintf(&b, "  type: %s\n", job.Type)
	if job.FilePath != "" {
		fmt.Fprintf(&b, "  file: %s\n", job.FilePath)
	}
	fmt.Fprintf(&b, "  initial confidence: %.2f\n", job.InitialScore)
	if excerpt != "" {
		b.WriteString("\nSource excerpt:\n")
		b.WriteString(excerpt)
		b.WriteString("\n")
	}
	if prior != "" {
		b.WriteString("\nEarlier agent verdicts:\n")
		b.WriteString(prior)
	}
	return b.String()
}
