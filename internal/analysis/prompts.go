package analysis

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/domain"
)

// analysisMaxTokens bounds classifier completions for the analysis passes.
const analysisMaxTokens = 4096

var fileAnalysisSystemPrompt = strings.TrimSpace(`
You are a code analysis engine. Extract every point of interest (POI) from the
source file: class definitions, function definitions, top-level variable
declarations and import statements. Report exact 1-based line numbers.

Respond with ONLY valid JSON in this exact shape:
{
  "pois": [
    {
      "name": "string",
      "type": "ClassDefinition|FunctionDefinition|VariableDeclaration|ImportStatement",
      "startLine": 1,
      "endLine": 1,
      "isExported": false,
      "semanticId": "short stable identifier, e.g. auth_func_login",
      "description": "one sentence, optional"
    }
  ]
}
An empty file or a file with no POIs yields {"pois": []}. No prose, no markdown.
`)

var batchAnalysisSystemPrompt = strings.TrimSpace(`
You are a code analysis engine. You receive several source files in one
request, each introduced by a "FILE <n>: <path>" header line. Extract every
point of interest (POI) from each file independently.

Respond with ONLY valid JSON in this exact shape:
{
  "files": [
    {
      "filePath": "exact path from the FILE header",
      "pois": [
        {
          "name": "string",
          "type": "ClassDefinition|FunctionDefinition|VariableDeclaration|ImportStatement",
          "startLine": 1,
          "endLine": 1,
          "isExported": false,
          "semanticId": "short stable identifier",
          "description": "one sentence, optional"
        }
      ]
    }
  ]
}
Include one entry per input file, even when its pois array is empty. No prose.
`)

var relationshipSystemPrompt = strings.TrimSpace(`
You are a code analysis engine. Given a source file and the points of interest
already extracted from it, identify relationships between those POIs and any
code entities they reference: calls, imports, inheritance, containment and use.
Refer to endpoints by their semanticId when one is shown, otherwise by name.

Respond with ONLY valid JSON in this exact shape:
{
  "relationships": [
    {
      "from": "semanticId or name of the source POI",
      "to": "semanticId or name of the target entity",
      "type": "CALLS|IMPORTS|EXTENDS|CONTAINS|USES",
      "confidence": 0.0,
      "reason": "one sentence",
      "evidence": "the line or snippet that shows it, optional"
    }
  ]
}
Only report relationships the file itself evidences. If there are none,
return {"relationships": []}. No prose, no markdown.
`)

func buildFilePrompt(filePath, content string) string {
	var b strings.Builder
	b.WriteString("Analyze this source file.\n\n")
	b.WriteString("Path: ")
	b.WriteString(filePath)
	b.WriteString("\n\n")
	b.WriteString(content)
	return b.String()
}

func buildBatchPrompt(files []pendingFile) string {
	var b strings.Builder
	b.WriteString("Analyze the following ")
	b.WriteString(strconv.Itoa(len(files)))
	b.WriteString(" source files.\n")
	for i, f := range files {
		fmt.Fprintf(&b, "\nFILE %d: %s\n", i+1, f.job.FilePath)
		b.WriteString(f.content)
		b.WriteString("\n")
	}
	return b.String()
}

func buildRelationshipPrompt(filePath, content string, pois []domain.POIRef) string {
	var b strings.Builder
	b.WriteString("Find relationships in this source file.\n\n")
	b.WriteString("Path: ")
	b.WriteString(filePath)
	b.WriteString("\n\nKnown POIs:\n")
	for _, p := range pois {
		fmt.Fprintf(&b, "- %s (%s, lines %d-%d", p.Name, p.Type, p.StartLine, p.EndLine)
		if p.SemanticID != "" {
			b.WriteString(", semanticId ")
			b.WriteString(p.SemanticID)
		}
		b.WriteString(")\n")
	}
	if content != "" {
		b.WriteString("\nSource:\n")
		b.WriteString(content)
	}
	return b.String()
}

// truncateMiddle keeps the head and tail of s when it exceeds max,
// replacing the middle with a marker. Heads and tails carry most of a
// source file's declarations.
func truncateMiddle(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	half := (max - 64) / 2
	if half < 1 {
		return s[:max]
	}
	removed := len(s) - 2*half
	return s[:half] + fmt.Sprintf("\n\n[... truncated %d characters ...]\n\n", removed) + s[len(s)-half:]
}

var (
	tokenizerOnce sync.Once
	tokenizer     *tiktoken.Tiktoken
)

// estimateTokens counts tokens with the cl100k_base encoding, falling back
// to a chars/4 heuristic when the encoding is unavailable.
func estimateTokens(s string) int {
	tokenizerOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			tokenizer = enc
		}
	})
	if tokenizer == nil {
		return len(s) / 4
	}
	return len(tokenizer.Encode(s, nil, nil))
}
