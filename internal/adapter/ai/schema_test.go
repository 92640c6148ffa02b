package ai

import (
	"errors"
	"testing"

	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/domain"
)

func TestDecodeValidated_FileAnalysis(t *testing.T) {
	raw := "```json\n" + `{
		"pois": [
			{"name": "login", "type": "FunctionDefinition", "startLine": 10, "endLine": 42, "isExported": true, "semanticId": "auth_func_login"},
			{"name": "Session", "type": "ClassDefinition", "startLine": 50, "endLine": 80}
		]
	}` + "\n```"

	var out FileFindings
	if err := DecodeValidated(raw, FileAnalysisSchema, &out); err != nil {
		t.Fatalf("decode err: %v", err)
	}
	if len(out.POIs) != 2 {
		t.Fatalf("expected 2 pois, got %d", len(out.POIs))
	}
	if out.POIs[0].Name != "login" || out.POIs[0].StartLine != 10 || !out.POIs[0].IsExported {
		t.Fatalf("unexpected first poi: %+v", out.POIs[0])
	}
	if out.POIs[1].SemanticID != "" {
		t.Fatalf("semanticId should default empty, got %q", out.POIs[1].SemanticID)
	}
}

func TestDecodeValidated_BatchAnalysis(t *testing.T) {
	raw := `Here are the results:
	{"files": [
		{"filePath": "src/a.js", "pois": [{"name": "a", "type": "VariableDeclaration", "startLine": 1, "endLine": 1}]},
		{"filePath": "src/b.js", "pois": []}
	]}`

	var out BatchFindings
	if err := DecodeValidated(raw, BatchAnalysisSchema, &out); err != nil {
		t.Fatalf("decode err: %v", err)
	}
	if len(out.Files) != 2 || out.Files[0].FilePath != "src/a.js" || len(out.Files[1].POIs) != 0 {
		t.Fatalf("unexpected batch: %+v", out)
	}
}

func TestDecodeValidated_Relationships(t *testing.T) {
	raw := `{"relationships": [
		{"from": "auth_func_login", "to": "auth_class_session", "type": "CALLS", "confidence": 0.82, "reason": "login constructs Session"}
	]}`

	var out RelationshipFindings
	if err := DecodeValidated(raw, RelationshipSchema, &out); err != nil {
		t.Fatalf("decode err: %v", err)
	}
	if len(out.Relationships) != 1 || out.Relationships[0].Confidence != 0.82 {
		t.Fatalf("unexpected relationships: %+v", out)
	}
}

func TestDecodeValidated_AgentVerdict(t *testing.T) {
	raw := `{"confidence": 0.7, "evidenceStrength": 0.6, "reasoning": "call site resolves to the imported symbol"}`

	var out AgentVerdict
	if err := DecodeValidated(raw, AgentSchema, &out); err != nil {
		t.Fatalf("decode err: %v", err)
	}
	if out.Confidence != 0.7 || out.EvidenceStrength != 0.6 {
		t.Fatalf("unexpected verdict: %+v", out)
	}
}

func TestDecodeValidated_ShapeViolations(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"no object", "I cannot analyze this file."},
		{"missing required key", `{"notPois": []}`},
		{"poi missing lines", `{"pois": [{"name": "x", "type": "FunctionDefinition"}]}`},
		{"fractional line number", `{"pois": [{"name": "x", "type": "FunctionDefinition", "startLine": 1.5, "endLine": 2}]}`},
		{"confidence out of range", `{"relationships": [{"from": "a", "to": "b", "type": "CALLS", "confidence": 1.4}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			schema := FileAnalysisSchema
			if tc.name == "confidence out of range" {
				schema = RelationshipSchema
			}
			var sink any
			err := DecodeValidated(tc.raw, schema, &sink)
			if !errors.Is(err, domain.ErrSchemaInvalid) {
				t.Fatalf("expected ErrSchemaInvalid, got %v", err)
			}
		})
	}
}

func TestDecodeValidated_WholeLineNumbersAccepted(t *testing.T) {
	// json.Unmarshal to any yields float64; 10.0 still counts as an integer.
	raw := `{"pois": [{"name": "x", "type": "FunctionDefinition", "startLine": 10, "endLine": 20}]}`
	var out FileFindings
	if err := DecodeValidated(raw, FileAnalysisSchema, &out); err != nil {
		t.Fatalf("decode err: %v", err)
	}
	if out.POIs[0].EndLine != 20 {
		t.Fatalf("unexpected endLine: %d", out.POIs[0].EndLine)
	}
}
