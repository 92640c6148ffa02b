package ai

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/domain"
)

// POIFinding is one classifier-extracted point of interest.
type POIFinding struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	StartLine   int    `json:"startLine"`
	EndLine     int    `json:"endLine"`
	IsExported  bool   `json:"isExported"`
	SemanticID  string `json:"semanticId"`
	Description string `json:"description,omitempty"`
}

// FileFindings is the single-file analysis response shape.
type FileFindings struct {
	POIs []POIFinding `json:"pois"`
}

// BatchFileEntry is one file's findings within a batch response.
type BatchFileEntry struct {
	FilePath string       `json:"filePath"`
	POIs     []POIFinding `json:"pois"`
}

// BatchFindings is the batch analysis response shape.
type BatchFindings struct {
	Files []BatchFileEntry `json:"files"`
}

// RelationshipFinding is one classifier-proposed edge between named POIs.
type RelationshipFinding struct {
	From       string  `json:"from"`
	To         string  `json:"to"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
	Evidence   string  `json:"evidence,omitempty"`
}

// RelationshipFindings is the relationship pass response shape.
type RelationshipFindings struct {
	Relationships []RelationshipFinding `json:"relationships"`
}

// AgentVerdict is one triangulation agent's structured reply.
type AgentVerdict struct {
	Confidence       float64 `json:"confidence"`
	EvidenceStrength float64 `json:"evidenceStrength"`
	Reasoning        string  `json:"reasoning"`
}

const poiItemSchema = `{
	"type": "object",
	"required": ["name", "type", "startLine", "endLine"],
	"properties": {
		"name":        {"type": "string", "minLength": 1},
		"type":        {"type": "string", "minLength": 1},
		"startLine":   {"type": "integer", "minimum": 1},
		"endLine":     {"type": "integer", "minimum": 1},
		"isExported":  {"type": "boolean"},
		"semanticId":  {"type": "string"},
		"description": {"type": "string"}
	}
}`

// Compiled response schemas, one per classifier call shape.
var (
	FileAnalysisSchema = jsonschema.MustCompileString("file-analysis.json", `{
		"type": "object",
		"required": ["pois"],
		"properties": {
			"pois": {"type": "array", "items": `+poiItemSchema+`}
		}
	}`)

	BatchAnalysisSchema = jsonschema.MustCompileString("batch-analysis.json", `{
		"type": "object",
		"required": ["files"],
		"properties": {
			"files": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["filePath", "pois"],
					"properties": {
						"filePath": {"type": "string", "minLength": 1},
						"pois":     {"type": "array", "items": `+poiItemSchema+`}
					}
				}
			}
		}
	}`)

	RelationshipSchema = jsonschema.MustCompileString("relationships.json", `{
		"type": "object",
		"required": ["relationships"],
		"properties": {
			"relationships": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["from", "to", "type", "confidence"],
					"properties": {
						"from":       {"type": "string", "minLength": 1},
						"to":         {"type": "string", "minLength": 1},
						"type":       {"type": "string", "minLength": 1},
						"confidence": {"type": "number", "minimum": 0, "maximum": 1},
						"reason":     {"type": "string"},
						"evidence":   {"type": "string"}
					}
				}
			}
		}
	}`)

	AgentSchema = jsonschema.MustCompileString("agent-verdict.json", `{
		"type": "object",
		"required": ["confidence", "evidenceStrength", "reasoning"],
		"properties": {
			"confidence":       {"type": "number", "minimum": 0, "maximum": 1},
			"evidenceStrength": {"type": "number", "minimum": 0, "maximum": 1},
			"reasoning":        {"type": "string", "minLength": 1}
		}
	}`)
)

// DecodeValidated extracts the first JSON object from raw model output,
// checks it against schema and unmarshals it into v. Any shape problem
// maps to ErrSchemaInvalid so callers can trigger their fallback path.
func DecodeValidated(raw string, schema *jsonschema.Schema, v any) error {
	doc, ok := ExtractJSONObject(raw)
	if !ok {
		return fmt.Errorf("op=ai.DecodeValidated: %w: no JSON object in output", domain.ErrSchemaInvalid)
	}
	var generic any
	if err := json.Unmarshal([]byte(doc), &generic); err != nil {
		return fmt.Errorf("op=ai.DecodeValidated: %w: %v", domain.ErrSchemaInvalid, err)
	}
	if err := schema.Validate(generic); err != nil {
		return fmt.Errorf("op=ai.DecodeValidated: %w: %v", domain.ErrSchemaInvalid, err)
	}
	if err := json.Unmarshal([]byte(doc), v); err != nil {
		return fmt.Errorf("op=ai.DecodeValidated: %w: %v", domain.ErrSchemaInvalid, err)
	}
	return nil
}
