// Package neo4j implements the graph store port over the transactional
// Cypher HTTP endpoint. Every write is a MERGE keyed by run and content
// hash, so redelivered ingestion jobs converge on the same graph.
package neo4j

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/config"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/domain"
)

// upsertBatch bounds how many rows ride in one UNWIND parameter list.
const upsertBatch = 500

// statement is one Cypher statement in the transactional endpoint's wire
// shape.
type statement struct {
	Statement  string         `json:"statement"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type commitRequest struct {
	Statements []statement `json:"statements"`
}

type commitResponse struct {
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// Store implements domain.GraphStore against POST /db/{name}/tx/commit.
type Store struct {
	endpoint string
	username string
	password string
	cfg      config.Config
	hc       *http.Client
}

// New builds the graph client. The endpoint commits each request as one
// implicit transaction, which is all the pipeline needs: batches are
// idempotent, so partial failure is repaired by the retry.
func New(cfg config.Config) *Store {
	base := strings.TrimRight(cfg.Neo4jHTTPURL, "/")
	return &Store{
		endpoint: base + "/db/" + cfg.Neo4jDatabase + "/tx/commit",
		username: cfg.Neo4jUsername,
		password: cfg.Neo4jPassword,
		cfg:      cfg,
		hc:       &http.Client{Timeout: 30 * time.Second},
	}
}

// UpsertPOIs merges the run's points of interest as nodes keyed by
// (run_id, hash).
func (s *Store) UpsertPOIs(ctx domain.Context, runID string, pois []domain.POI) error {
	const cypher = `
UNWIND $rows AS row
MERGE (p:POI {run_id: row.run_id, hash: row.hash})
SET p.name = row.name,
    p.type = row.type,
    p.file_path = row.file_path,
    p.start_line = row.start_line,
    p.end_line = row.end_line,
    p.is_exported = row.is_exported,
    p.semantic_id = row.semantic_id`

	for start := 0; start < len(pois); start += upsertBatch {
		end := start + upsertBatch
		if end > len(pois) {
			end = len(pois)
		}
		rows := make([]map[string]any, 0, end-start)
		for _, p := range pois[start:end] {
			rows = append(rows, map[string]any{
				"run_id":      runID,
				"hash":        p.Hash,
				"name":        p.Name,
				"type":        string(p.Type),
				"file_path":   p.FilePath,
				"start_line":  p.StartLine,
				"end_line":    p.EndLine,
				"is_exported": p.IsExported,
				"semantic_id": p.SemanticID,
			})
		}
		if err := s.commit(ctx, []statement{{Statement: cypher, Parameters: map[string]any{"rows": rows}}}); err != nil {
			return fmt.Errorf("op=graph.upsert_pois: %w", err)
		}
	}
	return nil
}

// UpsertRelationships merges finalized edges between already-merged POI
// nodes. Cypher cannot parameterize a relationship type, so edges are
// grouped per type and the sanitized type is inlined; the MERGE pattern
// keys each edge by (run, source, target, type).
func (s *Store) UpsertRelationships(ctx domain.Context, runID string, edges []domain.GraphEdge) error {
	byType := make(map[string][]domain.GraphEdge)
	for _, e := range edges {
		t := relType(e.Type)
		byType[t] = append(byType[t], e)
	}
	types := make([]string, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Strings(types)

	for _, t := range types {
		cypher := fmt.Sprintf(`
UNWIND $rows AS row
MATCH (a:POI {run_id: row.run_id, hash: row.source_hash})
MATCH (b:POI {run_id: row.run_id, hash: row.target_hash})
MERGE (a)-[r:%s {run_id: row.run_id}]->(b)
SET r.confidence = row.confidence,
    r.file_path = row.file_path`, t)

		group := byType[t]
		for start := 0; start < len(group); start += upsertBatch {
			end := start + upsertBatch
			if end > len(group) {
				end = len(group)
			}
			rows := make([]map[string]any, 0, end-start)
			for _, e := range group[start:end] {
				rows = append(rows, map[string]any{
					"run_id":      runID,
					"source_hash": e.SourceHash,
					"target_hash": e.TargetHash,
					"confidence":  e.Confidence,
					"file_path":   e.FilePath,
				})
			}
			if err := s.commit(ctx, []statement{{Statement: cypher, Parameters: map[string]any{"rows": rows}}}); err != nil {
				return fmt.Errorf("op=graph.upsert_relationships: %w", err)
			}
		}
	}
	return nil
}

// Ping verifies the endpoint accepts a trivial statement.
func (s *Store) Ping(ctx domain.Context) error {
	if err := s.commit(ctx, []statement{{Statement: "RETURN 1"}}); err != nil {
		return fmt.Errorf("op=graph.ping: %w", err)
	}
	return nil
}

// commit posts one batch of statements. Network errors, timeouts, 5xx and
// transient Cypher errors are retried with backoff; other failures are
// permanent.
func (s *Store) commit(ctx domain.Context, statements []statement) error {
	b, err := json.Marshal(commitRequest{Statements: statements})
	if err != nil {
		return err
	}

	op := func() error {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(b))
		if err != nil {
			return backoff.Permanent(err)
		}
		r.SetBasicAuth(s.username, s.password)
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set("Accept", "application/json")

		resp, err := s.hc.Do(r)
		if err != nil {
			if isTimeout(err) {
				return fmt.Errorf("%w: %v", domain.ErrUpstreamTimeout, err)
			}
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return backoff.Permanent(fmt.Errorf("%w: graph auth rejected (status %d)", domain.ErrInvalidArgument, resp.StatusCode))
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return backoff.Permanent(fmt.Errorf("%w: graph status %d: %s", domain.ErrInvalidArgument, resp.StatusCode, snippet(body)))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return fmt.Errorf("%w: graph status %d", domain.ErrInternal, resp.StatusCode)
		}

		var out commitResponse
		if err := json.Unmarshal(body, &out); err != nil {
			return err
		}
		for _, e := range out.Errors {
			if strings.HasPrefix(e.Code, "Neo.TransientError") {
				return fmt.Errorf("%w: %s: %s", domain.ErrInternal, e.Code, e.Message)
			}
			return backoff.Permanent(fmt.Errorf("%w: %s: %s", domain.ErrInvalidArgument, e.Code, e.Message))
		}
		return nil
	}

	initial, maxInterval, maxElapsed := s.cfg.GraphBackoff()
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = initial
	expo.MaxInterval = maxInterval
	expo.MaxElapsedTime = maxElapsed
	return backoff.Retry(op, backoff.WithContext(expo, ctx))
}

// relType sanitizes a classifier-provided relationship type into a Cypher
// relationship token: uppercase letters, digits and underscores, never
// starting with a digit.
func relType(t string) string {
	var sb strings.Builder
	for _, r := range strings.ToUpper(t) {
		switch {
		case r >= 'A' && r <= 'Z', r == '_':
			sb.WriteRune(r)
		case r >= '0' && r <= '9':
			if sb.Len() == 0 {
				sb.WriteByte('_')
			}
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	if sb.Len() == 0 {
		return "RELATED_TO"
	}
	return sb.String()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}

func snippet(b []byte) string {
	const n = 512
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
