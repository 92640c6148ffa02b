// Package outbox publishes staged analysis findings to the work queues.
// Rows only leave PENDING through here: the publisher persists POIs,
// resolves symbolic relationship endpoints to row ids, enqueues the
// downstream jobs and marks the rows PUBLISHED in the same transaction
// as the resolution. Unresolvable endpoints hold their row for a later
// tick instead of dropping it.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/adapter/observability"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/adapter/repo/sqlite"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/config"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/domain"
)

// Publisher is the single outbox poller of a process. Running two against
// the same staging database double-dispatches jobs; downstream handlers
// are idempotent but the work is wasted.
type Publisher struct {
	store       *sqlite.Store
	broker      domain.Broker
	log         *slog.Logger
	interval    time.Duration
	pollBatch   int
	superBatch  int
	maxAttempts int
	dbBatch     int
}

// NewPublisher wires the poller from config. Intervals and batch sizes
// fall back to safe values so a zero config cannot spin-loop.
func NewPublisher(store *sqlite.Store, broker domain.Broker, cfg config.Config, log *slog.Logger) *Publisher {
	interval := cfg.OutboxPollingInterval
	if interval <= 0 {
		interval = time.Second
	}
	pollBatch := cfg.OutboxBatchSize
	if pollBatch <= 0 {
		pollBatch = 200
	}
	superBatch := cfg.OutboxSuperBatchSize
	if superBatch <= 0 {
		superBatch = 1000
	}
	maxAttempts := cfg.OutboxMaxResolutionAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	dbBatch := cfg.DBBatchSize
	if dbBatch <= 0 {
		dbBatch = 100
	}
	return &Publisher{
		store:       store,
		broker:      broker,
		log:         log,
		interval:    interval,
		pollBatch:   pollBatch,
		superBatch:  superBatch,
		maxAttempts: maxAttempts,
		dbBatch:     dbBatch,
	}
}

// Run polls until ctx is canceled. Errors and panics are logged and the
// loop continues; rows touched by a failed tick stay PENDING and the next
// tick retries them.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.log.Info("outbox publisher started",
		slog.Duration("interval", p.interval),
		slog.Int("poll_batch", p.pollBatch))

	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			p.log.Info("outbox publisher stopping")
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Publisher) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("outbox tick panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	tracer := otel.Tracer("outbox.publisher")
	ctx, span := tracer.Start(ctx, "Publisher.tick")
	defer span.End()

	events, err := p.store.ReservePendingOutbox(ctx, time.Now(), p.pollBatch)
	if err != nil {
		p.log.Error("outbox reserve failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int("outbox.reserved", len(events)))
	if len(events) == 0 {
		return
	}

	var findings, creations []domain.OutboxEvent
	for _, ev := range events {
		switch ev.EventType {
		case domain.EventFileAnalysisFinding:
			findings = append(findings, ev)
		case domain.EventRelationshipCreation:
			creations = append(creations, ev)
		default:
			p.failEvent(ctx, ev, "unknown event type "+ev.EventType)
		}
	}

	p.publishFindings(ctx, findings)
	p.publishCreations(ctx, creations)
}

// publishFindings persists each finding's POIs (idempotent by hash),
// enqueues one relationship-resolution job per non-empty finding, and
// marks the batch PUBLISHED, all in one transaction. An enqueue failure
// rolls everything back; the idempotency key absorbs the re-enqueue on
// the next tick.
func (p *Publisher) publishFindings(ctx context.Context, events []domain.OutboxEvent) {
	if len(events) == 0 {
		return
	}

	type item struct {
		ev      domain.OutboxEvent
		finding domain.FileAnalysisFinding
	}
	items := make([]item, 0, len(events))
	for _, ev := range events {
		var f domain.FileAnalysisFinding
		if err := json.Unmarshal(ev.Payload, &f); err != nil {
			p.failEvent(ctx, ev, "undecodable payload: "+err.Error())
			continue
		}
		items = append(items, item{ev: ev, finding: f})
	}
	if len(items) == 0 {
		return
	}

	published := 0
	err := p.store.Transaction(ctx, func(tx *sql.Tx) error {
		ids := make([]int64, 0, len(items))
		for _, it := range items {
			if len(it.finding.POIs) > 0 {
				pois := make([]domain.POI, 0, len(it.finding.POIs))
				for _, pp := range it.finding.POIs {
					pois = append(pois, domain.POI{
						FilePath:   it.finding.FilePath,
						Name:       pp.Name,
						Type:       pp.Type,
						StartLine:  pp.StartLine,
						EndLine:    pp.EndLine,
						IsExported: pp.IsExported,
						SemanticID: pp.SemanticID,
						Hash:       domain.POIHash(pp.Name, pp.Type, it.finding.FilePath, pp.StartLine),
						RunID:      it.finding.RunID,
					})
				}
				if err := p.store.InsertPOIsTx(ctx, tx, pois, p.dbBatch); err != nil {
					return err
				}
				persisted, err := p.store.POIsByFileTx(ctx, tx, it.finding.RunID, it.finding.FilePath)
				if err != nil {
					return err
				}
				job := domain.RelationshipResolutionJob{
					RunID:    it.finding.RunID,
					FilePath: it.finding.FilePath,
					POIs:     poiRefs(persisted),
				}
				_, err = p.broker.Enqueue(ctx, domain.QueueRelationshipResolution, job, domain.EnqueueOptions{
					IdempotencyKey: domain.EnqueueKey(it.finding.RunID, it.ev.EventID),
				})
				if err != nil && !errors.Is(err, domain.ErrConflict) {
					return err
				}
			}
			ids = append(ids, it.ev.ID)
		}
		published = len(ids)
		return p.store.MarkOutboxPublishedTx(ctx, tx, ids)
	})
	if err != nil {
		p.log.Error("outbox finding publish failed, batch stays pending",
			slog.Int("events", len(items)), slog.Any("error", err))
		return
	}
	observability.RecordOutboxPublished(domain.EventFileAnalysisFinding, published)
}

type creationItem struct {
	ev       domain.OutboxEvent
	creation domain.RelationshipCreation
}

type holdDecision struct {
	ev      domain.OutboxEvent
	missing []string
}

// publishCreations resolves symbolic endpoints to POI row ids per run,
// coalesces resolved candidates into validation jobs of at most superBatch
// items, and marks the resolved events PUBLISHED in the transaction the
// resolution ran in. Events with unknown endpoints are held afterwards;
// the target POI may simply not have arrived yet.
func (p *Publisher) publishCreations(ctx context.Context, events []domain.OutboxEvent) {
	if len(events) == 0 {
		return
	}

	byRun := make(map[string][]creationItem)
	var runs []string
	for _, ev := range events {
		var c domain.RelationshipCreation
		if err := json.Unmarshal(ev.Payload, &c); err != nil {
			p.failEvent(ctx, ev, "undecodable payload: "+err.Error())
			continue
		}
		if _, seen := byRun[ev.RunID]; !seen {
			runs = append(runs, ev.RunID)
		}
		byRun[ev.RunID] = append(byRun[ev.RunID], creationItem{ev: ev, creation: c})
	}
	if len(runs) == 0 {
		return
	}

	var holds []holdDecision
	published := 0
	err := p.store.Transaction(ctx, func(tx *sql.Tx) error {
		// The closure reruns on contention; start each attempt clean.
		holds = holds[:0]
		var ids []int64

		for _, run := range runs {
			items := byRun[run]
			resolved, err := p.store.ResolvePOIIDsTx(ctx, tx, run, endpointKeys(items))
			if err != nil {
				return err
			}

			var chunk []domain.ValidationItem
			var chunkEvents []string
			flush := func() error {
				if len(chunk) == 0 {
					return nil
				}
				err := p.enqueueValidation(ctx, run, chunk, domain.EnqueueKey(run, chunkEvents...))
				chunk, chunkEvents = nil, nil
				return err
			}

			for _, it := range items {
				cands, missing := resolveCandidates(it.creation, resolved)
				if len(missing) > 0 {
					holds = append(holds, holdDecision{ev: it.ev, missing: missing})
					continue
				}
				vitems := validationItems(it.creation.Origin, cands)

				// A single event larger than the super-batch is split into
				// deterministic parts so retried ticks reuse the same keys.
				if len(vitems) > p.superBatch {
					if err := flush(); err != nil {
						return err
					}
					for part := 0; len(vitems) > 0; part++ {
						n := p.superBatch
						if n > len(vitems) {
							n = len(vitems)
						}
						key := domain.EnqueueKey(run, it.ev.EventID+"#"+strconv.Itoa(part))
						if err := p.enqueueValidation(ctx, run, vitems[:n], key); err != nil {
							return err
						}
						vitems = vitems[n:]
					}
					ids = append(ids, it.ev.ID)
					continue
				}

				if len(chunk)+len(vitems) > p.superBatch {
					if err := flush(); err != nil {
						return err
					}
				}
				chunk = append(chunk, vitems...)
				chunkEvents = append(chunkEvents, it.ev.EventID)
				ids = append(ids, it.ev.ID)
			}
			if err := flush(); err != nil {
				return err
			}
		}

		published = len(ids)
		if len(ids) == 0 {
			return nil
		}
		return p.store.MarkOutboxPublishedTx(ctx, tx, ids)
	})
	if err != nil {
		p.log.Error("outbox relationship publish failed, batch stays pending",
			slog.Int("events", len(events)), slog.Any("error", err))
		return
	}
	if published > 0 {
		observability.RecordOutboxPublished(domain.EventRelationshipCreation, published)
	}

	// Holds run outside the transaction: the store is single-writer, and a
	// crash before a hold lands only means one extra immediate retry.
	for _, h := range holds {
		p.holdEvent(ctx, h.ev, h.missing)
	}
}

func (p *Publisher) enqueueValidation(ctx context.Context, run string, items []domain.ValidationItem, key string) error {
	job := domain.ValidationJob{RunID: run, Items: items}
	_, err := p.broker.Enqueue(ctx, domain.QueueValidation, job, domain.EnqueueOptions{IdempotencyKey: key})
	if err != nil && !errors.Is(err, domain.ErrConflict) {
		return err
	}
	return nil
}

// holdEvent schedules one more resolution attempt, or fails the row once
// the attempt budget is spent.
func (p *Publisher) holdEvent(ctx context.Context, ev domain.OutboxEvent, missing []string) {
	attempt := ev.ResolutionAttempts + 1
	diagnostic := "unresolved endpoints: " + strings.Join(missing, ", ")
	if attempt >= p.maxAttempts {
		p.failEvent(ctx, ev, fmt.Sprintf("%s (after %d attempts)", diagnostic, attempt))
		return
	}
	next := time.Now().Add(domain.ResolutionDelay(attempt))
	if err := p.store.HoldOutboxEvent(ctx, ev.ID, diagnostic, next); err != nil {
		p.log.Error("outbox hold failed", slog.Int64("id", ev.ID), slog.Any("error", err))
		return
	}
	observability.RecordOutboxHeld()
	p.log.Debug("outbox event held",
		slog.Int64("id", ev.ID),
		slog.String("run_id", ev.RunID),
		slog.Int("attempt", attempt),
		slog.Time("next_attempt", next))
}

func (p *Publisher) failEvent(ctx context.Context, ev domain.OutboxEvent, diagnostic string) {
	if err := p.store.FailOutboxEvent(ctx, ev.ID, diagnostic); err != nil {
		p.log.Error("outbox fail-mark failed", slog.Int64("id", ev.ID), slog.Any("error", err))
		return
	}
	observability.RecordOutboxFailed(ev.EventType)
	p.log.Warn("outbox event failed",
		slog.Int64("id", ev.ID),
		slog.String("run_id", ev.RunID),
		slog.String("event_type", ev.EventType),
		slog.String("reason", diagnostic))
}

// endpointKeys collects the distinct From/To names across a run's items.
func endpointKeys(items []creationItem) []string {
	seen := make(map[string]struct{})
	var keys []string
	for _, it := range items {
		for _, r := range it.creation.Relationships {
			if _, ok := seen[r.From]; !ok {
				seen[r.From] = struct{}{}
				keys = append(keys, r.From)
			}
			if _, ok := seen[r.To]; !ok {
				seen[r.To] = struct{}{}
				keys = append(keys, r.To)
			}
		}
	}
	return keys
}

// resolveCandidates maps one event's relationships through the resolved
// lookup. Any unknown endpoint holds the whole event so it is retried as
// a unit.
func resolveCandidates(c domain.RelationshipCreation, resolved map[string]int64) ([]domain.ResolvedCandidate, []string) {
	var cands []domain.ResolvedCandidate
	var missing []string
	for _, r := range c.Relationships {
		srcID, okSrc := resolved[r.From]
		dstID, okDst := resolved[r.To]
		if !okSrc {
			missing = append(missing, r.From)
		}
		if !okDst {
			missing = append(missing, r.To)
		}
		if !okSrc || !okDst {
			continue
		}
		filePath := r.FilePath
		if filePath == "" {
			filePath = c.FilePath
		}
		cands = append(cands, domain.ResolvedCandidate{
			SourcePOIID: srcID,
			TargetPOIID: dstID,
			SourceName:  r.From,
			TargetName:  r.To,
			Type:        r.Type,
			FilePath:    filePath,
			Confidence:  r.Confidence,
			Reason:      r.Reason,
			Evidence:    r.Evidence,
		})
	}
	return cands, missing
}

func validationItems(origin string, cands []domain.ResolvedCandidate) []domain.ValidationItem {
	source := origin
	if source == "" {
		source = domain.SourceInitialAnalysis
	}
	items := make([]domain.ValidationItem, 0, len(cands))
	for i := range cands {
		c := cands[i]
		items = append(items, domain.ValidationItem{
			RelationshipHash: c.Hash(),
			Source:           source,
			Confidence:       c.Confidence,
			Candidate:        &c,
		})
	}
	return items
}

func poiRefs(pois []domain.POI) []domain.POIRef {
	refs := make([]domain.POIRef, 0, len(pois))
	for _, p := range pois {
		refs = append(refs, domain.POIRef{
			ID:         p.ID,
			Name:       p.Name,
			Type:       p.Type,
			SemanticID: p.SemanticID,
			FilePath:   p.FilePath,
			StartLine:  p.StartLine,
			EndLine:    p.EndLine,
			IsExported: p.IsExported,
		})
	}
	return refs
}
