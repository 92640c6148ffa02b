// Package events publishes pipeline lifecycle records to Kafka. The stream
// is an optional side channel: publishing is asynchronous and a failed
// produce is logged and counted, never surfaced to the job handler.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/adapter/observability"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/config"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/domain"
)

// Publisher emits lifecycle records to the pipeline events topic, keyed by
// run id so per-run records stay ordered within a partition.
type Publisher struct {
	client *kgo.Client
	topic  string
	log    *slog.Logger
}

// New connects an idempotent producer to the configured brokers and makes
// sure the lifecycle topic exists. Callers check EventStreamEnabled first;
// a pipeline without KAFKA_BROKERS runs with a nil publisher instead.
func New(cfg config.Config, log *slog.Logger) (*Publisher, error) {
	brokers := cfg.KafkaBrokerList()
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=events.new: no seed brokers: %w", domain.ErrInvalidArgument)
	}

	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))),
	)
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(cfg.KafkaTopicPipelineEvents),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.RequestRetries(10),
		kgo.DialTimeout(10*time.Second),
		kgo.RecordDeliveryTimeout(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("op=events.new: %w", err)
	}

	p := &Publisher{
		client: client,
		topic:  cfg.KafkaTopicPipelineEvents,
		log:    log.With("component", "events"),
	}

	ensureCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.ensureTopic(ensureCtx); err != nil {
		p.log.Warn("lifecycle topic creation failed, assuming it exists",
			slog.String("topic", p.topic), slog.Any("error", err))
	}
	return p, nil
}

// Publish hands the event to the producer and returns immediately. Delivery
// failures show up in the log and the lifecycle-events counter only.
func (p *Publisher) Publish(ctx domain.Context, ev domain.PipelineEvent) error {
	rec, err := record(p.topic, ev)
	if err != nil {
		observability.RecordLifecycleEvent(ev.Kind, "marshal_error")
		return fmt.Errorf("op=events.publish: %w", err)
	}
	// Detach from the handler's cancellation; the record should survive the
	// job that produced it.
	p.client.Produce(context.WithoutCancel(ctx), rec, func(r *kgo.Record, err error) {
		if err != nil {
			observability.RecordLifecycleEvent(ev.Kind, "error")
			p.log.Warn("lifecycle event lost",
				slog.String("kind", ev.Kind), slog.String("run_id", ev.RunID), slog.Any("error", err))
			return
		}
		observability.RecordLifecycleEvent(ev.Kind, "ok")
	})
	return nil
}

// Close flushes buffered records and releases the client.
func (p *Publisher) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		p.log.Warn("lifecycle event flush incomplete", slog.Any("error", err))
	}
	p.client.Close()
}

// record builds the wire record for one event.
func record(topic string, ev domain.PipelineEvent) (*kgo.Record, error) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	var key []byte
	if ev.RunID != "" {
		key = []byte(ev.RunID)
	}
	return &kgo.Record{
		Topic: topic,
		Key:   key,
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "kind", Value: []byte(ev.Kind)},
		},
	}, nil
}

// ensureTopic creates the lifecycle topic, tolerating racing creators.
func (p *Publisher) ensureTopic(ctx context.Context) error {
	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 10000

	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = p.topic
	topicReq.NumPartitions = 1
	topicReq.ReplicationFactor = 1
	req.Topics = append(req.Topics, topicReq)

	resp, err := p.client.Request(ctx, &req)
	if err != nil {
		return err
	}
	created, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("unexpected response type %T", resp)
	}
	for _, tr := range created.Topics {
		// 36 = TOPIC_ALREADY_EXISTS
		if tr.ErrorCode != 0 && tr.ErrorCode != 36 {
			msg := ""
			if tr.ErrorMessage != nil {
				msg = *tr.ErrorMessage
			}
			return fmt.Errorf("create topic %s: %s (code %d)", tr.Topic, msg, tr.ErrorCode)
		}
	}
	return nil
}
