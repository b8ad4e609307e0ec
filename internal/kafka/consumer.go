// Package kafka turns telemetry and detection topics into calls on the
// core. The consumer is optional; the HTTP surface carries the same ingress.
package kafka

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/havenwatch/sentinel/internal/config"
	"github.com/havenwatch/sentinel/internal/core"
	"github.com/havenwatch/sentinel/internal/domain"
	"github.com/havenwatch/sentinel/internal/incident"
)

// sampleMessage is a telemetry sample on the wire.
type sampleMessage struct {
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// fetchRetryWait paces the consume loop when the broker is unreachable.
const fetchRetryWait = 2 * time.Second

// detectionMessage is a security detection on the wire.
type detectionMessage struct {
	Kind             string   `json:"kind"`
	Severity         string   `json:"severity"`
	Title            string   `json:"title"`
	Description      string   `json:"description"`
	Source           string   `json:"source"`
	AffectedSubjects []string `json:"affected_subjects"`
	SubjectID        string   `json:"subject_id"`
	SubjectRole      string   `json:"subject_role"`
	Evidence         []string `json:"evidence"`
}

// Consumer reads both ingress topics and feeds the core.
type Consumer struct {
	logger *slog.Logger
	core   *core.Core

	telemetryReader *kafkago.Reader
	detectionReader *kafkago.Reader

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer builds readers for the configured topics.
func NewConsumer(cfg config.KafkaConfig, logger *slog.Logger, c *core.Core) *Consumer {
	newReader := func(topic string) *kafkago.Reader {
		return kafkago.NewReader(kafkago.ReaderConfig{
			Brokers:     cfg.Brokers,
			GroupID:     cfg.GroupID,
			Topic:       topic,
			MinBytes:    1,
			MaxBytes:    1 << 20,
			MaxWait:     time.Second,
			StartOffset: kafkago.LastOffset,
		})
	}
	return &Consumer{
		logger:          logger.With("component", "kafka"),
		core:            c,
		telemetryReader: newReader(cfg.TelemetryTopic),
		detectionReader: newReader(cfg.DetectionTopic),
	}
}

// Start begins consuming both topics.
func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(2)
	go c.consume(ctx, c.telemetryReader, c.handleSample)
	go c.consume(ctx, c.detectionReader, c.handleDetection)
	c.logger.Info("kafka consumer started")
}

// Stop cancels the consume loops and closes the readers. The current
// iteration finishes before the loop exits.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	if err := c.telemetryReader.Close(); err != nil {
		c.logger.Error("failed to close telemetry reader", "error", err)
	}
	if err := c.detectionReader.Close(); err != nil {
		c.logger.Error("failed to close detection reader", "error", err)
	}
	c.logger.Info("kafka consumer stopped")
}

func (c *Consumer) consume(ctx context.Context, reader *kafkago.Reader, handle func(context.Context, []byte) error) {
	defer c.wg.Done()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("failed to fetch message", "topic", reader.Config().Topic, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(fetchRetryWait):
			}
			continue
		}
		if err := handle(ctx, msg.Value); err != nil {
			// Malformed or rejected messages are logged and committed; the
			// producer owns the payload contract.
			c.logger.Error("failed to process message",
				"topic", reader.Config().Topic,
				"offset", msg.Offset,
				"error", err)
		}
		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("failed to commit offset", "topic", reader.Config().Topic, "error", err)
		}
	}
}

func (c *Consumer) handleSample(_ context.Context, payload []byte) error {
	var msg sampleMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}
	return c.core.RecordSample(msg.Metric, msg.Value, msg.Timestamp)
}

func (c *Consumer) handleDetection(ctx context.Context, payload []byte) error {
	var msg detectionMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}
	sev, err := domain.ParseSeverity(msg.Severity)
	if err != nil {
		return err
	}
	_, err = c.core.ReportIncident(ctx, incident.CreateParams{
		Kind:             msg.Kind,
		Severity:         sev,
		Title:            msg.Title,
		Description:      msg.Description,
		Source:           msg.Source,
		AffectedSubjects: msg.AffectedSubjects,
		SubjectID:        msg.SubjectID,
		SubjectRole:      msg.SubjectRole,
		Evidence:         msg.Evidence,
	})
	return err
}
