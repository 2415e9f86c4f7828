package activity

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/meg/meg/internal/platform/db"
	"github.com/meg/meg/internal/platform/websocket"
)

// partitionKey keeps the events of one case in order on keyed transports.
func partitionKey(ev Event) string {
	if ev.CaseID != 0 {
		return ev.Tenant + "/case/" + strconv.FormatInt(ev.CaseID, 10)
	}
	return ev.Tenant + "/" + ev.Type
}

// ---------------------------------------------------------------------------
// Log
// ---------------------------------------------------------------------------

// LogSink writes events to the application log.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(_ context.Context, ev Event) error {
	evt := s.logger.Info()
	if ev.Status == StatusFailed {
		evt = s.logger.Warn()
	}
	if ev.ActorID != nil {
		evt = evt.Int64("actor_id", *ev.ActorID)
	}
	if ev.CaseID != 0 {
		evt = evt.Int64("case_id", ev.CaseID)
	}
	evt.
		Str("event_id", ev.ID.String()).
		Str("event_type", ev.Type).
		Str("tenant", ev.Tenant).
		Str("status", ev.Status).
		Interface("data", ev.Data).
		Msg(ev.Description)
	return nil
}

// ---------------------------------------------------------------------------
// Database
// ---------------------------------------------------------------------------

// TxBeginner opens transactions; *pgxpool.Pool satisfies it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// DBSink appends events to the tenant's activity_log table. It writes on its
// own pooled connection, scoped to the event's tenant, so it does not depend
// on the request's connection still being held.
type DBSink struct {
	pool TxBeginner
}

func NewDBSink(pool TxBeginner) *DBSink {
	return &DBSink{pool: pool}
}

func (s *DBSink) Name() string { return "db" }

func (s *DBSink) Write(ctx context.Context, ev Event) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return db.Wrap("begin activity_log insert", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if ev.Tenant != "" {
		if err := db.ScopeTx(ctx, tx, ev.Tenant); err != nil {
			return db.Wrap("scope activity_log insert", err)
		}
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO activity_log (id, event_type, actor_id, description, data, status, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.ID, ev.Type, ev.ActorID, ev.Description, ev.Data, ev.Status, ev.OccurredAt,
	); err != nil {
		return db.Wrap("insert activity_log", err)
	}
	return db.Wrap("commit activity_log", tx.Commit(ctx))
}

// ---------------------------------------------------------------------------
// Kafka
// ---------------------------------------------------------------------------

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events as JSON to one topic, keyed by case.
type KafkaSink struct {
	writer messageWriter
}

// NewKafkaSink returns an asynchronous producer. Delivery failures surface
// through the completion callback and are logged.
func NewKafkaSink(brokers []string, topic string, logger zerolog.Logger) *KafkaSink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Error().Err(err).Str("topic", topic).Int("messages", len(messages)).Msg("kafka delivery failed")
			}
		},
	}
	return &KafkaSink{writer: w}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Write(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(partitionKey(ev)),
		Value: body,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
		},
		Time: ev.OccurredAt,
	})
}

func (s *KafkaSink) Close() error { return s.writer.Close() }

// ---------------------------------------------------------------------------
// SQS
// ---------------------------------------------------------------------------

type sqsSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSSink sends each event as one message. FIFO queues get the case as the
// message group and the event id as the deduplication id.
type SQSSink struct {
	client   sqsSender
	queueURL string
}

func NewSQSSink(ctx context.Context, queueURL, region string) (*SQSSink, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &SQSSink{client: sqs.NewFromConfig(cfg), queueURL: queueURL}, nil
}

func (s *SQSSink) Name() string { return "sqs" }

func (s *SQSSink) Write(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"event_type": {DataType: aws.String("String"), StringValue: aws.String(ev.Type)},
		},
	}
	if strings.HasSuffix(s.queueURL, ".fifo") {
		in.MessageGroupId = aws.String(partitionKey(ev))
		in.MessageDeduplicationId = aws.String(ev.ID.String())
	}
	if _, err := s.client.SendMessage(ctx, in); err != nil {
		return fmt.Errorf("send to sqs: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Websocket
// ---------------------------------------------------------------------------

// HubSink pushes events to the live case board: the case's topic, the
// hospital's topic when known, and the tenant-wide activity feed.
type HubSink struct {
	hub websocket.EventPublisher
}

func NewHubSink(hub websocket.EventPublisher) *HubSink {
	return &HubSink{hub: hub}
}

func (s *HubSink) Name() string { return "websocket" }

func (s *HubSink) Write(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("encode event data: %w", err)
	}
	topics := []string{websocket.TopicActivity}
	if ev.CaseID != 0 {
		topics = append(topics, websocket.CaseTopic(ev.CaseID))
	}
	if hospitalID, ok := ev.Data["hospital_id"].(int64); ok && hospitalID != 0 {
		topics = append(topics, websocket.HospitalTopic(hospitalID))
	}
	for _, topic := range topics {
		err := s.hub.Publish(ctx, websocket.Event{
			ID:        ev.ID.String(),
			Type:      ev.Type,
			Topic:     topic,
			CaseID:    ev.CaseID,
			ActorID:   ev.ActorID,
			Timestamp: ev.OccurredAt,
			Data:      data,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Webhook
// ---------------------------------------------------------------------------

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// WebhookSink POSTs each event as JSON to one endpoint. The body is signed in
// X-Webhook-Signature so receivers can verify it with the shared secret.
type WebhookSink struct {
	url    string
	secret string
	client *http.Client
}

func NewWebhookSink(url, secret string, client *http.Client) *WebhookSink {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookSink{url: url, secret: secret, client: client}
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Write(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", ev.Type)
	req.Header.Set("X-Webhook-ID", ev.ID.String())
	req.Header.Set("X-Webhook-Timestamp", ev.OccurredAt.UTC().Format(time.RFC3339))
	if s.secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+SignPayload(payload, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
