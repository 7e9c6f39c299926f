package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/arbiter-systems/arbiter/pkg/contracts"
)

// LogSender writes alerts to the process log. It is the default
// channel and cannot fail.
type LogSender struct{}

func (LogSender) Name() string { return "log" }

func (LogSender) Send(ctx context.Context, req contracts.ApprovalRequest) (string, error) {
	_ = ctx
	log.Printf("APPROVAL REQUIRED [%s] agent=%s action=%s category=%s confidence=%.2f risk=%.2f expires=%s",
		req.ID, req.AgentID, req.Action, req.Category, req.Confidence, req.RiskScore,
		req.ExpiresAt.Format("15:04:05"))
	return req.ID, nil
}

// WebhookSender POSTs the approval request as JSON to a fixed URL.
type WebhookSender struct {
	url    string
	client *http.Client
}

// NewWebhookSender creates a webhook sender. A nil client uses
// http.DefaultClient; the dispatcher's per-send timeout still applies
// through the context.
func NewWebhookSender(url string, client *http.Client) *WebhookSender {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookSender{url: url, client: client}
}

func (*WebhookSender) Name() string { return "webhook" }

func (w *WebhookSender) Send(ctx context.Context, req contracts.ApprovalRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode approval request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("webhook post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return uuid.New().String(), nil
}

// RedisSender publishes approval requests on a Redis pub/sub topic so
// operator consoles can subscribe to a shared alert stream.
type RedisSender struct {
	client *redis.Client
	topic  string
}

// NewRedisSender creates a redis sender publishing to topic.
func NewRedisSender(client *redis.Client, topic string) *RedisSender {
	if topic == "" {
		topic = "arbiter:approvals"
	}
	return &RedisSender{client: client, topic: topic}
}

func (*RedisSender) Name() string { return "redis" }

func (r *RedisSender) Send(ctx context.Context, req contracts.ApprovalRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode approval request: %w", err)
	}
	if err := r.client.Publish(ctx, r.topic, payload).Err(); err != nil {
		return "", fmt.Errorf("redis publish: %w", err)
	}
	return req.ID, nil
}
