package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"storytime/internal/domain"
	"storytime/internal/observability"
)

// SignatureHeader carries the hex HMAC-SHA256 of the payload, keyed with the
// subscription secret, so receivers can authenticate deliveries.
const SignatureHeader = "X-Storytime-Signature"

// WebhookPolicy bounds delivery retries.
type WebhookPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultWebhookPolicy matches the delivery defaults.
func DefaultWebhookPolicy() WebhookPolicy {
	return WebhookPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Minute}
}

// WebhookSender delivers transition events over HTTP POST. A delivery counts
// as made on any 2xx response; other responses retry with increasing delays
// until the attempt budget runs out, after which the failure is logged and
// the event dropped for that subscriber.
type WebhookSender struct {
	policy     WebhookPolicy
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewWebhookSender creates a sender with the given retry policy.
func NewWebhookSender(policy WebhookPolicy, httpClient *http.Client, logger zerolog.Logger) *WebhookSender {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if policy.MaxAttempts <= 0 {
		policy = DefaultWebhookPolicy()
	}
	return &WebhookSender{policy: policy, httpClient: httpClient, logger: logger}
}

// webhookPayload is the body POSTed to subscribers.
type webhookPayload struct {
	JobID         string            `json:"job_id"`
	OwnerID       string            `json:"owner_id"`
	PreviousStage domain.Stage      `json:"previous_stage"`
	NewStage      domain.Stage      `json:"new_stage"`
	Timestamp     time.Time         `json:"timestamp"`
	Result        *domain.JobResult `json:"result,omitempty"`
	Error         *domain.JobError  `json:"error,omitempty"`
}

// Send delivers one event to one subscriber, retrying transient failures.
func (s *WebhookSender) Send(ctx context.Context, sub domain.WebhookSubscription, event domain.TransitionEvent) error {
	body, err := json.Marshal(webhookPayload{
		JobID:         event.JobID,
		OwnerID:       event.OwnerID,
		PreviousStage: event.PreviousStage,
		NewStage:      event.NewStage,
		Timestamp:     event.Timestamp,
		Result:        event.Result,
		Error:         event.Error,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	signature := Sign(sub.Secret, body)

	var lastErr error
	for attempt := 1; attempt <= s.policy.MaxAttempts; attempt++ {
		if lastErr = s.deliver(ctx, sub.URL, body, signature); lastErr == nil {
			observability.WebhookDeliveries.WithLabelValues("delivered").Inc()
			return nil
		}
		if attempt == s.policy.MaxAttempts {
			break
		}
		select {
		case <-time.After(s.delay(attempt)):
		case <-ctx.Done():
			observability.WebhookDeliveries.WithLabelValues("cancelled").Inc()
			return ctx.Err()
		}
	}

	observability.WebhookDeliveries.WithLabelValues("gave_up").Inc()
	s.logger.Warn().
		Err(lastErr).
		Str("job_id", event.JobID).
		Str("url", sub.URL).
		Int("attempts", s.policy.MaxAttempts).
		Msg("webhook delivery abandoned")
	return fmt.Errorf("webhook delivery to %s: %w", sub.URL, lastErr)
}

func (s *WebhookSender) deliver(ctx context.Context, url string, body []byte, signature string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func (s *WebhookSender) delay(attempt int) time.Duration {
	d := s.policy.BaseDelay << (attempt - 1)
	if s.policy.MaxDelay > 0 && d > s.policy.MaxDelay {
		d = s.policy.MaxDelay
	}
	return d
}

// Sign computes the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches body under secret.
func VerifySignature(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}
