package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kapu/nominator-track-go/internal/constants"
	"github.com/kapu/nominator-track-go/internal/domain"
	"github.com/kapu/nominator-track-go/internal/util"
	"github.com/kapu/nominator-track-go/pkg/errors"
	"go.uber.org/zap"
)

// deliveryState is one step of the webhook delivery state machine.
type deliveryState int

const (
	stateAttempt deliveryState = iota
	stateBudgetWait
	stateRateLimited
	stateBackoff
	stateDelivered
	stateFailed
)

func (s deliveryState) String() string {
	switch s {
	case stateAttempt:
		return "attempt"
	case stateBudgetWait:
		return "budget_wait"
	case stateRateLimited:
		return "rate_limited"
	case stateBackoff:
		return "backoff"
	case stateDelivered:
		return "delivered"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type WebhookConfig struct {
	URL         string
	SiteURL     string
	RetryOn429  bool
	MaxAttempts int
	Deduper     Deduper
	DedupeTTL   time.Duration
}

// WebhookSink renders change events as embeds and posts them to a webhook.
type WebhookSink struct {
	client      *resty.Client
	url         string
	siteURL     string
	retryOn429  bool
	maxAttempts int
	deduper     Deduper
	dedupeTTL   time.Duration
	logger      *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	// pausedUntil is set when the webhook reports an exhausted rate-limit bucket.
	pauseMu     sync.Mutex
	pausedUntil time.Time
}

func NewWebhookSink(cfg WebhookConfig, logger *zap.Logger) (*WebhookSink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = constants.WebhookConfig.MaxAttempts
	}
	if cfg.SiteURL == "" {
		cfg.SiteURL = constants.OsuConfig.BaseURL
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = constants.DedupeConfig.TTL
	}

	return &WebhookSink{
		client:      resty.New().SetTimeout(constants.WebhookConfig.Timeout),
		url:         cfg.URL,
		siteURL:     cfg.SiteURL,
		retryOn429:  cfg.RetryOn429,
		maxAttempts: cfg.MaxAttempts,
		deduper:     cfg.Deduper,
		dedupeTTL:   cfg.DedupeTTL,
		logger:      logger,
		sleep:       sleepContext,
		now:         time.Now,
	}, nil
}

// OnChange is the bus handler for change events.
// A failed delivery releases the dedupe mark so another event of the same change may retry it.
func (s *WebhookSink) OnChange(ctx context.Context, event *domain.ChangeEvent) error {
	marked := ""
	if s.deduper != nil {
		key := dedupeKey(event)
		first, err := s.deduper.MarkOnce(ctx, key, s.dedupeTTL)
		switch {
		case err != nil:
			s.logger.Warn("Dedupe check failed, delivering anyway", zap.String("key", key), zap.Error(err))
		case !first:
			s.logger.Debug("Duplicate change notification skipped",
				zap.Int64("user_id", event.Member.ID),
				zap.String("kind", string(event.Kind)))
			return nil
		default:
			marked = key
		}
	}

	payload := WebhookPayload{Embeds: []Embed{RenderEmbed(event, s.siteURL)}}
	if err := s.Deliver(ctx, payload); err != nil {
		if marked != "" {
			if relErr := s.deduper.Release(context.WithoutCancel(ctx), marked); relErr != nil {
				s.logger.Warn("Failed to release dedupe key", zap.String("key", marked), zap.Error(relErr))
			}
		}
		return fmt.Errorf("notify change of %s: %w", event.Member.Username, err)
	}

	s.logger.Info("Change notification delivered",
		zap.Int64("user_id", event.Member.ID),
		zap.String("username", event.Member.Username),
		zap.String("kind", string(event.Kind)))
	return nil
}

type attemptResult struct {
	status  int
	header  http.Header
	body    []byte
	err     error
	attempt int
}

// Deliver posts payload, retrying transient failures up to maxAttempts.
func (s *WebhookSink) Deliver(ctx context.Context, payload WebhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	state := stateBudgetWait
	attempts := 0
	var last attemptResult
	var wait time.Duration

	for {
		switch state {
		case stateBudgetWait:
			if pause := s.pauseRemaining(); pause > 0 {
				s.logger.Info("Webhook rate-limit budget exhausted, pausing",
					zap.Duration("wait", pause))
				if err := s.sleep(ctx, pause); err != nil {
					return err
				}
			}
			state = stateAttempt

		case stateAttempt:
			last = s.post(ctx, body)
			last.attempt = attempts
			attempts++
			s.recordBudget(last)
			state, wait = s.next(last)

		case stateRateLimited, stateBackoff:
			if attempts >= s.maxAttempts {
				return s.exhausted(last, attempts)
			}
			s.logger.Warn("Webhook delivery retrying",
				zap.String("state", state.String()),
				zap.Int("attempt", attempts),
				zap.Int("status", last.status),
				zap.Duration("delay", wait),
				zap.Error(last.err))
			if err := s.sleep(ctx, wait); err != nil {
				return err
			}
			state = stateBudgetWait

		case stateDelivered:
			return nil

		case stateFailed:
			return s.failed(last, attempts)
		}
	}
}

// next classifies one attempt into the following state and its delay.
func (s *WebhookSink) next(res attemptResult) (deliveryState, time.Duration) {
	switch {
	case res.err != nil:
		return stateBackoff, linearBackoff(res.attempt)
	case res.status >= 200 && res.status < 300:
		return stateDelivered, 0
	case res.status == http.StatusTooManyRequests:
		if !s.retryOn429 {
			return stateFailed, 0
		}
		return stateRateLimited, retryAfter(res)
	case res.status >= 500:
		return stateBackoff, linearBackoff(res.attempt)
	default:
		return stateFailed, 0
	}
}

func (s *WebhookSink) post(ctx context.Context, body []byte) attemptResult {
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(s.url)
	if err != nil {
		return attemptResult{err: err}
	}
	return attemptResult{
		status: resp.StatusCode(),
		header: resp.Header(),
		body:   resp.Body(),
	}
}

// recordBudget pauses future attempts when the bucket is empty. 429 responses
// carry their own retry delay and are handled by the rate-limited state.
func (s *WebhookSink) recordBudget(res attemptResult) {
	if res.err != nil || res.status == http.StatusTooManyRequests {
		return
	}
	if res.header.Get("X-RateLimit-Remaining") != "0" {
		return
	}

	now := s.now()
	delay := rateLimitReset(res.header, now)
	if delay <= 0 {
		return
	}

	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	if until := now.Add(delay); until.After(s.pausedUntil) {
		s.pausedUntil = until
	}
}

func (s *WebhookSink) pauseRemaining() time.Duration {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	return s.pausedUntil.Sub(s.now())
}

func (s *WebhookSink) exhausted(last attemptResult, attempts int) error {
	derr := errors.NewDeliveryError(
		fmt.Sprintf("webhook delivery failed after %d attempts", attempts),
		last.status, attempts, util.TruncateString(string(last.body), 200))
	if last.err != nil {
		derr.WithCause(last.err)
	}
	return derr
}

func (s *WebhookSink) failed(last attemptResult, attempts int) error {
	var message string
	switch last.status {
	case http.StatusForbidden:
		message = "webhook rejected delivery: forbidden"
	case http.StatusNotFound:
		message = "webhook not found"
	case http.StatusTooManyRequests:
		message = "webhook rate limited"
	default:
		message = fmt.Sprintf("webhook returned status %d", last.status)
	}
	return errors.NewDeliveryError(message, last.status, attempts, util.TruncateString(string(last.body), 200))
}

func linearBackoff(attempt int) time.Duration {
	return time.Duration(1+attempt*2) * time.Second
}

// rateLimitReset reads the bucket reset delay, preferring the relative header.
func rateLimitReset(header http.Header, now time.Time) time.Duration {
	if after := header.Get("X-RateLimit-Reset-After"); after != "" {
		if secs, err := strconv.ParseFloat(after, 64); err == nil {
			return secondsToDuration(secs)
		}
	}

	reset := header.Get("X-RateLimit-Reset")
	if reset == "" {
		return 0
	}
	epoch, err := strconv.ParseFloat(reset, 64)
	if err != nil {
		return 0
	}
	if date, err := http.ParseTime(header.Get("Date")); err == nil {
		now = date
	}
	resetAt := time.Unix(0, int64(epoch*float64(time.Second)))
	return resetAt.Sub(now)
}

// retryAfter reads the 429 delay: Retry-After header in seconds, else the body's
// retry_after field in milliseconds.
func retryAfter(res attemptResult) time.Duration {
	if header := res.header.Get("Retry-After"); header != "" {
		if secs, err := strconv.ParseFloat(header, 64); err == nil {
			return secondsToDuration(secs)
		}
	}

	var body struct {
		RetryAfter float64 `json:"retry_after"`
	}
	if err := json.Unmarshal(res.body, &body); err == nil && body.RetryAfter > 0 {
		return time.Duration(body.RetryAfter * float64(time.Millisecond))
	}
	return linearBackoff(res.attempt)
}

func secondsToDuration(secs float64) time.Duration {
	if secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
