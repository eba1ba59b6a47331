package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/ruteri/guardian-recovery-vault/interfaces"
)

const (
	// SignatureHeader carries the hex HMAC-SHA256 of the body when a secret is configured.
	SignatureHeader = "X-Vault-Event-Signature"

	defaultQueueSize = 256
)

var ErrNotifierClosed = errors.New("webhook notifier closed")

type WebhookConfig struct {
	URL string
	// Secret, when set, signs every delivery.
	Secret       string
	QueueSize    int
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Timeout      time.Duration
}

// WebhookNotifier posts events as JSON to a single endpoint from a
// background worker. Events that do not fit in the queue are dropped.
type WebhookNotifier struct {
	cfg    WebhookConfig
	client *retryablehttp.Client
	log    *slog.Logger

	mu     sync.RWMutex
	queue  chan interfaces.Event
	closed bool
	done   chan struct{}
}

func NewWebhookNotifier(cfg WebhookConfig, log *slog.Logger) (*WebhookNotifier, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: webhook url is required", interfaces.ErrInvalidArgument)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	client := retryablehttp.NewClient()
	client.Logger = log
	client.RetryMax = cfg.RetryMax
	if cfg.RetryWaitMin > 0 {
		client.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		client.RetryWaitMax = cfg.RetryWaitMax
	}
	client.HTTPClient.Timeout = cfg.Timeout

	n := &WebhookNotifier{
		cfg:    cfg,
		client: client,
		log:    log,
		queue:  make(chan interfaces.Event, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	go n.run()
	return n, nil
}

func (n *WebhookNotifier) Notify(ctx context.Context, event interfaces.Event) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		n.log.Warn("Dropping event, notifier closed", "type", event.Type, "vaultID", event.VaultID)
		return
	}
	select {
	case n.queue <- event:
	default:
		n.log.Warn("Dropping event, webhook queue full", "type", event.Type, "vaultID", event.VaultID)
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (n *WebhookNotifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		<-n.done
		return
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()
	<-n.done
}

func (n *WebhookNotifier) run() {
	defer close(n.done)
	for event := range n.queue {
		if err := n.deliver(context.Background(), event); err != nil {
			n.log.Error("Webhook delivery failed", "type", event.Type, "vaultID", event.VaultID, "err", err)
		}
	}
}

func (n *WebhookNotifier) deliver(ctx context.Context, event interfaces.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if n.cfg.Secret != "" {
		req.Header.Set(SignatureHeader, Sign([]byte(n.cfg.Secret), body))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a SignatureHeader value.
func VerifySignature(secret, body []byte, signature string) bool {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}
