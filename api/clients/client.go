package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/ruteri/guardian-recovery-vault/api"
	"github.com/ruteri/guardian-recovery-vault/cryptoutils"
	"github.com/ruteri/guardian-recovery-vault/interfaces"
)

// DefaultTimeout bounds a single API call including retries.
const DefaultTimeout = 30 * time.Second

// signFunc sets authentication headers for a request envelope.
type signFunc func(req *http.Request, env cryptoutils.RequestEnvelope) error

// restampKey carries a request's signer through its context so that every
// retry attempt goes out with a fresh timestamp and signature.
type restampKey struct{}

// restamp is the PrepareRetry hook. The server consumes each timestamp once,
// so resending the first attempt's headers would be rejected as a replay.
func restamp(req *http.Request) error {
	fn, ok := req.Context().Value(restampKey{}).(func(*http.Request) error)
	if !ok {
		return nil
	}
	req.Header = req.Header.Clone()
	return fn(req)
}

// stampClock issues request timestamps that strictly increase even when the
// underlying clock stands still or steps back.
type stampClock struct {
	mu   sync.Mutex
	now  func() time.Time
	last int64
}

func (c *stampClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now()
}

func (c *stampClock) next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := c.now().UnixNano()
	if ts <= c.last {
		ts = c.last + 1
	}
	c.last = ts
	return ts
}

// baseClient holds the transport shared by the owner, guardian and admin
// clients. Requests are retried on connection errors and 5xx responses.
type baseClient struct {
	baseURL    string
	httpClient *http.Client
	clock      *stampClock
}

func newBaseClient(baseURL string, timeout ...time.Duration) baseClient {
	clientTimeout := DefaultTimeout
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = nil
	// Hand the last response to decodeError instead of a generic
	// "giving up" error.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.PrepareRetry = restamp

	httpClient := rc.StandardClient()
	httpClient.Timeout = clientTimeout
	return baseClient{baseURL: baseURL, httpClient: httpClient, clock: &stampClock{now: time.Now}}
}

// WithHTTPClient replaces the transport, typically with an httptest client.
func (c *baseClient) WithHTTPClient(httpClient *http.Client) {
	c.httpClient = httpClient
}

// WithClock overrides the time used for request timestamps and liveness
// proofs. The server rejects requests too far from its own clock.
func (c *baseClient) WithClock(now func() time.Time) {
	c.clock.mu.Lock()
	defer c.clock.mu.Unlock()
	c.clock.now = now
}

// do marshals in (if not nil), signs the request with sign (if not nil),
// and decodes a 2xx response into out (if not nil). Error responses are
// returned as *interfaces.Error so callers can match them with errors.Is.
func (c *baseClient) do(ctx context.Context, method, path string, in, out any, sign signFunc) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	reqURL, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return fmt.Errorf("invalid request URL: %w", err)
	}
	var stamp func(*http.Request) error
	if sign != nil {
		stamp = func(r *http.Request) error {
			env := cryptoutils.RequestEnvelope{
				Method:    method,
				Path:      r.URL.Path,
				Timestamp: c.clock.next(),
				Body:      body,
			}
			r.Header.Set(api.RequestTimestampHeader, strconv.FormatInt(env.Timestamp, 10))
			return sign(r, env)
		}
		ctx = context.WithValue(ctx, restampKey{}, stamp)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if stamp != nil {
		if err := stamp(req); err != nil {
			return err
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s request failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(resp.Body)
	var parsed api.ErrorResponse
	if err := json.Unmarshal(raw, &parsed); err != nil || parsed.Error == "" {
		return fmt.Errorf("request failed with code %d: %s", resp.StatusCode, string(raw))
	}
	return fmt.Errorf("request failed with code %d: %w", resp.StatusCode, &interfaces.Error{
		Code:    interfaces.ErrorCode(parsed.Error),
		Message: parsed.Message,
	})
}

// GetVault fetches the public view of a vault. No credentials are needed.
func (c *baseClient) GetVault(ctx context.Context, vaultID string) (*interfaces.VaultRecord, error) {
	var rec interfaces.VaultRecord
	if err := c.do(ctx, http.MethodGet, "/api/v1/vaults/"+vaultID, nil, &rec, nil); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Evaluate asks the server to apply due time-based transitions.
func (c *baseClient) Evaluate(ctx context.Context, vaultID string) (*interfaces.VaultRecord, error) {
	var rec interfaces.VaultRecord
	if err := c.do(ctx, http.MethodPost, "/api/v1/vaults/"+vaultID+"/evaluate", nil, &rec, nil); err != nil {
		return nil, err
	}
	return &rec, nil
}
