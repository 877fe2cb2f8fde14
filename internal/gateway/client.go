// Package gateway implements the HTTP client for the Nookplot gateway: a
// resilient request transport with automatic rate-limit retries, sanitized
// errors, the prepare/sign/relay flow for on-chain meta-transactions, and
// thin managers over the gateway's REST surface.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/nookplot/internal/observability"
	"github.com/jkaninda/nookplot/internal/protocol"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 4
	maxRetryDelay     = 60 * time.Second
	baseRetryDelay    = 5 * time.Second
)

// Signer signs prepared meta-transaction contexts. The prepared blob is the
// raw gateway response from a /v1/prepare/<action> call; the returned
// signature must be 0x-prefixed hex.
type Signer interface {
	Address() string
	SignTypedData(ctx context.Context, prepared json.RawMessage) (string, error)
}

// Client is the authenticated gateway transport. All managers share one
// Client, so retry policy and error sanitization apply uniformly.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
	obs        *observability.Observability
	signer     Signer
	maxRetries int

	// sleep is swappable so retry timing is testable.
	sleep func(ctx context.Context, d time.Duration) error

	Inbox       *InboxManager
	Channels    *ChannelManager
	Projects    *ProjectManager
	Social      *SocialManager
	Knowledge   *KnowledgeManager
	Proactive   *ProactiveManager
	Communities *CommunityManager
	Bounties    *BountyManager
	Cliques     *CliqueManager
}

// Option configures the gateway client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithSigner attaches the signer used for on-chain operations.
func WithSigner(s Signer) Option {
	return func(c *Client) { c.signer = s }
}

// WithMaxRetries overrides the rate-limit retry budget.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithObservability attaches metrics and tracing.
func WithObservability(obs *observability.Observability) Option {
	return func(c *Client) { c.obs = obs }
}

// NewClient creates a gateway client. A nil logger discards output.
func NewClient(baseURL, apiKey string, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     logger,
		maxRetries: defaultMaxRetries,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Inbox = &InboxManager{c: c}
	c.Channels = &ChannelManager{c: c}
	c.Projects = &ProjectManager{c: c}
	c.Social = &SocialManager{c: c}
	c.Knowledge = &KnowledgeManager{c: c}
	c.Proactive = &ProactiveManager{c: c}
	c.Communities = &CommunityManager{c: c}
	c.Bounties = &BountyManager{c: c}
	c.Cliques = &CliqueManager{c: c}
	return c
}

// BaseURL returns the configured gateway base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Signer returns the configured signer, or nil.
func (c *Client) Signer() Signer { return c.signer }

// Request issues an authenticated request and decodes the JSON response.
// HTTP 429 responses are retried up to the retry budget with exponential
// backoff (5s, 10s, 20s, 40s, capped at 60s), honoring a larger Retry-After
// header when present, with ±20% jitter. A 204 yields an empty result. Any
// other 4xx/5xx becomes an *Error with a sanitized message.
func (c *Client) Request(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		payload = b
	}

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("sending request: %w", err)
		}
		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		c.obs.ObserveGatewayRequest(method, resp.StatusCode, time.Since(start))
		if readErr != nil {
			return nil, fmt.Errorf("reading response body: %w", readErr)
		}

		if resp.StatusCode == http.StatusTooManyRequests && attempt < c.maxRetries {
			delay := retryDelay(resp.Header.Get("Retry-After"), attempt)
			c.logger.Info("rate limited, retrying",
				slog.String("path", path),
				slog.Duration("delay", delay),
				slog.Int("attempt", attempt+1),
				slog.Int("max_retries", c.maxRetries),
			)
			c.obs.CountGatewayRetry()
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}

		if resp.StatusCode >= 400 {
			return nil, &Error{StatusCode: resp.StatusCode, Message: sanitizeErrorBody(respBody)}
		}
		if resp.StatusCode == http.StatusNoContent {
			return json.RawMessage("{}"), nil
		}
		return respBody, nil
	}
}

// retryDelay computes the backoff before re-issuing a rate-limited request:
// the larger of the server's Retry-After and the exponential delay for this
// attempt, jittered by a uniform ±20%.
func retryDelay(retryAfter string, attempt int) time.Duration {
	exp := baseRetryDelay * (1 << attempt)
	if exp > maxRetryDelay {
		exp = maxRetryDelay
	}
	delay := exp
	if secs, err := strconv.ParseFloat(retryAfter, 64); err == nil {
		server := time.Duration(secs * float64(time.Second))
		if server > delay {
			delay = server
		}
	}
	jitter := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(delay) * jitter)
}

// get decodes a GET response into out.
func (c *Client) get(ctx context.Context, path string, out any) error {
	raw, err := c.Request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// post issues a POST and decodes the response into out when non-nil.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	raw, err := c.Request(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// SignAndRelay signs a prepared forward request and submits it to the relay
// endpoint, returning the resulting transaction hash.
func (c *Client) SignAndRelay(ctx context.Context, prepared json.RawMessage) (*protocol.RelayResponse, error) {
	if c.signer == nil {
		return nil, ErrNoSigner
	}
	var prep struct {
		ForwardRequest map[string]any `json:"forwardRequest"`
	}
	if err := json.Unmarshal(prepared, &prep); err != nil {
		return nil, fmt.Errorf("decoding prepare response: %w", err)
	}
	if prep.ForwardRequest == nil {
		return nil, fmt.Errorf("gateway did not return a forwardRequest")
	}

	sig, err := c.signer.SignTypedData(ctx, prepared)
	if err != nil {
		return nil, fmt.Errorf("signing forward request: %w", err)
	}
	if !strings.HasPrefix(sig, "0x") {
		sig = "0x" + sig
	}

	relayPayload := make(map[string]any, len(prep.ForwardRequest)+1)
	for k, v := range prep.ForwardRequest {
		relayPayload[k] = v
	}
	relayPayload["signature"] = sig

	var relay protocol.RelayResponse
	if err := c.post(ctx, "/v1/relay", relayPayload, &relay); err != nil {
		return nil, err
	}
	return &relay, nil
}

// prepareSignRelay runs the full non-custodial on-chain flow: prepare the
// forward request, sign it locally, relay the meta-transaction.
func (c *Client) prepareSignRelay(ctx context.Context, preparePath string, body any) (*protocol.RelayResponse, error) {
	prep, err := c.Request(ctx, http.MethodPost, preparePath, body)
	if err != nil {
		return nil, err
	}
	return c.SignAndRelay(ctx, prep)
}

func pathEscape(s string) string { return url.PathEscape(s) }
