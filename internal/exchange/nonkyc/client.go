// Package nonkyc implements the exchange transport: a signed, rate
// limited, retrying REST client and a reconnecting WebSocket session
// that share one error taxonomy.
package nonkyc

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"nonkyc-bot/internal/auth"
	"nonkyc-bot/internal/config"
	"nonkyc-bot/internal/core"
	"nonkyc-bot/internal/ratelimit"
)

// Client is the signed REST surface of the exchange. Every call runs the
// same pipeline: rate-limiter slot, fresh signature, transmit, classify,
// retry transient failures with server-directed or exponential delays.
type Client struct {
	baseURL string
	signer  *auth.Signer
	limiter *ratelimit.Limiter
	http    *http.Client
	log     logrus.FieldLogger

	maxRetries    int
	backoffBase   time.Duration
	backoffMax    time.Duration
	backoffJitter float64
	debugAuth     bool

	sleep func(ctx context.Context, d time.Duration) error
}

func NewClient(cfg config.ExchangeConfig, signer *auth.Signer, limiter *ratelimit.Limiter, log logrus.FieldLogger) (*Client, error) {
	if signer == nil {
		return nil, core.Errorf(core.KindAuth, "new client", "signer is required")
	}
	if err := validateEndpoint(cfg.BaseURL, "http", "https"); err != nil {
		return nil, err
	}
	if limiter == nil {
		limiter = ratelimit.New(cfg.RateLimitPerSec, cfg.RateLimitBurst)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	timeout := cfg.HTTPTimeout()
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}
	if cfg.SkipTLSVerify() {
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
		log.Warn("TLS certificate verification disabled, unsafe outside test environments")
	}

	backoffBase := cfg.BackoffBase()
	if backoffBase <= 0 {
		backoffBase = 250 * time.Millisecond
	}
	backoffMax := cfg.BackoffMax()
	if backoffMax < backoffBase {
		backoffMax = 10 * time.Second
	}

	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		signer:        signer,
		limiter:       limiter,
		http:          httpClient,
		log:           log,
		maxRetries:    cfg.MaxRetries,
		backoffBase:   backoffBase,
		backoffMax:    backoffMax,
		backoffJitter: backoff.DefaultRandomizationFactor,
		debugAuth:     cfg.DebugAuth,
		sleep:         sleepContext,
	}, nil
}

func (c *Client) Name() string { return "nonkyc" }

func (c *Client) Markets(ctx context.Context) ([]core.MarketInfo, error) {
	body, err := c.send(ctx, http.MethodGet, "/markets", nil)
	if err != nil {
		return nil, err
	}
	var payload []marketPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, core.WrapError(core.KindProtocol, "GET /markets", err)
	}
	markets := make([]core.MarketInfo, 0, len(payload))
	for _, p := range payload {
		info, err := p.toMarketInfo()
		if err != nil {
			return nil, core.WrapError(core.KindProtocol, "GET /markets", err)
		}
		markets = append(markets, info)
	}
	return markets, nil
}

// Market resolves metadata for one symbol from the full market list.
func (c *Client) Market(ctx context.Context, symbol string) (core.MarketInfo, error) {
	markets, err := c.Markets(ctx)
	if err != nil {
		return core.MarketInfo{}, err
	}
	for _, m := range markets {
		if strings.EqualFold(m.Symbol, symbol) {
			return m, nil
		}
	}
	return core.MarketInfo{}, core.Errorf(core.KindRejected, "GET /markets", "symbol %s not listed", symbol)
}

func (c *Client) Balances(ctx context.Context) ([]core.Balance, error) {
	body, err := c.send(ctx, http.MethodGet, "/balances", nil)
	if err != nil {
		return nil, err
	}
	var payload []balancePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, core.WrapError(core.KindProtocol, "GET /balances", err)
	}
	balances := make([]core.Balance, 0, len(payload))
	for _, p := range payload {
		bal, err := p.toBalance()
		if err != nil {
			return nil, core.WrapError(core.KindProtocol, "GET /balances", err)
		}
		balances = append(balances, bal)
	}
	return balances, nil
}

func (c *Client) PlaceOrder(ctx context.Context, intent core.OrderIntent, clientOrderID string) (core.Order, error) {
	req := createOrderRequest{
		Symbol:         intent.Symbol,
		Side:           sideValue(intent.Side),
		Type:           strings.ToLower(string(intent.Type)),
		Quantity:       intent.Qty.String(),
		UserProvidedID: clientOrderID,
	}
	if intent.Type == core.Limit {
		req.Price = intent.Price.String()
	}
	body, err := c.send(ctx, http.MethodPost, "/createorder", req)
	if err != nil {
		return core.Order{}, err
	}
	var payload orderPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return core.Order{}, core.WrapError(core.KindProtocol, "POST /createorder", err)
	}
	order, err := payload.toOrder()
	if err != nil {
		return core.Order{}, core.WrapError(core.KindProtocol, "POST /createorder", err)
	}
	return order, nil
}

func (c *Client) CancelOrder(ctx context.Context, exchangeOrderID string) error {
	_, err := c.send(ctx, http.MethodPost, "/cancelorder", cancelOrderRequest{ID: exchangeOrderID})
	return err
}

func (c *Client) GetOrder(ctx context.Context, exchangeOrderID string) (core.Order, error) {
	path := "/getorder?id=" + url.QueryEscape(exchangeOrderID)
	body, err := c.send(ctx, http.MethodGet, path, nil)
	if err != nil {
		return core.Order{}, err
	}
	var payload orderPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return core.Order{}, core.WrapError(core.KindProtocol, "GET /getorder", err)
	}
	order, err := payload.toOrder()
	if err != nil {
		return core.Order{}, core.WrapError(core.KindProtocol, "GET /getorder", err)
	}
	return order, nil
}

// send runs the full request pipeline. Each attempt acquires a limiter
// slot and signs with a fresh nonce; retries stop at maxRetries+1 total
// attempts or the first non-retryable classification.
func (c *Client) send(ctx context.Context, method, path string, payload any) ([]byte, error) {
	op := method + " " + path
	fullURL := c.baseURL + path
	if err := validateEndpoint(fullURL, "http", "https"); err != nil {
		return nil, err
	}

	var body string
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, core.WrapError(core.KindRejected, op, err)
		}
		body = string(raw)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.backoffBase
	bo.MaxInterval = c.backoffMax
	bo.RandomizationFactor = c.backoffJitter
	bo.Reset()

	attempts := c.maxRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := c.limiter.Acquire(ctx); err != nil {
			return nil, err
		}
		signed, err := c.signer.SignRequest(method, fullURL, body)
		if err != nil {
			return nil, err
		}
		if c.debugAuth {
			c.log.WithFields(logrus.Fields{
				"method":    method,
				"url":       fullURL,
				"nonce":     signed.Nonce,
				"timestamp": signed.Timestamp.UnixMilli(),
				"signature": signed.Signature,
			}).Debug("signed request")
		}

		respBody, err := c.transmit(ctx, op, signed)
		if err == nil {
			return respBody, nil
		}
		lastErr = err
		if !core.Retryable(err) {
			return nil, err
		}
		if attempt == attempts {
			break
		}

		delay := core.RetryAfterOf(err)
		if delay <= 0 {
			delay = bo.NextBackOff()
		}
		c.log.WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt,
			"delay":   delay.String(),
			"error":   err.Error(),
		}).Warn("request failed, retrying")
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) transmit(ctx context.Context, op string, signed auth.SignedRequest) ([]byte, error) {
	var reader io.Reader
	if signed.Body != "" {
		reader = strings.NewReader(signed.Body)
	}
	req, err := http.NewRequestWithContext(ctx, signed.Method, signed.URL, reader)
	if err != nil {
		return nil, core.WrapError(core.KindRejected, op, err)
	}
	for k, vs := range signed.Headers {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}
	if signed.Body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, core.WrapError(core.KindTransient, op, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.WrapError(core.KindTransient, op, err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, classifyHTTPError(op, resp.StatusCode, resp.Header, respBody)
	}
	return respBody, nil
}

func validateEndpoint(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return core.Errorf(core.KindRejected, "validate endpoint", "invalid URL %q: %v", raw, err)
	}
	for _, s := range schemes {
		if parsed.Scheme == s && parsed.Host != "" {
			return nil
		}
	}
	return core.Errorf(core.KindRejected, "validate endpoint", "URL %q must use scheme %s", raw, strings.Join(schemes, " or "))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
