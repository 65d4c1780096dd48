package rest

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"tradecore/internal/venue"
)

const (
	defaultTimeout = 5 * time.Second

	pathOrders  = "/api/v1/orders"
	pathAccount = "/api/v1/account"
)

// Config describes a signed REST venue.
type Config struct {
	Name    string
	BaseURL string
	APIKey  string
	Secret  string
	// Timeout is the deadline of a single call.
	Timeout time.Duration
	Client  *http.Client
	Clock   func() time.Time
}

// Client is a generic signed REST venue. Mutating calls carry the
// idempotency key both as client_id and as the Idempotency-Key header so the
// venue can dedupe retries.
type Client struct {
	cfg    Config
	client *http.Client
}

// New creates a REST venue client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, client: client}
}

// Name returns the venue name.
func (c *Client) Name() string {
	return c.cfg.Name
}

// Submit places an order.
func (c *Client) Submit(ctx context.Context, req venue.SubmitRequest) (venue.Report, error) {
	params := map[string]string{
		"client_id": req.IdempotencyKey,
		"market":    req.Symbol,
		"side":      venueSide(req.Side),
		"amount":    req.Quantity.String(),
	}
	if !req.Price.IsZero() {
		params["price"] = req.Price.String()
	}
	var data Response[ResponseOrder]
	if err := c.do(ctx, http.MethodPost, pathOrders, req.IdempotencyKey, params, &data); err != nil {
		return venue.Report{}, err
	}
	return data.Data.report(c.cfg.Name), nil
}

// Cancel cancels the order placed under req.OrderKey.
func (c *Client) Cancel(ctx context.Context, req venue.CancelRequest) (venue.Report, error) {
	params := map[string]string{
		"client_id": req.OrderKey,
		"cancel_id": req.IdempotencyKey,
	}
	var data Response[ResponseOrder]
	if err := c.do(ctx, http.MethodDelete, pathOrders+"/"+url.PathEscape(req.OrderKey), req.IdempotencyKey, params, &data); err != nil {
		return venue.Report{}, err
	}
	return data.Data.report(c.cfg.Name), nil
}

// Query fetches the order placed under key.
func (c *Client) Query(ctx context.Context, key string) (venue.Report, error) {
	var data Response[ResponseOrder]
	if err := c.do(ctx, http.MethodGet, pathOrders+"/"+url.PathEscape(key), "", map[string]string{"client_id": key}, &data); err != nil {
		return venue.Report{}, err
	}
	return data.Data.report(c.cfg.Name), nil
}

// Balances fetches cash and positions.
func (c *Client) Balances(ctx context.Context) (venue.Balances, error) {
	var data Response[ResponseAccount]
	if err := c.do(ctx, http.MethodGet, pathAccount, "", map[string]string{}, &data); err != nil {
		return venue.Balances{}, err
	}
	return venue.Balances{
		Venue:     c.cfg.Name,
		Cash:      data.Data.Cash,
		Positions: data.Data.Positions,
		At:        time.UnixMilli(data.Data.Time).UTC(),
	}, nil
}

// Sign returns the hex HMAC-SHA256 of the sorted "k=v" pairs of params.
func Sign(secret string, params map[string]string) string {
	pairs := make([]string, 0, len(params))
	for k, v := range params {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.Join(pairs, "&")))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) do(ctx context.Context, method, path, idemKey string, params map[string]string, out any) error {
	params["access_id"] = c.cfg.APIKey
	params["tm"] = formatMillis(c.cfg.Clock())

	var body io.Reader
	target := c.cfg.BaseURL + path
	if method == http.MethodGet {
		query := url.Values{}
		for k, v := range params {
			query.Set(k, v)
		}
		target += "?" + query.Encode()
	} else {
		payload, err := sonic.ConfigStd.Marshal(params)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	r, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("X-Access-ID", c.cfg.APIKey)
	r.Header.Set("Authorization", Sign(c.cfg.Secret, params))
	if idemKey != "" {
		r.Header.Set("Idempotency-Key", idemKey)
	}

	resp, err := c.client.Do(r)
	if err != nil {
		return c.transportError(method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return c.transportError(method, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %s %s status %d", venue.ErrTransient, method, path, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound && method == http.MethodGet:
		return fmt.Errorf("%w: %s", venue.ErrOrderNotFound, path)
	case resp.StatusCode >= http.StatusInternalServerError:
		if method == http.MethodGet {
			return fmt.Errorf("%w: %s %s status %d", venue.ErrTransient, method, path, resp.StatusCode)
		}
		return fmt.Errorf("%w: %s %s status %d", venue.ErrAmbiguous, method, path, resp.StatusCode)
	}

	var envelope Response[struct{}]
	if err := sonic.ConfigStd.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("%w: decode %s response: %w", venue.ErrAmbiguous, path, err)
	}
	if envelope.Error.Code != 0 || resp.StatusCode >= http.StatusBadRequest {
		msg := envelope.Error.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return venue.Reject(c.cfg.Name, msg)
	}
	if err := sonic.ConfigStd.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode %s result: %w", venue.ErrAmbiguous, path, err)
	}
	return nil
}

// transportError classifies a failed round trip. A request that never left
// the host is transient; one that may have reached the venue is ambiguous
// unless it was a read.
func (c *Client) transportError(method string, err error) error {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return fmt.Errorf("%w: %s: %w", venue.ErrTransient, c.cfg.Name, err)
	}
	if method == http.MethodGet {
		return fmt.Errorf("%w: %s: %w", venue.ErrTransient, c.cfg.Name, err)
	}
	return fmt.Errorf("%w: %s: %w", venue.ErrAmbiguous, c.cfg.Name, err)
}
