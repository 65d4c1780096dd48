package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"

	"tradecore/internal/api"
	"tradecore/internal/schema"
)

type client struct {
	base string
	http *http.Client
}

func newClient(base string, timeout time.Duration) *client {
	return &client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

func (c *client) control(ctx context.Context, out io.Writer, kind schema.CommandKind, operator, approver, key, reason string) error {
	body, err := sonic.ConfigStd.Marshal(api.ControlRequest{Reason: reason})
	if err != nil {
		return errors.Wrap(err, "encode request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/control/"+string(kind), bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(api.HeaderOperator, operator)
	req.Header.Set(api.HeaderIdempotencyKey, key)
	if approver != "" {
		req.Header.Set(api.HeaderApprover, approver)
	}
	return c.do(req, out)
}

func (c *client) get(ctx context.Context, out io.Writer, path string, query map[string]string) error {
	u, err := url.Parse(c.base + path)
	if err != nil {
		return errors.Wrap(err, "parse url")
	}
	q := u.Query()
	for k, v := range query {
		if v != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	return c.do(req, out)
}

func (c *client) do(req *http.Request, out io.Writer) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", req.Method, req.URL.Path)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var e api.ErrorResponse
		if err := sonic.ConfigStd.Unmarshal(raw, &e); err == nil && e.Code != "" {
			return errors.Errorf("%s (%d): %s", e.Code, resp.StatusCode, e.Message)
		}
		return errors.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var pretty bytes.Buffer
	var v any
	if err := sonic.ConfigStd.Unmarshal(raw, &v); err != nil {
		pretty.Write(raw)
	} else if b, err := sonic.ConfigStd.MarshalIndent(v, "", "  "); err == nil {
		pretty.Write(b)
	} else {
		pretty.Write(raw)
	}
	pretty.WriteByte('\n')
	_, err = out.Write(pretty.Bytes())
	return err
}
