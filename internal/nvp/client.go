// Package nvp is a client for the controller's /ws.v1 REST API. Requests are
// spread round robin over the configured connections; transport failures and
// 5xx answers are retried with exponential backoff and, once retries run out,
// surface as errdefs Unreachable so callers can tell a dead controller from an
// exhausted pool. A POST is resent only when it never reached a controller.
package nvp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"quark/config"
	"quark/internal/errdefs"
	"quark/internal/logs"
	"quark/internal/metrics"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultRetryDelay is the base backoff between attempts.
const DefaultRetryDelay = 200 * time.Millisecond

// RemoteError is a non-retryable answer from the controller.
type RemoteError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("controller %s %s: %d %s", e.Method, e.Path, e.Status, e.Body)
}

// Client talks to one controller cluster. It is safe for concurrent use and
// holds no per-request state besides the round robin index.
type Client struct {
	conns      []connection
	idx        atomic.Uint32
	retryDelay time.Duration
	log        *logrus.Entry
}

type connection struct {
	cfg     config.Connection
	baseURL string
	http    *http.Client
}

type Option func(*options)

type options struct {
	transport  http.RoundTripper
	retryDelay time.Duration
}

// WithTransport replaces the HTTP transport of every connection.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

func WithRetryDelay(d time.Duration) Option {
	return func(o *options) { o.retryDelay = d }
}

func NewClient(conns []config.Connection, opts ...Option) (*Client, error) {
	if len(conns) == 0 {
		return nil, errors.New("nvp: no controller connections")
	}
	o := options{transport: http.DefaultTransport, retryDelay: DefaultRetryDelay}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{retryDelay: o.retryDelay, log: logs.For("nvp")}
	for _, cfg := range conns {
		scheme := "http"
		if cfg.Port == "443" {
			scheme = "https"
		}
		redirects := cfg.Redirects
		c.conns = append(c.conns, connection{
			cfg:     cfg,
			baseURL: fmt.Sprintf("%s://%s:%s", scheme, cfg.Host, cfg.Port),
			http: &http.Client{
				Transport: o.transport,
				Timeout:   cfg.HTTPTimeout,
				CheckRedirect: func(_ *http.Request, via []*http.Request) error {
					if len(via) > redirects {
						return fmt.Errorf("stopped after %d redirects", redirects)
					}
					return nil
				},
			},
		})
	}
	return c, nil
}

func (c *Client) current() connection {
	return c.conns[int(c.idx.Load())%len(c.conns)]
}

// advance moves the round robin index past a failing connection.
func (c *Client) advance() {
	c.idx.Add(1)
}

// do sends one request with retries. in and out may be nil.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out interface{}) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		body = b
	}

	conn := c.current()
	attempts := conn.cfg.Retries + 1
	if conn.cfg.ReqTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, conn.cfg.ReqTimeout)
		defer cancel()
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			delay := c.retryDelay * time.Duration(1<<uint(i-1))
			select {
			case <-ctx.Done():
				return errdefs.Unreachable(ctx.Err(), conn.baseURL)
			case <-time.After(delay):
			}
			conn = c.current()
		}

		status, respBody, err := c.send(ctx, conn, method, path, query, body)
		if err != nil {
			c.log.WithFields(logrus.Fields{"endpoint": conn.baseURL, "attempt": i + 1}).
				WithError(err).Warn("controller request failed")
			c.advance()
			lastErr = errdefs.Unreachable(err, conn.baseURL)
			if !resendable(method, err) {
				return lastErr
			}
			continue
		}

		switch {
		case status >= 500:
			c.advance()
			lastErr = errdefs.Unreachable(&RemoteError{Method: method, Path: path, Status: status, Body: string(respBody)}, conn.baseURL)
			if !resendable(method, nil) {
				return lastErr
			}
			continue
		case status == http.StatusNotFound:
			return errdefs.NotFound("controller %s %s: not found", method, path)
		case status >= 400:
			return &RemoteError{Method: method, Path: path, Status: status, Body: string(respBody)}
		}

		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return errors.Wrapf(err, "decode %s %s", method, path)
			}
		}
		return nil
	}
	return lastErr
}

// resendable reports whether a failed attempt may go out again. A POST that
// reached the controller may have created its object, so only a POST that
// failed to dial is resent.
func resendable(method string, err error) bool {
	if method != http.MethodPost {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func (c *Client) send(ctx context.Context, conn connection, method, path string, query url.Values, body []byte) (int, []byte, error) {
	u := conn.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if conn.cfg.Username != "" {
		req.SetBasicAuth(conn.cfg.Username, conn.cfg.Password)
	}

	start := time.Now()
	resp, err := conn.http.Do(req)
	metrics.RemoteRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RemoteRequests.WithLabelValues(method, "0").Inc()
		return 0, nil, err
	}
	defer resp.Body.Close()
	metrics.RemoteRequests.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, b, nil
}
