// Package taskq implements the service-backed queue: a small HTTP companion
// service holding the queue, and a client that speaks to it.
//
// Endpoints:
//
//	PUT /task          enqueue one item (JSON object body)
//	GET /task          dequeue one item; 204 when empty
//	GET /size          {"size": n}
//	GET /id            {"id": "<service id>"}; doubles as the liveness probe
//	PUT /result/{id}   publish a job result
//	GET /result/{id}   collect a job result; 404 until it exists
package taskq

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/gocumulus/pkg/queue"
	"github.com/3leaps/gocumulus/pkg/retry"
)

const (
	// DeployProcess selects ProcessDeployer through TASKQ_DEPLOY.
	DeployProcess = "process"

	// DefaultLivenessAttempts and DefaultLivenessInterval bound the wait for
	// a freshly deployed service.
	DefaultLivenessAttempts = 30
	DefaultLivenessInterval = time.Second

	maxBody = 16 << 20
)

// StatusError is a non-success HTTP answer from the service.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("taskq %s: HTTP %d", e.Op, e.Code)
	}
	return fmt.Sprintf("taskq %s: HTTP %d: %s", e.Op, e.Code, e.Body)
}

// Unwrap reports server-side failures as queue.ErrUnavailable.
func (e *StatusError) Unwrap() error {
	if e.Code >= 500 || e.Code == http.StatusTooManyRequests {
		return queue.ErrUnavailable
	}
	return nil
}

// Client is a queue.Backend and queue.ResultChannel over the HTTP service.
type Client struct {
	base *url.URL
	http *http.Client
}

var (
	_ queue.Backend       = (*Client)(nil)
	_ queue.ResultChannel = (*Client)(nil)
)

// NewClient returns a client for the service at rawURL. It does not probe
// the service; see Connect.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(rawURL), "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("taskq: invalid service URL %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{base: u, http: httpClient}, nil
}

// Config configures Connect.
type Config struct {
	URL        string
	HTTPClient *http.Client

	// Deployer starts the service when it is not live. Nil means the service
	// must already be running.
	Deployer Deployer

	// Liveness bounds the wait after a deploy.
	Liveness retry.PollPolicy

	Logger *zap.Logger
}

// Connect returns a client for a live service. When the service does not
// answer its liveness probe, Connect deploys it once through cfg.Deployer and
// polls the probe until it answers or the liveness budget runs out.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := NewClient(cfg.URL, cfg.HTTPClient)
	if err != nil {
		return nil, err
	}
	if c.Alive(ctx) {
		return c, nil
	}
	if cfg.Deployer == nil {
		return nil, fmt.Errorf("%w: no taskq service at %s", queue.ErrUnavailable, c.base)
	}

	logger.Info("Deploying taskq service", zap.String("url", c.base.String()))
	if err := cfg.Deployer.Deploy(ctx, c.base.String()); err != nil {
		return nil, fmt.Errorf("taskq deploy: %w", err)
	}

	policy := cfg.Liveness
	if policy.Attempts == 0 {
		policy = retry.FixedPoll(DefaultLivenessAttempts, DefaultLivenessInterval).WithSleeper(policy.Sleeper)
	}
	_, stats, err := retry.Poll(ctx, policy, func(ctx context.Context, _ int) (struct{}, bool, error) {
		return struct{}{}, c.Alive(ctx), nil
	})
	if err != nil {
		if errors.Is(err, retry.ErrPollExhausted) {
			return nil, fmt.Errorf("%w: taskq service at %s not live after %d probes",
				queue.ErrUnavailable, c.base, stats.Attempts)
		}
		return nil, err
	}
	logger.Info("Taskq service is live",
		zap.String("url", c.base.String()),
		zap.Int("probes", stats.Attempts))
	return c, nil
}

func (c *Client) Kind() queue.Kind { return queue.KindTaskQ }

// URL returns the service base URL.
func (c *Client) URL() string { return c.base.String() }

func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body []byte) (int, []byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, rd)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		return 0, nil, fmt.Errorf("taskq %s: %w: %w", op, queue.ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return 0, nil, fmt.Errorf("taskq %s: %w: %w", op, queue.ErrUnavailable, err)
	}
	return resp.StatusCode, data, nil
}

func statusError(op string, code int, body []byte) error {
	return &StatusError{Op: op, Code: code, Body: strings.TrimSpace(string(body))}
}

// Alive reports whether the service answers its liveness probe.
func (c *Client) Alive(ctx context.Context) bool {
	_, err := c.ID(ctx)
	return err == nil
}

// ID returns the service instance id.
func (c *Client) ID(ctx context.Context) (string, error) {
	code, body, err := c.do(ctx, "id", http.MethodGet, "/id", nil)
	if err != nil {
		return "", err
	}
	if code != http.StatusOK {
		return "", statusError("id", code, body)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.ID == "" {
		return "", fmt.Errorf("taskq id: unexpected body %q", body)
	}
	return out.ID, nil
}

func (c *Client) Push(ctx context.Context, item queue.Item) error {
	data, err := queue.Encode(item)
	if err != nil {
		return err
	}
	code, body, err := c.do(ctx, "push", http.MethodPut, "/task", data)
	if err != nil {
		return err
	}
	if code/100 != 2 {
		return statusError("push", code, body)
	}
	return nil
}

func (c *Client) Pop(ctx context.Context) (queue.Item, bool, error) {
	code, body, err := c.do(ctx, "pop", http.MethodGet, "/task", nil)
	if err != nil {
		return nil, false, err
	}
	switch {
	case code == http.StatusNoContent:
		return nil, false, nil
	case code/100 != 2:
		return nil, false, statusError("pop", code, body)
	}
	item, ok := queue.Decode(body)
	return item, ok, nil
}

// Size asks the service for its depth. An unreadable answer counts as 0.
func (c *Client) Size(ctx context.Context) (int, error) {
	code, body, err := c.do(ctx, "size", http.MethodGet, "/size", nil)
	if err != nil {
		return 0, err
	}
	if code != http.StatusOK {
		return 0, statusError("size", code, body)
	}
	var out struct {
		Size int `json:"size"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, nil
	}
	return out.Size, nil
}

func (c *Client) PublishResult(ctx context.Context, r queue.Result) error {
	data, err := queue.EncodeResult(r)
	if err != nil {
		return err
	}
	code, body, err := c.do(ctx, "publish_result", http.MethodPut, "/result/"+url.PathEscape(r.JobID), data)
	if err != nil {
		return err
	}
	if code/100 != 2 {
		return statusError("publish_result", code, body)
	}
	return nil
}

func (c *Client) PollResult(ctx context.Context, jobID string) (*queue.Result, bool, error) {
	code, body, err := c.do(ctx, "poll_result", http.MethodGet, "/result/"+url.PathEscape(jobID), nil)
	if err != nil {
		return nil, false, err
	}
	switch {
	case code == http.StatusNotFound:
		return nil, false, nil
	case code != http.StatusOK:
		return nil, false, statusError("poll_result", code, body)
	}
	r, ok := queue.DecodeResult(body)
	if !ok {
		return nil, false, nil
	}
	return &r, true, nil
}
