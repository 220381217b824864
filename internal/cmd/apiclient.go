package cmd

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

	"github.com/hashicorp/go-retryablehttp"

	apperrors "github.com/3leaps/gocumulus/internal/errors"
	"github.com/3leaps/gocumulus/internal/server/handlers"
	"github.com/3leaps/gocumulus/pkg/dispatch"
	"github.com/3leaps/gocumulus/pkg/retry"
)

var errServerUnavailable = errors.New("server unavailable")

var defaultAPIHTTPClient = &http.Client{Timeout: 30 * time.Second}

// apiHTTPClient is swapped in tests.
var apiHTTPClient = defaultAPIHTTPClient

// apiClient talks to the /v1 API of a running server. Submissions are sent
// once; lookups retry connection errors and 5xx responses.
type apiClient struct {
	base   *url.URL
	http   *http.Client
	lookup *http.Client
}

func newAPIClient(rawURL string) (*apiClient, error) {
	u, err := url.Parse(strings.TrimSuffix(rawURL, "/"))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server URL %q must be http or https", rawURL)
	}
	return &apiClient{base: u, http: apiHTTPClient, lookup: retryingClient(apiHTTPClient)}, nil
}

func retryingClient(hc *http.Client) *http.Client {
	rc := retryablehttp.NewClient()
	rc.HTTPClient = hc
	rc.Logger = nil
	rc.RetryMax = 3
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	// Hand the last response back so error envelopes still decode.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return rc.StandardClient()
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	hc := c.http
	if method == http.MethodGet {
		hc = c.lookup
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", errServerUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(io.LimitReader(resp.Body, handlers.MaxSubmitBytes))
	if err != nil {
		return err
	}

	if resp.StatusCode >= 300 {
		return responseError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// responseError turns an error envelope back into the matching sentinel
// where callers branch on it.
func responseError(status int, data []byte) error {
	var env apperrors.HTTPErrorResponse
	if err := json.Unmarshal(data, &env); err != nil || env.Error.Code == "" {
		return fmt.Errorf("server returned %d", status)
	}
	err := fmt.Errorf("%s: %s", env.Error.Code, env.Error.Message)
	switch {
	case env.Error.Code == apperrors.CodeBadSecret:
		return fmt.Errorf("%w: %s", dispatch.ErrBadSecret, env.Error.Message)
	case env.Error.Code == apperrors.CodeNotFound:
		return fmt.Errorf("%w: %s", dispatch.ErrJobNotFound, env.Error.Message)
	case status == http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %v", errServerUnavailable, err)
	}
	return err
}

func (c *apiClient) Submit(ctx context.Context, secret string, descs []dispatch.JobDescriptor) ([]dispatch.Submission, error) {
	var resp handlers.SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/v1/jobs", handlers.SubmitRequest{Secret: secret, Jobs: descs}, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

func (c *apiClient) Job(ctx context.Context, id string) (handlers.JobView, error) {
	var v handlers.JobView
	err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(id), nil, &v)
	return v, err
}

// WaitJob polls a job until it leaves the delegated state.
func (c *apiClient) WaitJob(ctx context.Context, id string, attempts int, interval time.Duration) (handlers.JobView, error) {
	v, _, err := retry.Poll(ctx, retry.FixedPoll(attempts, interval), func(ctx context.Context, _ int) (handlers.JobView, bool, error) {
		v, err := c.Job(ctx, id)
		if err != nil {
			return v, false, err
		}
		return v, v.Status != dispatch.StatusDelegated, nil
	})
	return v, err
}
