package taskq

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/3leaps/gocumulus/pkg/faults"
	"github.com/3leaps/gocumulus/pkg/queue"
	"github.com/3leaps/gocumulus/pkg/retry"
)

func newServer(t *testing.T) (*Service, *Client) {
	t.Helper()
	svc := NewService(nil)
	ts := httptest.NewServer(svc.Handler())
	t.Cleanup(ts.Close)
	c, err := NewClient(ts.URL, ts.Client())
	require.NoError(t, err)
	return svc, c
}

func TestClientAgainstService(t *testing.T) {
	ctx := context.Background()
	svc, c := newServer(t)

	id, err := c.ID(ctx)
	require.NoError(t, err)
	assert.Equal(t, svc.ID(), id)
	assert.True(t, c.Alive(ctx))

	_, ok, err := c.Pop(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "empty queue pops as absent")

	require.NoError(t, c.Push(ctx, queue.Item{"job_id": "j1", "argv": []string{"x"}}))
	require.NoError(t, c.Push(ctx, queue.Item{"job_id": "j2"}))
	n, err := c.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	item, ok, err := c.Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "j1", item.String("job_id"))
	assert.Equal(t, []string{"x"}, item.Strings("argv"))

	assert.ErrorIs(t, c.Push(ctx, queue.Item{"": 1}), queue.ErrInvalidItem)
}

func TestResultsAgainstService(t *testing.T) {
	ctx := context.Background()
	_, c := newServer(t)

	_, ok, err := c.PollResult(ctx, "job/1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.PublishResult(ctx, queue.Result{JobID: "job/1", Status: queue.StatusSucceeded, Output: []byte("42")}))
	r, ok, err := c.PollResult(ctx, "job/1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "42", string(r.Output))
}

func TestService_RejectsBadBodies(t *testing.T) {
	svc := NewService(nil)
	h := svc.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/task", strings.NewReader("[1]")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/result/a", strings.NewReader(`{"job_id":"b","status":"failed"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/task", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestNewClient_InvalidURL(t *testing.T) {
	for _, raw := range []string{"", "localhost:8090", "://x"} {
		_, err := NewClient(raw, nil)
		assert.Error(t, err, raw)
	}
}

// lazyService answers only after it has been deployed.
func lazyService(t *testing.T) (*httptest.Server, *atomic.Bool) {
	t.Helper()
	var deployed atomic.Bool
	svc := NewService(nil)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !deployed.Load() {
			http.Error(w, "not deployed", http.StatusServiceUnavailable)
			return
		}
		svc.Handler().ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)
	return ts, &deployed
}

func TestConnect_DeploysOnceAndWaits(t *testing.T) {
	ts, deployed := lazyService(t)

	var deploys atomic.Int32
	var slept int
	deployer := DeployerFunc(func(ctx context.Context, url string) error {
		deploys.Add(1)
		assert.Equal(t, ts.URL, url)
		return nil
	})
	sleeper := retry.SleeperFunc(func(ctx context.Context, _ time.Duration) error {
		slept++
		if slept == 2 {
			deployed.Store(true)
		}
		return nil
	})

	c, err := Connect(context.Background(), Config{
		URL:        ts.URL,
		HTTPClient: ts.Client(),
		Deployer:   deployer,
		Liveness:   retry.FixedPoll(5, time.Second).WithSleeper(sleeper),
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), deploys.Load())
	assert.Equal(t, 2, slept, "liveness was polled until the service answered")
	assert.True(t, c.Alive(context.Background()))
}

func TestConnect_AlreadyLiveSkipsDeploy(t *testing.T) {
	ts, deployed := lazyService(t)
	deployed.Store(true)

	c, err := Connect(context.Background(), Config{
		URL:        ts.URL,
		HTTPClient: ts.Client(),
		Deployer: DeployerFunc(func(context.Context, string) error {
			t.Fatal("deployer must not run for a live service")
			return nil
		}),
	})
	require.NoError(t, err)
	assert.Equal(t, ts.URL, c.URL())
}

func TestConnect_LivenessExhausted(t *testing.T) {
	ts, _ := lazyService(t)

	_, err := Connect(context.Background(), Config{
		URL:        ts.URL,
		HTTPClient: ts.Client(),
		Deployer:   DeployerFunc(func(context.Context, string) error { return nil }),
		Liveness:   retry.FixedPoll(3, time.Second).WithSleeper(retry.NoSleep),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, queue.ErrUnavailable)
	assert.Contains(t, err.Error(), "after 3 probes")
}

func TestConnect_NoDeployer(t *testing.T) {
	ts, _ := lazyService(t)
	_, err := Connect(context.Background(), Config{URL: ts.URL, HTTPClient: ts.Client()})
	assert.ErrorIs(t, err, queue.ErrUnavailable)
}

func TestConnect_DeployFailure(t *testing.T) {
	ts, _ := lazyService(t)
	boom := errors.New("boom")
	_, err := Connect(context.Background(), Config{
		URL:        ts.URL,
		HTTPClient: ts.Client(),
		Deployer:   DeployerFunc(func(context.Context, string) error { return boom }),
	})
	assert.ErrorIs(t, err, boom)
}

func TestClient_ErrorMapping(t *testing.T) {
	transport := httpmock.NewMockTransport()
	c, err := NewClient("http://taskq.test:8090", &http.Client{Transport: transport})
	require.NoError(t, err)
	ctx := context.Background()

	transport.RegisterResponder(http.MethodGet, "http://taskq.test:8090/task",
		httpmock.NewStringResponder(http.StatusBadGateway, "upstream down"))
	transport.RegisterResponder(http.MethodPut, "http://taskq.test:8090/task",
		httpmock.NewStringResponder(http.StatusForbidden, "nope"))
	transport.RegisterResponder(http.MethodGet, "http://taskq.test:8090/size",
		httpmock.NewErrorResponder(errors.New("connection refused")))
	transport.RegisterResponder(http.MethodGet, "http://taskq.test:8090/id",
		httpmock.NewStringResponder(http.StatusOK, "not json"))

	_, _, err = c.Pop(ctx)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.Code)
	assert.True(t, queue.IsTransient(err))

	err = c.Push(ctx, queue.Item{"a": 1})
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusForbidden, se.Code)
	assert.False(t, queue.IsTransient(err))

	_, err = c.Size(ctx)
	assert.ErrorIs(t, err, queue.ErrUnavailable)

	assert.False(t, c.Alive(ctx))
}

func TestClient_RetryingDecorator(t *testing.T) {
	transport := httpmock.NewMockTransport()
	c, err := NewClient("http://taskq.test:8090", &http.Client{Transport: transport})
	require.NoError(t, err)

	transport.RegisterResponder(http.MethodPut, "http://taskq.test:8090/task",
		httpmock.NewStringResponder(http.StatusServiceUnavailable, ""))

	q := queue.WithRetry(c, retry.Fixed(4, 0).WithSleeper(retry.NoSleep), nil)
	err = q.Push(context.Background(), queue.Item{"a": 1})
	require.Error(t, err)
	assert.True(t, faults.IsTransient(err))
	assert.Equal(t, 4, transport.GetCallCountInfo()["PUT http://taskq.test:8090/task"])
}

func TestProcessDeployer_NeedsPort(t *testing.T) {
	err := ProcessDeployer{Executable: "/bin/true"}.Deploy(context.Background(), "http://localhost")
	assert.Error(t, err)
}

func TestProcessDeployer_ReapsExitedService(t *testing.T) {
	if _, err := os.Stat("/proc/self/stat"); err != nil {
		t.Skip("needs /proc")
	}
	core, logs := observer.New(zap.InfoLevel)
	d := ProcessDeployer{Executable: "/bin/true", Logger: zap.New(core)}
	require.NoError(t, d.Deploy(context.Background(), "http://127.0.0.1:18090"))

	started := logs.FilterMessage("Started taskq service process").All()
	require.Len(t, started, 1)
	pid := started[0].ContextMap()["pid"].(int64)

	// a reaped child disappears from /proc; a zombie would linger there
	require.Eventually(t, func() bool {
		_, err := os.Stat(fmt.Sprintf("/proc/%d", pid))
		return os.IsNotExist(err)
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return logs.FilterMessage("taskq service process exited").Len() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

