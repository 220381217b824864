package cmd

import (
	"bufio"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gocumulus/internal/server/handlers"
	"github.com/3leaps/gocumulus/pkg/dispatch"
	"github.com/3leaps/gocumulus/pkg/output"
)

const testManifest = `version: "1.0"
defaults:
  storage_backend_name: file
  storage_credentials:
    FILE_ROOT: ${TEST_FILE_ROOT}
jobs:
  - job_id: hello
    code_location: /b/hello.sh
    output_location: /b/out/hello.txt
  - job_id: missing
    code_location: /b/absent.sh
    output_location: /b/out/missing.txt
`

func writeManifest(t *testing.T, root string) string {
	t.Helper()
	t.Setenv("TEST_FILE_ROOT", root)
	path := filepath.Join(t.TempDir(), "batch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testManifest), 0o644))
	return path
}

func parseRecords(t *testing.T, out string) map[string][]output.Record {
	t.Helper()
	byType := map[string][]output.Record{}
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		var r output.Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r), sc.Text())
		byType[r.Type] = append(byType[r.Type], r)
	}
	return byType
}

func summaryOf(t *testing.T, recs map[string][]output.Record) output.SummaryRecord {
	t.Helper()
	require.Len(t, recs[output.TypeSummary], 1)
	var sum output.SummaryRecord
	require.NoError(t, json.Unmarshal(recs[output.TypeSummary][0].Data, &sum))
	return sum
}

func TestSubmit_InProcess(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "b"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b", "hello.sh"), []byte("echo hello\n"), 0o644))
	path := writeManifest(t, root)
	t.Setenv("GOCUMULUS_SECRET", "s3cret")

	out, err := runCLI(t, "", "submit", "-f", path, "--secret", "s3cret")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 jobs failed")

	recs := parseRecords(t, out)
	assert.Len(t, recs[output.TypeDisposition], 2)
	require.Len(t, recs[output.TypeResult], 2)

	sum := summaryOf(t, recs)
	assert.Equal(t, 2, sum.Jobs)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, 1, sum.Failed)

	data, err := os.ReadFile(filepath.Join(root, "b", "out", "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
}

func TestSubmit_BadSecret(t *testing.T) {
	path := writeManifest(t, t.TempDir())
	t.Setenv("GOCUMULUS_SECRET", "s3cret")

	out, err := runCLI(t, "", "submit", "-f", path, "--secret", "wrong")
	require.ErrorIs(t, err, dispatch.ErrBadSecret)
	assert.Empty(t, out)
}

func TestSubmit_ManifestErrors(t *testing.T) {
	_, err := runCLI(t, "", "submit", "-f", filepath.Join(t.TempDir(), "none.yaml"))
	var ce *cliError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, err.Error(), "Manifest not found")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("version: \"1.0\"\njobs: []\n"), 0o644))
	_, err = runCLI(t, "", "submit", "-f", bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid manifest")
}

func mockServer(t *testing.T) *httpmock.MockTransport {
	t.Helper()
	mt := httpmock.NewMockTransport()
	apiHTTPClient = &http.Client{Transport: mt}
	return mt
}

func TestSubmit_RemoteServer(t *testing.T) {
	path := writeManifest(t, "/unused")
	mt := mockServer(t)

	var got handlers.SubmitRequest
	mt.RegisterResponder(http.MethodPost, "http://dispatch:8080/v1/jobs",
		func(req *http.Request) (*http.Response, error) {
			if err := json.NewDecoder(req.Body).Decode(&got); err != nil {
				return httpmock.NewStringResponse(http.StatusBadRequest, ""), nil
			}
			return httpmock.NewJsonResponse(http.StatusAccepted, handlers.SubmitResponse{Jobs: []dispatch.Submission{
				{JobID: "hello", Disposition: dispatch.DispositionLocal},
				{JobID: "missing", Disposition: dispatch.DispositionRejected, ErrorDetail: "code missing"},
			}})
		})
	mt.RegisterResponder(http.MethodGet, "http://dispatch:8080/v1/jobs/hello",
		httpmock.NewJsonResponderOrPanic(http.StatusOK, handlers.JobView{
			JobID: "hello", Status: dispatch.StatusSucceeded, Output: "hello\n",
		}))

	out, err := runCLI(t, "", "submit", "-f", path, "--secret", "s3cret", "--server", "http://dispatch:8080/")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 jobs failed")

	assert.Equal(t, "s3cret", got.Secret)
	require.Len(t, got.Jobs, 2)
	assert.Equal(t, "/unused", got.Jobs[0].StorageCredentials["FILE_ROOT"])

	recs := parseRecords(t, out)
	assert.Len(t, recs[output.TypeDisposition], 2)
	require.Len(t, recs[output.TypeResult], 1)
	var res output.ResultRecord
	require.NoError(t, json.Unmarshal(recs[output.TypeResult][0].Data, &res))
	assert.Equal(t, "hello\n", res.Output)

	sum := summaryOf(t, recs)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, mt.GetCallCountInfo()["GET http://dispatch:8080/v1/jobs/hello"])
}

func TestSubmit_RemoteNoWait(t *testing.T) {
	path := writeManifest(t, "/unused")
	mt := mockServer(t)
	mt.RegisterResponder(http.MethodPost, "http://dispatch/v1/jobs",
		httpmock.NewJsonResponderOrPanic(http.StatusAccepted, handlers.SubmitResponse{Jobs: []dispatch.Submission{
			{JobID: "hello", Disposition: dispatch.DispositionDelegated, Nodes: []string{"10.0.0.1"}},
			{JobID: "missing", Disposition: dispatch.DispositionLocal},
		}}))

	out, err := runCLI(t, "", "submit", "-f", path, "--server", "http://dispatch", "--no-wait")
	require.NoError(t, err)

	sum := summaryOf(t, parseRecords(t, out))
	assert.Equal(t, 2, sum.Delegated)
	assert.Equal(t, 1, mt.GetTotalCallCount())
}

func TestSubmit_RemoteBadSecret(t *testing.T) {
	path := writeManifest(t, "/unused")
	mt := mockServer(t)
	mt.RegisterResponder(http.MethodPost, "http://dispatch/v1/jobs",
		httpmock.NewStringResponder(http.StatusForbidden,
			`{"error":{"code":"BAD_SECRET","message":"bad secret"}}`))

	_, err := runCLI(t, "", "submit", "-f", path, "--server", "http://dispatch")
	require.ErrorIs(t, err, dispatch.ErrBadSecret)
}

func TestOpenDestination(t *testing.T) {
	var sb strings.Builder
	w, closeFn, err := openDestination("stdout", &sb)
	require.NoError(t, err)
	assert.Same(t, &sb, w)
	closeFn()

	path := filepath.Join(t.TempDir(), "out.jsonl")
	_, closeFn, err = openDestination("file:"+path, &sb)
	require.NoError(t, err)
	closeFn()
	assert.FileExists(t, path)

	_, _, err = openDestination("s3://bucket", &sb)
	assert.Error(t, err)
	_, _, err = openDestination("file:", &sb)
	assert.Error(t, err)
}
