package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frozenspider/rosetta/internal/dispatch"
	"github.com/frozenspider/rosetta/internal/jobs"
	"github.com/frozenspider/rosetta/internal/persistence"
	"github.com/frozenspider/rosetta/internal/service"
	"github.com/frozenspider/rosetta/internal/translator"
)

type translatorFunc func(ctx context.Context, req translator.Request) (string, error)

func (f translatorFunc) Translate(ctx context.Context, req translator.Request) (string, error) {
	return f(ctx, req)
}

func newTestServer(t *testing.T) (*httptest.Server, *service.Orchestrator) {
	t.Helper()

	store, err := persistence.NewSQLiteStore(filepath.Join(t.TempDir(), "rosetta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	dispatcher := dispatch.New(store, translatorFunc(func(ctx context.Context, req translator.Request) (string, error) {
		return "fr:" + req.Text, nil
	}), dispatch.Config{Workers: 2, MaxAttempts: 2, Backoff: dispatch.Backoff{Base: time.Millisecond, Cap: 2 * time.Millisecond}})

	orchestrator := service.NewOrchestrator(store, dispatcher)
	srv := httptest.NewServer(NewServer(orchestrator).Handler())
	t.Cleanup(srv.Close)
	return srv, orchestrator
}

func writeInput(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "doc.md")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func postJSON(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestServer_SubmitAndStatus(t *testing.T) {
	t.Parallel()

	srv, orchestrator := newTestServer(t)
	input := writeInput(t, "Hello over HTTP.\n")

	body, err := json.Marshal(service.SubmitRequest{
		InputPath:  input,
		SourceLang: "en",
		TargetLang: "fr",
	})
	require.NoError(t, err)

	resp := postJSON(t, srv.URL+"/api/jobs", string(body))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var job jobs.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	assert.NotEmpty(t, job.ID)

	orchestrator.Wait()

	statusResp, err := http.Get(srv.URL + "/api/jobs/" + job.ID)
	require.NoError(t, err)
	defer statusResp.Body.Close()
	require.Equal(t, http.StatusOK, statusResp.StatusCode)

	var snapshot service.Snapshot
	require.NoError(t, json.NewDecoder(statusResp.Body).Decode(&snapshot))
	assert.Equal(t, jobs.StateCompleted, snapshot.State)
	assert.Equal(t, 1, snapshot.Completed)
	assert.Equal(t, 1, snapshot.Total)
}

func TestServer_ListJobs(t *testing.T) {
	t.Parallel()

	srv, orchestrator := newTestServer(t)
	input := writeInput(t, "One paragraph.\n")

	body, err := json.Marshal(service.SubmitRequest{InputPath: input, SourceLang: "en", TargetLang: "fr"})
	require.NoError(t, err)
	resp := postJSON(t, srv.URL+"/api/jobs", string(body))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	orchestrator.Wait()

	listResp, err := http.Get(srv.URL + "/api/jobs")
	require.NoError(t, err)
	defer listResp.Body.Close()
	require.Equal(t, http.StatusOK, listResp.StatusCode)

	var snapshots []service.Snapshot
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&snapshots))
	require.Len(t, snapshots, 1)
	assert.Equal(t, jobs.StateCompleted, snapshots[0].State)
}

func TestServer_SubmitValidationErrors(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/jobs", "{not json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/api/jobs", `{"target_lang":"fr"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_UnknownJob(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/jobs/job-nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	cancelResp := postJSON(t, srv.URL+"/api/jobs/job-nope/cancel", "")
	assert.Equal(t, http.StatusNotFound, cancelResp.StatusCode)
}

func TestServer_CancelCompletedJobIsRejected(t *testing.T) {
	t.Parallel()

	srv, orchestrator := newTestServer(t)
	input := writeInput(t, "Done quickly.\n")

	job, err := orchestrator.Submit(context.Background(), service.SubmitRequest{
		InputPath: input, SourceLang: "en", TargetLang: "fr",
	})
	require.NoError(t, err)
	orchestrator.Wait()

	resp := postJSON(t, srv.URL+"/api/jobs/"+job.ID+"/cancel", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_DeleteJob(t *testing.T) {
	t.Parallel()

	srv, orchestrator := newTestServer(t)
	input := writeInput(t, "Delete me.\n")

	job, err := orchestrator.Submit(context.Background(), service.SubmitRequest{
		InputPath: input, SourceLang: "en", TargetLang: "fr",
	})
	require.NoError(t, err)
	orchestrator.Wait()

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/jobs/"+job.ID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	getResp, err := http.Get(srv.URL + "/api/jobs/" + job.ID)
	require.NoError(t, err)
	defer getResp.Body.Close()
	assert.Equal(t, http.StatusNotFound, getResp.StatusCode)
}

func TestServer_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/api/jobs", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
