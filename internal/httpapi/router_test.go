package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/adapters/storage/localfs"
	"loom/internal/admission"
	"loom/internal/delivery"
	"loom/internal/httpapi/handlers"
	"loom/internal/ports"
	"loom/internal/queue"
	"loom/internal/quota"
	"loom/internal/status"
	"loom/internal/store"
)

func putInput(key string, content []byte) ports.PutObjectInput {
	return ports.PutObjectInput{
		ObjectKey:   key,
		ContentType: "video/mp4",
		Reader:      bytes.NewReader(content),
		Size:        int64(len(content)),
	}
}

type testEnv struct {
	router http.Handler
	store  *store.Memory
	queue  *queue.Memory
	sp     *localfs.LocalFS
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := store.NewMemory()
	q := queue.NewMemory()
	sp := localfs.New(t.TempDir())
	guard := quota.NewMemoryGuard(quota.Limits{
		StandardMonthly:    100,
		PriorityMonthly:    1000,
		BurstWindowSeconds: 60,
		BurstMax:           1000,
	})

	cfg := admission.DefaultConfig()
	router := NewRouter(handlers.Deps{
		Admission: admission.New(st, q, guard, cfg, nil),
		Status:    status.New(st, q, cfg.AvgJobDurationSeconds, nil),
		Delivery:  delivery.New(st, sp, nil),
		Store:     st,
	})
	return &testEnv{router: router, store: st, queue: q, sp: sp}
}

func (env *testEnv) do(method, path, owner, body string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if owner != "" {
		req.Header.Set("X-Owner-ID", owner)
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func decodeJob(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	j, ok := resp["job"].(map[string]any)
	require.True(t, ok, "missing job envelope: %s", w.Body.String())
	return j
}

func TestPostJobRequiresOwner(t *testing.T) {
	env := newTestEnv(t)

	w := env.do("POST", "/jobs", "", `{"scene":"intro"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	var resp map[string]map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "UNAUTHORIZED", resp["error"]["code"])
}

func TestPostJobAccepted(t *testing.T) {
	env := newTestEnv(t)

	w := env.do("POST", "/jobs", "owner_a", `{"scene":"intro"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	j := decodeJob(t, w)
	assert.Equal(t, "pending", j["status"])
	assert.EqualValues(t, 1, j["position"])
	assert.NotEmpty(t, j["job_id"])
}

func TestPostJobValidation(t *testing.T) {
	env := newTestEnv(t)

	w := env.do("POST", "/jobs", "owner_a", `[]`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetJobStatus(t *testing.T) {
	env := newTestEnv(t)

	w := env.do("POST", "/jobs", "owner_a", `{"scene":"intro"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	jobID := decodeJob(t, w)["job_id"].(string)

	w = env.do("GET", "/jobs/"+jobID, "owner_a", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pending", decodeJob(t, w)["status"])

	// Another owner gets 403, an unknown id 404.
	w = env.do("GET", "/jobs/"+jobID, "owner_b", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = env.do("GET", "/jobs/job_nope", "owner_a", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListJobs(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 3; i++ {
		w := env.do("POST", "/jobs", "owner_a", `{"scene":"intro"}`)
		require.Equal(t, http.StatusAccepted, w.Code)
	}
	w := env.do("POST", "/jobs", "owner_b", `{"scene":"intro"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	w = env.do("GET", "/jobs", "owner_a", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Jobs []map[string]any `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Jobs, 3)
}

func TestDownloadFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	w := env.do("POST", "/jobs", "owner_a", `{"scene":"intro"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	jobID := decodeJob(t, w)["job_id"].(string)

	// Not finished yet.
	w = env.do("GET", "/jobs/"+jobID+"/download", "owner_a", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Complete the job by hand, artifact included.
	content := []byte("rendered video bytes")
	key := "artifacts/" + jobID + "/render.mp4"
	_, err := env.sp.PutObject(ctx, putInput(key, content))
	require.NoError(t, err)
	now := time.Now().UTC()
	_, err = env.store.Claim(ctx, jobID, now)
	require.NoError(t, err)
	require.NoError(t, env.store.MarkCompleted(ctx, jobID, key, int64(len(content)), now, now.Add(time.Hour)))

	w = env.do("GET", "/jobs/"+jobID+"/download", "owner_a", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(content), w.Body.String())
	assert.Equal(t, "video/mp4", w.Header().Get("Content-Type"))

	// One-shot: the second attempt is rejected.
	w = env.do("GET", "/jobs/"+jobID+"/download", "owner_a", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRetryFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	w := env.do("POST", "/jobs", "owner_a", `{"scene":"intro"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	jobID := decodeJob(t, w)["job_id"].(string)

	// Fail the first attempt by hand.
	_, err := env.store.Claim(ctx, jobID, time.Now())
	require.NoError(t, err)
	require.NoError(t, env.store.MarkFailed(ctx, jobID, "render timeout"))

	w = env.do("POST", "/jobs/"+jobID+"/retry", "owner_a", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	j := decodeJob(t, w)
	assert.Equal(t, "pending", j["status"])
	assert.EqualValues(t, 1, j["attempts"])

	// A pending job cannot be retried again.
	w = env.do("POST", "/jobs/"+jobID+"/retry", "owner_a", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do("GET", "/health", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
}
