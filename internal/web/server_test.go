package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/vdyp-batch/internal/batch"
	"github.com/JonMunkholm/vdyp-batch/internal/config"
	"github.com/JonMunkholm/vdyp-batch/internal/core"
	"github.com/JonMunkholm/vdyp-batch/internal/fault"
	"github.com/JonMunkholm/vdyp-batch/internal/ledger"
	"github.com/JonMunkholm/vdyp-batch/internal/metrics"
	"github.com/JonMunkholm/vdyp-batch/internal/projection"
	"github.com/JonMunkholm/vdyp-batch/internal/store"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func echoEngine(_ context.Context, req projection.Request, sink projection.Sink) error {
	w, err := sink.CreateYieldTable()
	if err != nil {
		return err
	}
	defer w.Close()

	if _, err := io.WriteString(w, "TABLE_NUM,FEATURE_ID,DISTRICT,MAP_ID,POLYGON_ID,LAYER_ID,AGE\n"); err != nil {
		return err
	}
	sc := bufio.NewScanner(req.Polygons)
	for sc.Scan() {
		key := strings.SplitN(sc.Text(), ",", 2)[0]
		if _, err := fmt.Fprintf(w, "0,%s,D1,M1,P1,1,10\n", key); err != nil {
			return err
		}
	}
	return sc.Err()
}

func newTestServer(t *testing.T, security config.SecurityConfig) *Server {
	t.Helper()
	return newTestServerWithEngine(t, security, projection.EngineFunc(echoEngine))
}

func newTestServerWithEngine(t *testing.T, security config.SecurityConfig, engine projection.Engine) *Server {
	t.Helper()
	ctx := context.Background()

	pool, err := batch.NewPool(2, 4, 2)
	require.NoError(t, err)
	t.Cleanup(pool.Shutdown)

	reg := prometheus.NewRegistry()
	rec, err := metrics.NewPrometheus(reg, "vdyp_batch_test")
	require.NoError(t, err)

	l := ledger.New(rec)
	orch, err := batch.NewOrchestrator(batch.Config{
		GridSize:         2,
		ChunkSize:        2,
		RetryMaxAttempts: 2,
		SkipMaxCount:     5,
		MinValidFileSize: 1,
		CleanupEnabled:   true,
	}, pool, engine, l, discard)
	require.NoError(t, err)

	st, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	svc, err := core.NewService(core.Options{
		Orchestrator: orch,
		Ledger:       l,
		Store:        st,
		Recorder:     rec,
		WorkDir:      t.TempDir(),
		Logger:       discard,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})

	return NewServer(svc, Options{
		Security:       security,
		MaxUploadSize:  1 << 20,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Logger:         discard,
	})
}

func do(t *testing.T, s *Server, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	return rr
}

// multipartStart builds an upload start request for n polygons. fields are
// extra form fields given as name, value pairs.
func multipartStart(t *testing.T, n int, fields ...string) *http.Request {
	t.Helper()
	var poly, layer strings.Builder
	poly.WriteString("FEATURE_ID,MAP_ID,POLYGON_NUMBER\n")
	layer.WriteString("FEATURE_ID,LAYER_ID,SPECIES_CODE\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&poly, "F%03d,M1,%d\n", i, i)
		fmt.Fprintf(&layer, "F%03d,1,PL\n", i)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("parameters", `{"outputFormat":"CSVYieldTable"}`))
	require.NoError(t, mw.WriteField("partitionCount", "2"))
	for i := 0; i+1 < len(fields); i += 2 {
		require.NoError(t, mw.WriteField(fields[i], fields[i+1]))
	}
	for field, content := range map[string]string{"polygonFile": poly.String(), "layerFile": layer.String()} {
		fw, err := mw.CreateFormFile(field, field+".csv")
		require.NoError(t, err)
		_, err = io.WriteString(fw, content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/batch/start", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func startJob(t *testing.T, s *Server) startResponse {
	t.Helper()
	rr := do(t, s, multipartStart(t, 5))
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	return decode[startResponse](t, rr)
}

func waitCompleted(t *testing.T, s *Server, jobID int64) core.JobStatus {
	t.Helper()
	var st core.JobStatus
	require.Eventually(t, func() bool {
		rr := do(t, s, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/batch/status/%d", jobID), nil))
		if rr.Code != http.StatusOK {
			return false
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &st); err != nil {
			return false
		}
		return !st.Running && batch.State(st.Status).Terminal()
	}, 10*time.Second, 20*time.Millisecond)
	return st
}

func TestServer_StartStatusDownload(t *testing.T) {
	s := newTestServer(t, config.SecurityConfig{})

	started := startJob(t, s)
	assert.NotZero(t, started.JobExecutionID)
	assert.NotEmpty(t, started.JobGUID)
	assert.Equal(t, 2, started.PartitionCount)

	st := waitCompleted(t, s, started.JobExecutionID)
	assert.Equal(t, string(batch.StateCompleted), st.Status)
	require.NotNil(t, st.Progress)
	assert.EqualValues(t, 5, st.Progress.Processed)

	rr := do(t, s, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/batch/download/%d", started.JobExecutionID), nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/zip", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Header().Get("Content-Disposition"), "attachment")
	assert.True(t, bytes.HasPrefix(rr.Body.Bytes(), []byte("PK")))

	rr = do(t, s, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/batch/metrics/%d", started.JobExecutionID), nil))
	require.Equal(t, http.StatusOK, rr.Code)
	m := decode[map[string]any](t, rr)
	assert.EqualValues(t, 5, m["totalRecordsRead"])
	assert.Contains(t, m["duration"], "seconds")
	assert.Contains(t, m, "partitionMetrics")

	rr = do(t, s, httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/batch/stop/%d", started.JobExecutionID), nil))
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "JOB002", decode[ErrorResponse](t, rr).Code)
}

func TestServer_StartRejectsBadRequests(t *testing.T) {
	s := newTestServer(t, config.SecurityConfig{})

	tests := []struct {
		name   string
		req    func() *http.Request
		status int
		code   string
	}{
		{
			name: "empty json body",
			req: func() *http.Request {
				return httptest.NewRequest(http.MethodPost, "/api/batch/start", nil)
			},
			status: http.StatusBadRequest,
			code:   "CFG001",
		},
		{
			name: "malformed json",
			req: func() *http.Request {
				r := httptest.NewRequest(http.MethodPost, "/api/batch/start", strings.NewReader("{"))
				r.Header.Set("Content-Type", "application/json")
				return r
			},
			status: http.StatusBadRequest,
			code:   codeBadBody,
		},
		{
			name: "object ids without object store",
			req: func() *http.Request {
				r := httptest.NewRequest(http.MethodPost, "/api/batch/start",
					strings.NewReader(`{"polygonObjectId":"p.csv","layerObjectId":"l.csv"}`))
				r.Header.Set("Content-Type", "application/json")
				return r
			},
			status: http.StatusBadRequest,
			code:   "CFG001",
		},
		{
			name: "bad partition count",
			req: func() *http.Request {
				var body bytes.Buffer
				mw := multipart.NewWriter(&body)
				_ = mw.WriteField("partitionCount", "many")
				_ = mw.Close()
				r := httptest.NewRequest(http.MethodPost, "/api/batch/start", &body)
				r.Header.Set("Content-Type", mw.FormDataContentType())
				return r
			},
			status: http.StatusBadRequest,
			code:   codeBadNumber,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, s, tt.req())
			assert.Equal(t, tt.status, rr.Code)
			assert.Equal(t, tt.code, decode[ErrorResponse](t, rr).Code)
		})
	}
}

func TestServer_StartWithJobLimits(t *testing.T) {
	// Every chunk of a job fails twice with a retryable, non-skippable fault,
	// one more failure than the default of two attempts can absorb.
	var mu sync.Mutex
	failures := make(map[string]int)
	engine := projection.EngineFunc(func(ctx context.Context, req projection.Request, sink projection.Sink) error {
		mu.Lock()
		key := fmt.Sprintf("%d/%s", req.JobID, req.Chunk.FirstKey)
		failures[key]++
		n := failures[key]
		mu.Unlock()
		if n <= 2 {
			return fault.New(fault.CategoryResultStorage, "write fragment", errors.New("disk busy"))
		}
		return echoEngine(ctx, req, sink)
	})
	s := newTestServerWithEngine(t, config.SecurityConfig{}, engine)

	rr := do(t, s, multipartStart(t, 4))
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	st := waitCompleted(t, s, decode[startResponse](t, rr).JobExecutionID)
	assert.Equal(t, string(batch.StateFailed), st.Status)

	rr = do(t, s, multipartStart(t, 4, "maxRetryAttempts", "3", "retryBackoffPeriod", "1"))
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	st = waitCompleted(t, s, decode[startResponse](t, rr).JobExecutionID)
	assert.Equal(t, string(batch.StateCompleted), st.Status)
	assert.EqualValues(t, 4, st.Progress.Processed)

	rr = do(t, s, multipartStart(t, 1, "maxSkipCount", "-1"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "CFG001", decode[ErrorResponse](t, rr).Code)

	rr = do(t, s, multipartStart(t, 1, "retryBackoffPeriod", "soon"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, codeBadNumber, decode[ErrorResponse](t, rr).Code)
}

func TestServer_JobIDErrors(t *testing.T) {
	s := newTestServer(t, config.SecurityConfig{})

	rr := do(t, s, httptest.NewRequest(http.MethodGet, "/api/batch/status/abc", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, codeBadJobID, decode[ErrorResponse](t, rr).Code)

	for _, path := range []string{"/api/batch/status/999", "/api/batch/metrics/999", "/api/batch/download/999"} {
		rr := do(t, s, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, rr.Code, path)
		assert.Equal(t, "JOB001", decode[ErrorResponse](t, rr).Code, path)
	}
}

func TestServer_Jobs(t *testing.T) {
	s := newTestServer(t, config.SecurityConfig{})
	started := startJob(t, s)
	waitCompleted(t, s, started.JobExecutionID)

	rr := do(t, s, httptest.NewRequest(http.MethodGet, "/api/batch/jobs", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	jobs := decode[jobsResponse](t, rr)
	assert.Equal(t, defaultJobsLimit, jobs.Limit)
	assert.Equal(t, 1, jobs.TotalCount)
	require.Len(t, jobs.Jobs, 1)
	assert.Equal(t, started.JobExecutionID, jobs.Jobs[0].ID)

	rr = do(t, s, httptest.NewRequest(http.MethodGet, "/api/batch/jobs?limit=0", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestServer_Statistics(t *testing.T) {
	s := newTestServer(t, config.SecurityConfig{})
	started := startJob(t, s)
	waitCompleted(t, s, started.JobExecutionID)

	rr := do(t, s, httptest.NewRequest(http.MethodGet, "/api/batch/statistics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	stats := decode[statisticsResponse](t, rr)
	assert.Equal(t, 1, stats.SystemOverview.TotalJobs)
	assert.Equal(t, 1, stats.SystemOverview.CompletedJobs)
	assert.InDelta(t, 100.0, stats.SystemOverview.SuccessRate, 0.001)
	assert.EqualValues(t, 5, stats.ProcessingStatistics.TotalRecordsProcessed)
}

func TestServer_ProgressOfFinishedJob(t *testing.T) {
	s := newTestServer(t, config.SecurityConfig{})
	started := startJob(t, s)
	waitCompleted(t, s, started.JobExecutionID)

	rr := do(t, s, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/batch/progress/%d", started.JobExecutionID), nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/event-stream", rr.Header().Get("Content-Type"))

	body := rr.Body.String()
	assert.Contains(t, body, "event: complete\n")
	assert.Contains(t, body, `"status":"COMPLETED"`)
	assert.NotContains(t, body, "event: progress")
}

func TestServer_Health(t *testing.T) {
	s := newTestServer(t, config.SecurityConfig{})

	rr := do(t, s, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	h := decode[core.HealthStatus](t, rr)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))

	rr = do(t, s, httptest.NewRequest(http.MethodGet, "/api/batch/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	bh := decode[map[string]any](t, rr)
	assert.Equal(t, "UP", bh["status"])
	assert.Equal(t, serviceName, bh["service"])
}

func TestServer_Metrics(t *testing.T) {
	s := newTestServer(t, config.SecurityConfig{})
	started := startJob(t, s)
	waitCompleted(t, s, started.JobExecutionID)

	rr := do(t, s, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "vdyp_batch_test_")
}

func TestServer_APIKey(t *testing.T) {
	s := newTestServer(t, config.SecurityConfig{RequireAPIKey: true, APIKeys: []string{"k-1", "k-2"}})

	rr := do(t, s, httptest.NewRequest(http.MethodGet, "/api/batch/jobs", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/batch/jobs", nil)
	req.Header.Set("X-API-Key", "nope")
	assert.Equal(t, http.StatusForbidden, do(t, s, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/api/batch/jobs", nil)
	req.Header.Set("X-API-Key", "k-2")
	assert.Equal(t, http.StatusOK, do(t, s, req).Code)

	// Health stays open for load balancers.
	assert.Equal(t, http.StatusOK, do(t, s, httptest.NewRequest(http.MethodGet, "/health", nil)).Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: 7", core.ErrJobNotFound), http.StatusNotFound},
		{core.ErrJobNotRunning, http.StatusConflict},
		{core.ErrArchiveUnavailable, http.StatusConflict},
		{core.ErrTooManyJobs, http.StatusServiceUnavailable},
		{fault.Newf(fault.CategoryConfig, "start job", "bad"), http.StatusBadRequest},
		{fault.Newf(fault.CategoryProjection, "project", "boom"), http.StatusInternalServerError},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
