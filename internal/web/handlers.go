package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/vdyp-batch/internal/core"
	"github.com/JonMunkholm/vdyp-batch/internal/ledger"
	"github.com/JonMunkholm/vdyp-batch/internal/store"
)

const (
	defaultJobsLimit = 50
	maxJobsLimit     = 1000

	serviceName = "VDYP Batch Processing Service"

	// keepAliveInterval spaces SSE comments on an idle progress stream.
	keepAliveInterval = 15 * time.Second
)

// Request validation codes. Service errors carry the codes of core.MapError.
const (
	codeBadJobID  = "REQ001"
	codeBadForm   = "REQ002"
	codeBadBody   = "REQ003"
	codeBadNumber = "REQ004"
)

var batchEndpoints = []string{
	"/api/batch/start",
	"/api/batch/stop/{id}",
	"/api/batch/status/{id}",
	"/api/batch/metrics/{id}",
	"/api/batch/progress/{id}",
	"/api/batch/download/{id}",
	"/api/batch/jobs",
	"/api/batch/statistics",
	"/api/batch/health",
}

// startJSON is the JSON form of a start request. Inputs are object-store ids.
type startJSON struct {
	PolygonObjectID string          `json:"polygonObjectId"`
	LayerObjectID   string          `json:"layerObjectId"`
	Parameters      json.RawMessage `json:"parameters"`
	PartitionCount  int             `json:"partitionCount"`
	ChunkSize       int             `json:"chunkSize"`

	MaxRetryAttempts   int   `json:"maxRetryAttempts"`
	RetryBackoffPeriod int64 `json:"retryBackoffPeriod"`
	MaxSkipCount       int   `json:"maxSkipCount"`
}

type startResponse struct {
	JobExecutionID int64     `json:"jobExecutionId"`
	JobGUID        string    `json:"jobGuid"`
	Status         string    `json:"status"`
	PartitionCount int       `json:"partitionCount"`
	ChunkSize      int       `json:"chunkSize"`
	StartTime      time.Time `json:"startTime"`
	Message        string    `json:"message"`
}

type metricsResponse struct {
	ledger.JobMetrics
	Duration string `json:"duration"`
}

type jobsResponse struct {
	Jobs       []store.Execution `json:"jobs"`
	TotalCount int               `json:"totalCount"`
	Limit      int               `json:"limit"`
	Timestamp  int64             `json:"timestamp"`
}

type statisticsResponse struct {
	SystemOverview       systemOverview       `json:"systemOverview"`
	ProcessingStatistics processingStatistics `json:"processingStatistics"`
	Timestamp            int64                `json:"timestamp"`
}

type systemOverview struct {
	TotalJobs     int     `json:"totalJobs"`
	CompletedJobs int     `json:"completedJobs"`
	FailedJobs    int     `json:"failedJobs"`
	StoppedJobs   int     `json:"stoppedJobs"`
	RunningJobs   int     `json:"runningJobs"`
	SuccessRate   float64 `json:"successRate"`
	UptimeSeconds int64   `json:"uptimeSeconds"`
}

type processingStatistics struct {
	TotalRecordsProcessed int64 `json:"totalRecordsProcessed"`
	TotalSkippedRecords   int64 `json:"totalSkippedRecords"`
	TotalRetryAttempts    int64 `json:"totalRetryAttempts"`
	AverageRecordsPerJob  int64 `json:"averageRecordsPerJob"`
}

// handleStart submits a job. Multipart requests upload the inputs as
// polygonFile and layerFile; JSON requests name object-store ids.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req core.StartRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadSize)
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			s.respondBadRequest(w, r, codeBadForm, "file too large or invalid form")
			return
		}
		defer r.MultipartForm.RemoveAll()

		var (
			files []multipart.File
			ok    bool
		)
		req, files, ok = s.multipartRequest(w, r)
		defer func() {
			for _, f := range files {
				f.Close()
			}
		}()
		if !ok {
			return
		}
	} else {
		var body startJSON
		if err := json.NewDecoder(io.LimitReader(r.Body, multipartMemory)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			s.respondBadRequest(w, r, codeBadBody, "invalid JSON body")
			return
		}
		if string(body.Parameters) == "null" {
			body.Parameters = nil
		}
		req = core.StartRequest{
			PartitionCount:   body.PartitionCount,
			ChunkSize:        body.ChunkSize,
			MaxRetryAttempts: body.MaxRetryAttempts,
			RetryBackoff:     time.Duration(body.RetryBackoffPeriod) * time.Millisecond,
			MaxSkipCount:     body.MaxSkipCount,
			Parameters:       body.Parameters,
			Polygon:          core.Input{ObjectID: body.PolygonObjectID},
			Layer:            core.Input{ObjectID: body.LayerObjectID},
		}
	}

	rec, err := s.service.StartJob(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusAccepted, startResponse{
		JobExecutionID: rec.ID,
		JobGUID:        rec.GUID,
		Status:         rec.Status,
		PartitionCount: rec.PartitionCount,
		ChunkSize:      rec.ChunkSize,
		StartTime:      rec.CreatedAt,
		Message:        "VDYP batch job started",
	})
}

// multipartRequest builds a start request from a parsed multipart form. The
// returned files must be closed by the caller once the job is started.
func (s *Server) multipartRequest(w http.ResponseWriter, r *http.Request) (core.StartRequest, []multipart.File, bool) {
	var (
		req   core.StartRequest
		files []multipart.File
		err   error
	)

	if req.PartitionCount, err = formInt(r, "partitionCount"); err != nil {
		s.respondBadRequest(w, r, codeBadNumber, err.Error())
		return req, files, false
	}
	if req.ChunkSize, err = formInt(r, "chunkSize"); err != nil {
		s.respondBadRequest(w, r, codeBadNumber, err.Error())
		return req, files, false
	}
	if req.MaxRetryAttempts, err = formInt(r, "maxRetryAttempts"); err != nil {
		s.respondBadRequest(w, r, codeBadNumber, err.Error())
		return req, files, false
	}
	backoffMS, err := formInt(r, "retryBackoffPeriod")
	if err != nil {
		s.respondBadRequest(w, r, codeBadNumber, err.Error())
		return req, files, false
	}
	req.RetryBackoff = time.Duration(backoffMS) * time.Millisecond
	if req.MaxSkipCount, err = formInt(r, "maxSkipCount"); err != nil {
		s.respondBadRequest(w, r, codeBadNumber, err.Error())
		return req, files, false
	}

	req.Parameters = []byte(r.FormValue("parameters"))
	if f, _, err := r.FormFile("parameters"); err == nil {
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			s.respondBadRequest(w, r, codeBadForm, "unreadable parameters file")
			return req, files, false
		}
		req.Parameters = data
	}

	for _, in := range []struct {
		field, objectField string
		dst                *core.Input
	}{
		{"polygonFile", "polygonObjectId", &req.Polygon},
		{"layerFile", "layerObjectId", &req.Layer},
	} {
		f, hdr, err := r.FormFile(in.field)
		switch {
		case err == nil:
			files = append(files, f)
			*in.dst = core.Input{Name: hdr.Filename, Reader: f}
		case errors.Is(err, http.ErrMissingFile):
			*in.dst = core.Input{ObjectID: r.FormValue(in.objectField)}
		default:
			s.respondBadRequest(w, r, codeBadForm, "unreadable "+in.field)
			return req, files, false
		}
	}
	return req, files, true
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.jobID(w, r)
	if !ok {
		return
	}
	if err := s.service.StopJob(r.Context(), jobID); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, map[string]any{
		"jobExecutionId": jobID,
		"message":        "stop requested",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.jobID(w, r)
	if !ok {
		return
	}
	st, err := s.service.Status(r.Context(), jobID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, st)
}

// handleMetrics returns the ledger metrics of a job the ledger still holds.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.jobID(w, r)
	if !ok {
		return
	}
	m, err := s.service.Metrics(jobID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	duration := "Job still running"
	if !m.EndTime.IsZero() {
		duration = fmt.Sprintf("%d seconds", int64(m.EndTime.Sub(m.StartTime).Seconds()))
	}
	writeJSON(w, r, http.StatusOK, metricsResponse{JobMetrics: m, Duration: duration})
}

// handleProgress streams progress snapshots via Server-Sent Events until the
// job ends, then sends its final status as a complete event. A job that has
// already ended gets the complete event only.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.jobID(w, r)
	if !ok {
		return
	}

	progressCh, cancel, err := s.service.SubscribeProgress(r.Context(), jobID)
	if err != nil && !errors.Is(err, core.ErrJobNotRunning) {
		s.respondError(w, r, err)
		return
	}
	if cancel != nil {
		defer cancel()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	eventID := 0
	for progressCh != nil {
		select {
		case snap, open := <-progressCh:
			if !open {
				progressCh = nil
				continue
			}
			eventID++
			if err := writeEvent(w, rc, eventID, "progress", snap); err != nil {
				return
			}
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
			rc.Flush()
		case <-r.Context().Done():
			return
		}
	}

	st, err := s.service.Status(r.Context(), jobID)
	if err != nil {
		requestLogger(r).Warn("final job status unavailable", "job_id", jobID, "error", err)
		return
	}
	_ = writeEvent(w, rc, eventID+1, "complete", st)
}

func writeEvent(w http.ResponseWriter, rc *http.ResponseController, id int, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data); err != nil {
		return err
	}
	return rc.Flush()
}

// handleDownload serves the result archive of a completed job.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.jobID(w, r)
	if !ok {
		return
	}
	path, err := s.service.Archive(r.Context(), jobID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		s.respondError(w, r, fmt.Errorf("%w: %v", core.ErrArchiveUnavailable, err))
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		s.respondError(w, r, fmt.Errorf("%w: %v", core.ErrArchiveUnavailable, err))
		return
	}

	name := filepath.Base(path)
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultJobsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxJobsLimit {
			s.respondBadRequest(w, r, codeBadNumber, fmt.Sprintf("limit must be between 1 and %d", maxJobsLimit))
			return
		}
		limit = n
	}

	jobs, err := s.service.Jobs(r.Context(), limit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []store.Execution{}
	}
	writeJSON(w, r, http.StatusOK, jobsResponse{
		Jobs:       jobs,
		TotalCount: len(jobs),
		Limit:      limit,
		Timestamp:  time.Now().UnixMilli(),
	})
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	st, err := s.service.Statistics(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, statisticsResponse{
		SystemOverview: systemOverview{
			TotalJobs:     st.TotalJobs,
			CompletedJobs: st.CompletedJobs,
			FailedJobs:    st.FailedJobs,
			StoppedJobs:   st.StoppedJobs,
			RunningJobs:   st.RunningJobs,
			SuccessRate:   st.SuccessRate,
			UptimeSeconds: int64(time.Since(s.started).Seconds()),
		},
		ProcessingStatistics: processingStatistics{
			TotalRecordsProcessed: st.TotalRecordsProcessed,
			TotalSkippedRecords:   st.TotalRecordsSkipped,
			TotalRetryAttempts:    st.TotalRetryAttempts,
			AverageRecordsPerJob:  st.AverageRecordsPerJob,
		},
		Timestamp: time.Now().UnixMilli(),
	})
}

// handleHealth reports dependency health for load balancers.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.service.Health(r.Context())
	status := http.StatusOK
	if h.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, h)
}

func (s *Server) handleBatchHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"status":             "UP",
		"service":            serviceName,
		"availableEndpoints": batchEndpoints,
		"timestamp":          time.Now().UnixMilli(),
	})
}

func (s *Server) jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "jobID"), 10, 64)
	if err != nil || id <= 0 {
		s.respondBadRequest(w, r, codeBadJobID, "invalid job execution id")
		return 0, false
	}
	return id, true
}

func formInt(r *http.Request, field string) (int, error) {
	v := strings.TrimSpace(r.FormValue(field))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", field)
	}
	return n, nil
}
