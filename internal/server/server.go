package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/jo-hoe/subtitler/internal/common"
	"github.com/jo-hoe/subtitler/internal/config"
	"github.com/jo-hoe/subtitler/internal/jobs"
	"github.com/jo-hoe/subtitler/internal/storage"
)

// Service is the gateway: it accepts submissions, answers status queries,
// issues cancellations, and serves completed artifacts. It never blocks on
// transcription work.
type Service struct {
	Log      *slog.Logger
	Cfg      *config.Config
	Store    jobs.Store
	Queue    *jobs.Queue
	Uploader *storage.Uploader
}

// NewHTTPServer builds the http.Server with routes and middleware.
func NewHTTPServer(svc *Service) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc(http.MethodGet+" "+common.PathHealthz, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc(http.MethodPost+" "+common.PathJobs, svc.withBodyLimit(svc.handleSubmit))
	mux.HandleFunc(http.MethodPost+" "+common.PathBulkAbort, svc.handleBulkAbort)
	mux.HandleFunc(http.MethodGet+" "+common.PathJobs+"/{id}", svc.handleStatus)
	mux.HandleFunc(http.MethodGet+" "+common.PathJobs+"/{id}/events", svc.handleEvents)
	mux.HandleFunc(http.MethodPost+" "+common.PathJobs+"/{id}/cancel", svc.handleCancel)
	mux.HandleFunc(http.MethodGet+" "+common.PathJobs+"/{id}/artifacts/{kind}", svc.handleDownload)

	s := &http.Server{
		Addr:         svc.Cfg.Server.Addr,
		Handler:      loggingMiddleware(recoveryMiddleware(corsMiddleware(mux)), svc.Log),
		ReadTimeout:  svc.Cfg.Server.ReadTimeout,
		WriteTimeout: svc.Cfg.Server.WriteTimeout,
		IdleTimeout:  svc.Cfg.Server.IdleTimeout,
	}
	return s
}

func (svc *Service) withBodyLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if max := safeInt64(svc.Cfg.Server.MaxUploadSize); max > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, max)
		}
		next.ServeHTTP(w, r)
	}
}

type submitResponse struct {
	JobID     string `json:"job_id"`
	StatusURL string `json:"status_url"`
}

func (svc *Service) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(safeInt64(svc.Cfg.Server.MaxUploadSize)); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form: "+err.Error())
		return
	}

	fileHeaders := r.MultipartForm.File[common.FormFieldFile]
	if len(fileHeaders) == 0 {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	uploaded := fileHeaders[0]

	requested := requestedOutputs(r)
	if len(requested) == 0 {
		writeError(w, http.StatusBadRequest, "at least one output must be requested")
		return
	}

	inputPath, cleanup, err := svc.Uploader.SaveMultipartMedia(uploaded, safeInt64(svc.Cfg.Server.MaxUploadSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "upload failed: "+err.Error())
		return
	}
	// If job creation fails below, no partial record may survive: remove the
	// stored upload on the way out.
	persisted := false
	defer func() {
		if !persisted && cleanup != nil {
			_ = cleanup()
		}
	}()

	job := jobs.Job{
		ID:               uuid.NewString(),
		State:            jobs.StateQueued,
		Message:          "queued",
		RequestedOutputs: requested,
		OriginalName:     uploaded.Filename,
		InputPath:        inputPath,
		CreatedAt:        time.Now().UTC(),
	}

	if err := svc.Store.CreateJob(r.Context(), &job); err != nil {
		svc.Log.Error("persist job", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	persisted = true
	svc.Queue.Notify()

	svc.Log.Info("job submitted",
		"job_id", job.ID,
		"original_name", job.OriginalName,
		"outputs", len(requested),
		"size", humanize.Bytes(uint64(uploaded.Size)))

	writeJSON(w, http.StatusAccepted, submitResponse{
		JobID:     job.ID,
		StatusURL: path.Join(common.PathJobs, job.ID),
	})
}

// requestedOutputs reads the boolean output-selection flags. When neither
// flag is present, both outputs are requested.
func requestedOutputs(r *http.Request) []jobs.OutputKind {
	transcriptRaw := r.FormValue(common.FormFieldTranscript)
	translationRaw := r.FormValue(common.FormFieldTranslation)
	if transcriptRaw == "" && translationRaw == "" {
		return []jobs.OutputKind{jobs.OutputTranscript, jobs.OutputTranslation}
	}
	var kinds []jobs.OutputKind
	if parseBool(transcriptRaw) {
		kinds = append(kinds, jobs.OutputTranscript)
	}
	if parseBool(translationRaw) {
		kinds = append(kinds, jobs.OutputTranslation)
	}
	return kinds
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "on", "yes":
		return true
	default:
		return false
	}
}

type errorBody struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

type statusResponse struct {
	JobID        string            `json:"job_id"`
	State        string            `json:"state"`
	Step         int               `json:"step"`
	Message      string            `json:"message"`
	Artifacts    map[string]string `json:"artifacts,omitempty"`
	OriginalName string            `json:"original_name,omitempty"`
	Error        *errorBody        `json:"error,omitempty"`
}

func (svc *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := svc.Store.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		svc.Log.Error("read job", "job_id", id, "err", err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, jobToStatus(job))
}

// jobToStatus materializes the client view of a job record. Terminal states
// include everything needed to initiate a download in one response.
func jobToStatus(job *jobs.Job) statusResponse {
	out := statusResponse{
		JobID:   job.ID,
		State:   string(job.State),
		Step:    job.Step,
		Message: job.Message,
	}
	switch job.State {
	case jobs.StateSucceeded:
		out.OriginalName = job.OriginalName
		out.Artifacts = make(map[string]string, len(job.Artifacts))
		for kind := range job.Artifacts {
			out.Artifacts[string(kind)] = path.Join(common.PathJobs, job.ID, "artifacts", string(kind))
		}
	case jobs.StateFailed:
		out.Error = &errorBody{Kind: string(job.ErrorKind), Detail: job.ErrorDetail}
	}
	return out
}

func (svc *Service) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := svc.Queue.Cancel(r.Context(), id); err != nil {
		svc.Log.Error("cancel job", "job_id", id, "err", err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	// Cancelling an unknown or already-terminal job is deliberately not an
	// error; the request is an idempotent ask, not a guarantee.
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancellation requested"})
}

func (svc *Service) handleBulkAbort(w http.ResponseWriter, r *http.Request) {
	if err := svc.Queue.AbortAll(r.Context()); err != nil {
		svc.Log.Error("bulk abort", "err", err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "abort requested"})
}

func (svc *Service) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	kindRaw := r.PathValue("kind")

	kind, ok := jobs.ParseOutputKind(kindRaw)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	job, err := svc.Store.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		svc.Log.Error("read job", "job_id", id, "err", err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	if job.State != jobs.StateSucceeded {
		writeError(w, http.StatusNotFound, "result not ready")
		return
	}
	artifactPath, ok := job.Artifacts[kind]
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if _, err := os.Stat(artifactPath); err != nil {
		// The artifact retention window has passed; the record may outlive
		// the file.
		writeError(w, http.StatusNotFound, "artifact no longer available")
		return
	}

	downloadName := fmt.Sprintf("%s_%s%s", storage.BaseName(job.OriginalName), kind, common.SubtitleExt)
	w.Header().Set("Content-Type", common.ContentTypeSRT)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", downloadName))
	http.ServeFile(w, r, artifactPath)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", common.ContentTypeJSON)
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func safeInt64(u config.ByteSize) int64 {
	if u > config.ByteSize(math.MaxInt64) {
		return math.MaxInt64
	}
	return int64(u) // #nosec G115 - safe cast after explicit upper-bound check
}

func loggingMiddleware(next http.Handler, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &writeWrap{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(ww, r)
		log.Info("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.code,
			"duration", time.Since(start).String(),
			"remote", r.RemoteAddr)
	})
}

type writeWrap struct {
	http.ResponseWriter
	code int
}

func (w *writeWrap) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack delegates to the underlying writer so the status socket can upgrade
// through the logging wrapper.
func (w *writeWrap) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
