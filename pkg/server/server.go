// Package server exposes the compression pipeline as a REST job queue.
// Jobs run in the background with their state persisted as status.json
// inside per-job directories, so a restarted server still answers for
// completed work.
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/natefinch/lumberjack"
	"github.com/rs/cors"

	"ctpack/internal/models"
	"ctpack/pkg/compression"
	"ctpack/pkg/config"
	"ctpack/pkg/container"
	"ctpack/pkg/dicomio"
	"ctpack/pkg/metrics"
	"ctpack/pkg/visualization"
)

// Version is reported by the health endpoint
const Version = "1.0.0"

// JobStatus tracks a job through its lifecycle
type JobStatus string

const (
	StatusQueued  JobStatus = "queued"
	StatusRunning JobStatus = "running"
	StatusDone    JobStatus = "done"
	StatusFailed  JobStatus = "failed"
)

// Job is the persisted record of one compression run
type Job struct {
	ID          string     `json:"job_id"`
	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	InputPath string `json:"input_path,omitempty"`
	PatientID string `json:"patient_id,omitempty"`
	Error     string `json:"error,omitempty"`

	Stats   *models.CompressionStats `json:"stats,omitempty"`
	Quality *models.QualityReport    `json:"quality,omitempty"`

	ArtifactPath string `json:"artifact_path,omitempty"`
	BundlePath   string `json:"bundle_path,omitempty"`
}

// compressRequest is the POST /compress body
type compressRequest struct {
	InputPath    string `json:"input_path"`
	ExportBundle *bool  `json:"export_bundle,omitempty"`
}

// Server runs the job queue
type Server struct {
	cfg      *config.Config
	pipeline *compression.Pipeline
	verifier *metrics.Verifier
	exporter *visualization.Exporter
	logger   *log.Logger

	// load maps an input directory to a volume; swapped out in tests
	load func(dir string) (*models.Volume, error)

	// mu guards the in-memory job registry. Jobs from before a restart
	// are found on disk instead.
	mu   sync.Mutex
	jobs map[string]*Job

	// sem caps concurrently running jobs
	sem chan struct{}
}

// New builds a server from the application config
func New(cfg *config.Config) (*Server, error) {
	if err := os.MkdirAll(cfg.Server.JobRoot, 0755); err != nil {
		return nil, fmt.Errorf("server: creating job root: %v", err)
	}

	codec, err := container.ParseCodec(cfg.Compression.Codec)
	if err != nil {
		return nil, err
	}
	params := compression.Params{
		BodyThreshold:  int16(cfg.Compression.BodyThreshold),
		DeltaThreshold: int32(cfg.Compression.DeltaThreshold),
		ClipMin:        int32(cfg.Compression.ClipMin),
		ClipMax:        int32(cfg.Compression.ClipMax),
		Codec:          codec,
		NumCores:       cfg.Compression.NumCores,
	}

	verifier := metrics.NewVerifier()
	verifier.BodyThreshold = int16(cfg.Compression.BodyThreshold)
	verifier.MinPSNR = cfg.Verification.MinPSNR
	verifier.MinSSIM = cfg.Verification.MinSSIM

	exporter := visualization.NewExporter()
	exporter.SliceCount = cfg.Export.SliceCount
	exporter.MontageRows = cfg.Export.MontageRows
	exporter.MontageCols = cfg.Export.MontageCols
	exporter.WindowCenter = cfg.Export.WindowCenter
	exporter.WindowWidth = cfg.Export.WindowWidth

	logger := log.New(os.Stderr, "", log.LstdFlags)
	if cfg.Server.LogFile != "" {
		logger.SetOutput(&lumberjack.Logger{
			Filename: cfg.Server.LogFile,
			MaxSize:  cfg.Server.MaxLogSizeMB,
			MaxAge:   cfg.Server.MaxLogAgeDays,
		})
	}

	loader := dicomio.NewLoader()
	loader.Modality = cfg.Loader.Modality
	loader.MinSlices = cfg.Loader.MinSlices

	maxConcurrent := cfg.Server.MaxConcurrentJobs
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	return &Server{
		cfg:      cfg,
		pipeline: compression.New(params),
		verifier: verifier,
		exporter: exporter,
		logger:   logger,
		load:     loader.LoadVolume,
		jobs:     make(map[string]*Job),
		sem:      make(chan struct{}, maxConcurrent),
	}, nil
}

// Handler builds the routing table, wrapped with request logging and
// the allow-all CORS policy the frontend expects
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /compress", s.handleCompress)
	mux.HandleFunc("POST /compress/upload", s.handleUpload)
	mux.HandleFunc("GET /result/{id}", s.handleResult)
	mux.HandleFunc("GET /bundle/{id}", s.handleBundle)
	mux.HandleFunc("GET /bundle/{id}/{file}", s.handleBundleFile)
	mux.HandleFunc("GET /jobs", s.handleListJobs)
	mux.HandleFunc("DELETE /jobs/{id}", s.handleDeleteJob)

	return cors.AllowAll().Handler(s.logRequests(mux))
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Server.Address,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("listening on %s", s.cfg.Server.Address)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Printf("shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start).Round(time.Microsecond))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"version":      Version,
		"jobs_running": len(s.sem),
	})
}

func (s *Server) handleCompress(w http.ResponseWriter, r *http.Request) {
	var req compressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.InputPath == "" {
		writeError(w, http.StatusBadRequest, "input_path is required")
		return
	}
	if _, err := os.Stat(req.InputPath); err != nil {
		writeError(w, http.StatusBadRequest, "input path not found: "+req.InputPath)
		return
	}

	exportBundle := req.ExportBundle == nil || *req.ExportBundle
	job, err := s.createJob(req.InputPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	accepted := *job
	go s.runJob(job, req.InputPath, exportBundle)
	writeJSON(w, http.StatusAccepted, &accepted)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	maxBytes := int64(s.cfg.Server.MaxUploadMB) << 20
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing upload file: "+err.Error())
		return
	}
	defer file.Close()

	job, err := s.createJob("upload")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	jobDir := s.jobDir(job.ID)

	zipPath := filepath.Join(jobDir, "upload.zip")
	if err := saveStream(zipPath, file); err != nil {
		s.failJob(job, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	extractDir := filepath.Join(jobDir, "input")
	if err := extractZip(zipPath, extractDir); err != nil {
		s.failJob(job, err)
		writeError(w, http.StatusBadRequest, "invalid zip archive: "+err.Error())
		return
	}

	accepted := *job
	go s.runJob(job, extractDir, true)
	writeJSON(w, http.StatusAccepted, &accepted)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	job, err := s.readJob(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleBundle(w http.ResponseWriter, r *http.Request) {
	job, err := s.readJob(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if job.Status != StatusDone || job.BundlePath == "" {
		writeError(w, http.StatusConflict, fmt.Sprintf("job is %s, bundle not available", job.Status))
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", job.ID+"-bundle.zip"))
	if err := zipDir(w, job.BundlePath); err != nil {
		s.logger.Printf("streaming bundle for %s: %v", job.ID, err)
	}
}

func (s *Server) handleBundleFile(w http.ResponseWriter, r *http.Request) {
	job, err := s.readJob(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if job.BundlePath == "" {
		writeError(w, http.StatusNotFound, "bundle not available")
		return
	}

	name := r.PathValue("file")
	if name != filepath.Base(name) {
		writeError(w, http.StatusBadRequest, "invalid file name")
		return
	}
	path := filepath.Join(job.BundlePath, name)
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, "file not found: "+name)
		return
	}
	http.ServeFile(w, r, path)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &limit); err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}

	entries, err := os.ReadDir(s.cfg.Server.JobRoot)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var jobs []*Job
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if job, err := s.readJob(e.Name()); err == nil {
			jobs = append(jobs, job)
		}
	}
	// Newest first; IDs start with a timestamp, so this works off the
	// persisted records alone
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}

	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.readJob(id); err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err := os.RemoveAll(s.jobDir(id)); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"message": "job " + id + " deleted"})
}

// createJob allocates a job directory and persists the queued record
func (s *Server) createJob(inputPath string) (*Job, error) {
	var suffix [4]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return nil, fmt.Errorf("server: generating job id: %v", err)
	}

	job := &Job{
		ID:        time.Now().UTC().Format("20060102T150405") + "-" + hex.EncodeToString(suffix[:]),
		Status:    StatusQueued,
		CreatedAt: time.Now().UTC(),
		InputPath: inputPath,
	}
	if err := os.MkdirAll(s.jobDir(job.ID), 0755); err != nil {
		return nil, fmt.Errorf("server: creating job dir: %v", err)
	}
	if err := s.writeJob(job); err != nil {
		return nil, err
	}
	return job, nil
}

// runJob executes the full pipeline for one job, persisting every
// state transition
func (s *Server) runJob(job *Job, inputDir string, exportBundle bool) {
	s.sem <- struct{}{}
	defer func() { <-s.sem }()

	job.Status = StatusRunning
	if err := s.writeJob(job); err != nil {
		s.logger.Printf("job %s: %v", job.ID, err)
	}

	if err := s.executeJob(job, inputDir, exportBundle); err != nil {
		s.failJob(job, err)
		s.logger.Printf("job %s failed: %v", job.ID, err)
		return
	}

	now := time.Now().UTC()
	job.Status = StatusDone
	job.CompletedAt = &now
	if err := s.writeJob(job); err != nil {
		s.logger.Printf("job %s: %v", job.ID, err)
	}
	s.logger.Printf("job %s done: ratio %.1f:1, PSNR %.1f dB", job.ID, job.Stats.Ratio, job.Quality.PSNR)
}

func (s *Server) executeJob(job *Job, inputDir string, exportBundle bool) error {
	vol, err := s.load(inputDir)
	if err != nil {
		return err
	}
	job.PatientID = vol.Metadata["patient_id"]

	jobDir := s.jobDir(job.ID)
	artifactPath := filepath.Join(jobDir, "scan.ctp")
	artifact, stats, err := s.pipeline.CompressFile(vol, artifactPath)
	if err != nil {
		return err
	}
	job.ArtifactPath = artifactPath
	job.Stats = stats

	recon, err := s.pipeline.Decompress(artifact)
	if err != nil {
		return err
	}
	quality, err := s.verifier.Verify(vol, recon)
	if err != nil {
		return err
	}
	job.Quality = &quality

	if exportBundle {
		bundleDir := filepath.Join(jobDir, "bundle")
		if _, err := s.exporter.ExportBundle(recon, stats, bundleDir); err != nil {
			return err
		}
		job.BundlePath = bundleDir
	}
	return nil
}

func (s *Server) failJob(job *Job, err error) {
	now := time.Now().UTC()
	job.Status = StatusFailed
	job.Error = err.Error()
	job.CompletedAt = &now
	if werr := s.writeJob(job); werr != nil {
		s.logger.Printf("job %s: persisting failure: %v", job.ID, werr)
	}
}

func (s *Server) jobDir(id string) string {
	return filepath.Join(s.cfg.Server.JobRoot, id)
}

// writeJob updates the registry and persists the record. The file is
// written to a temp name and renamed so readers never see a partial
// status.json; state survives restarts through these files.
func (s *Server) writeJob(job *Job) error {
	snapshot := *job
	s.mu.Lock()
	s.jobs[job.ID] = &snapshot
	s.mu.Unlock()

	data, err := json.MarshalIndent(&snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("server: marshaling job: %v", err)
	}
	path := filepath.Join(s.jobDir(job.ID), "status.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("server: writing status: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("server: writing status: %v", err)
	}
	return nil
}

func (s *Server) readJob(id string) (*Job, error) {
	if id == "" || id != filepath.Base(id) {
		return nil, errors.New("server: invalid job id")
	}

	s.mu.Lock()
	if job, ok := s.jobs[id]; ok {
		snapshot := *job
		s.mu.Unlock()
		return &snapshot, nil
	}
	s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.jobDir(id), "status.json"))
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("server: corrupt status for %s: %v", id, err)
	}
	return &job, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
