// Package httpx exposes the engine over HTTP: registry CRUD, render and
// drift reads, deploy streams, and operational endpoints.
package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/halverson/stackdrift/internal/deploy"
	"github.com/halverson/stackdrift/internal/domain"
	"github.com/halverson/stackdrift/internal/drift"
	"github.com/halverson/stackdrift/internal/registry"
	"github.com/halverson/stackdrift/internal/scan"
	"github.com/halverson/stackdrift/internal/secret"
	"github.com/halverson/stackdrift/internal/ws"
)

const healthCheckTimeout = 2 * time.Second

// VerdictReader serves cached drift verdicts for dashboard reads.
type VerdictReader interface {
	Get(ctx context.Context, ref domain.StackRef) (*domain.DriftVerdict, error)
	All(ctx context.Context) ([]domain.DriftVerdict, error)
}

// ScanTrigger runs one IaC tree scan on demand.
type ScanTrigger interface {
	Scan(ctx context.Context) (scan.Result, error)
}

// FileSaver persists one IaC file and refreshes the stack's registry rows.
type FileSaver interface {
	SaveFile(ctx context.Context, ref domain.StackRef, relPath string, content []byte) error
}

// maxFileBytes bounds uploaded IaC files.
const maxFileBytes = 1 << 20

// Router wires HTTP endpoints to services.
type Router struct {
	mux          *http.ServeMux
	logger       *slog.Logger
	registry     *registry.Service
	files        drift.FileLoader
	renderer     drift.Renderer
	detector     *drift.Detector
	orchestrator *deploy.Orchestrator
	verdicts     VerdictReader
	scanner      ScanTrigger
	sealer       *secret.Resolver
	saver        FileSaver
	hub          *ws.Hub
	upgrader     websocket.Upgrader
	dbHealth     func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	driftVerdicts      *prometheus.CounterVec
	deploysTotal       *prometheus.CounterVec
}

// NewRouter assembles routes with dependencies.
func NewRouter(
	logger *slog.Logger,
	reg *registry.Service,
	files drift.FileLoader,
	renderer drift.Renderer,
	detector *drift.Detector,
	orchestrator *deploy.Orchestrator,
	verdicts VerdictReader,
	scanner ScanTrigger,
	sealer *secret.Resolver,
	saver FileSaver,
	hub *ws.Hub,
	dbHealth func(context.Context) error,
) *Router {
	r := &Router{
		mux:          http.NewServeMux(),
		logger:       logger,
		registry:     reg,
		files:        files,
		renderer:     renderer,
		detector:     detector,
		orchestrator: orchestrator,
		verdicts:     verdicts,
		scanner:      scanner,
		sealer:       sealer,
		saver:        saver,
		hub:          hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		dbHealth: dbHealth,
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/v1/stacks", r.audit(r.handleStacks))
	r.mux.HandleFunc("/v1/stacks/", r.audit(r.handleStackSubroutes))
	r.mux.HandleFunc("/v1/drift", r.audit(r.handleDriftDashboard))
	r.mux.HandleFunc("/v1/scan", r.audit(r.handleScan))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) handleStacks(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		stacks, err := r.registry.List(req.Context())
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"stacks": stacks})
	case http.MethodPost:
		var payload struct {
			ScopeKind  string `json:"scope_kind"`
			ScopeName  string `json:"scope_name"`
			StackName  string `json:"stack_name"`
			RelPath    string `json:"rel_path"`
			DeployKind string `json:"deploy_kind"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json payload")
			return
		}
		ref, ok := parseRef(payload.ScopeKind, payload.ScopeName, payload.StackName)
		if !ok {
			writeError(w, http.StatusBadRequest, "scope_kind must be host or group; names are required")
			return
		}
		stack, err := r.registry.Create(req.Context(), ref, payload.RelPath, domain.DeployKind(payload.DeployKind))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, stack)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleStackSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/v1/stacks/")
	parts := strings.Split(strings.Trim(trimmed, "/"), "/")
	if len(parts) < 3 {
		r.notFound(w)
		return
	}
	ref, ok := parseRef(parts[0], parts[1], parts[2])
	if !ok {
		writeError(w, http.StatusBadRequest, "scope_kind must be host or group")
		return
	}
	if len(parts) == 3 {
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		r.handleStackStatus(w, req, ref)
		return
	}
	if len(parts) > 4 {
		if parts[3] != "files" {
			r.notFound(w)
			return
		}
		if req.Method != http.MethodPut {
			r.methodNotAllowed(w)
			return
		}
		r.handlePutFile(w, req, ref, strings.Join(parts[4:], "/"))
		return
	}

	switch parts[3] {
	case "render":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		r.handleRender(w, req, ref)
	case "drift":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		r.handleDrift(w, req, ref)
	case "deploy":
		if req.Method != http.MethodPost && !websocket.IsWebSocketUpgrade(req) {
			r.methodNotAllowed(w)
			return
		}
		r.handleDeploy(w, req, ref)
	case "auto_devops":
		if req.Method != http.MethodPut {
			r.methodNotAllowed(w)
			return
		}
		r.handleAutoDevOps(w, req, ref)
	case "iac":
		if req.Method != http.MethodDelete {
			r.methodNotAllowed(w)
			return
		}
		r.handleDeleteIac(w, req, ref)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleStackStatus(w http.ResponseWriter, req *http.Request, ref domain.StackRef) {
	status, err := r.registry.Status(req.Context(), ref)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleRender returns the desired service state. Environment values are
// masked: rendering exists for structure and hashes, not for reading secrets
// back out.
func (r *Router) handleRender(w http.ResponseWriter, req *http.Request, ref domain.StackRef) {
	stack, err := r.registry.Get(req.Context(), ref)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	files, err := r.files.LoadFiles(req.Context(), *stack)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	set, err := r.renderer.Render(req.Context(), *stack, files)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, redactSet(set))
}

func redactSet(set *domain.RenderedServiceSet) *domain.RenderedServiceSet {
	out := *set
	out.Services = make([]domain.RenderedService, len(set.Services))
	for i, svc := range set.Services {
		cp := svc
		if len(svc.Environment) > 0 {
			cp.Environment = make(map[string]string, len(svc.Environment))
			for k, v := range svc.Environment {
				cp.Environment[k] = secret.Redact(v)
			}
		}
		out.Services[i] = cp
	}
	return &out
}

func (r *Router) handleDrift(w http.ResponseWriter, req *http.Request, ref domain.StackRef) {
	stack, err := r.registry.Get(req.Context(), ref)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	v := r.detector.Evaluate(req.Context(), *stack)
	r.recordVerdict(string(v.Status))
	writeJSON(w, http.StatusOK, v)
}

func (r *Router) handleDeploy(w http.ResponseWriter, req *http.Request, ref domain.StackRef) {
	stack, err := r.registry.Get(req.Context(), ref)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	force, _ := strconv.ParseBool(req.URL.Query().Get("force"))

	if websocket.IsWebSocketUpgrade(req) {
		r.deployOverWebsocket(w, req, *stack, force)
		return
	}

	events, err := r.orchestrator.Deploy(req.Context(), *stack, deploy.Options{Force: force, Manual: true})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	var outcome string
	for ev := range events {
		_ = enc.Encode(ev)
		if flusher != nil {
			flusher.Flush()
		}
		if ev.Terminal() {
			outcome = string(ev.Type)
		}
	}
	r.recordDeploy(outcome)
}

func (r *Router) deployOverWebsocket(w http.ResponseWriter, req *http.Request, stack domain.Stack, force bool) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	key := stack.StackRef.String()
	r.hub.Register(key, client)
	defer func() {
		r.hub.Unregister(key, client)
		client.Close()
	}()

	events, err := r.orchestrator.Deploy(req.Context(), stack, deploy.Options{Force: force, Manual: true})
	if err != nil {
		payload, _ := json.Marshal(domain.DeployEvent{
			Type: domain.EventError, Message: err.Error(), Timestamp: time.Now().UTC(),
		})
		_ = client.Send(payload)
		return
	}
	// The hub delivers events to this client; drain the channel to learn
	// when the deploy is done.
	var outcome string
	for ev := range events {
		if ev.Terminal() {
			outcome = string(ev.Type)
		}
	}
	r.recordDeploy(outcome)
}

func (r *Router) handleAutoDevOps(w http.ResponseWriter, req *http.Request, ref domain.StackRef) {
	var payload struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json payload")
		return
	}
	if err := r.registry.SetAutoDevOps(req.Context(), ref, payload.Enabled); err != nil {
		writeDomainError(w, err)
		return
	}
	stack, err := r.registry.Get(req.Context(), ref)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	effective, err := r.registry.EffectiveAutoDevOps(req.Context(), stack)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"override":  stack.AutoDevOps,
		"effective": effective,
	})
}

// handlePutFile writes one IaC file. Secret-named files are encrypted before
// they touch disk, so plaintext secrets never land in the tree; ?encrypt=true
// forces the envelope for any name.
func (r *Router) handlePutFile(w http.ResponseWriter, req *http.Request, ref domain.StackRef, relPath string) {
	if r.sealer == nil || r.saver == nil {
		writeError(w, http.StatusServiceUnavailable, "file saving not configured")
		return
	}
	if _, err := r.registry.Get(req.Context(), ref); err != nil {
		writeDomainError(w, err)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxFileBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}
	force, _ := strconv.ParseBool(req.URL.Query().Get("encrypt"))
	sealed, encrypted, err := r.sealer.Seal(relPath, body, force)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := r.saver.SaveFile(req.Context(), ref, relPath, sealed); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rel_path":   relPath,
		"encrypted":  encrypted,
		"size_bytes": len(sealed),
	})
}

func (r *Router) handleDeleteIac(w http.ResponseWriter, req *http.Request, ref domain.StackRef) {
	if err := r.registry.Delete(req.Context(), ref); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleDriftDashboard serves the fleet view. Cached verdicts by default;
// refresh=true re-evaluates every stack before answering.
func (r *Router) handleDriftDashboard(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	refresh, _ := strconv.ParseBool(req.URL.Query().Get("refresh"))
	if refresh || r.verdicts == nil {
		stacks, err := r.registry.List(req.Context())
		if err != nil {
			writeDomainError(w, err)
			return
		}
		verdicts := r.detector.EvaluateAll(req.Context(), stacks)
		for _, v := range verdicts {
			r.recordVerdict(string(v.Status))
		}
		writeJSON(w, http.StatusOK, map[string]any{"verdicts": verdicts})
		return
	}
	verdicts, err := r.verdicts.All(req.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"verdicts": verdicts})
}

func (r *Router) handleScan(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if r.scanner == nil {
		writeError(w, http.StatusServiceUnavailable, "scanner not configured")
		return
	}
	res, err := r.scanner.Scan(req.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func parseRef(kind, scope, stack string) (domain.StackRef, bool) {
	k := domain.ScopeKind(kind)
	if k != domain.ScopeHost && k != domain.ScopeGroup {
		return domain.StackRef{}, false
	}
	if scope == "" || stack == "" {
		return domain.StackRef{}, false
	}
	return domain.StackRef{ScopeKind: k, ScopeName: scope, StackName: stack}, true
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}

		r.recordRequestMetrics(req.Method, routeLabel(req.URL.Path), status, duration)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

// routeLabel collapses stack paths to a bounded label set so metric
// cardinality does not grow with the fleet.
func routeLabel(path string) string {
	if !strings.HasPrefix(path, "/v1/stacks/") {
		return path
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(path, "/v1/stacks/"), "/"), "/")
	switch {
	case len(parts) > 4 && parts[3] == "files":
		return "/v1/stacks/{ref}/files/{path}"
	case len(parts) == 4:
		return "/v1/stacks/{ref}/" + parts[3]
	}
	return "/v1/stacks/{ref}"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

// Flush lets streamed responses pass through the audit recorder.
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets websocket upgrades pass through the audit recorder.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	if sr.status == 0 {
		sr.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}
