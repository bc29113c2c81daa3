package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coder/websocket"
	playground "github.com/joshuadavidthomas/django-bird-playground"
	"github.com/joshuadavidthomas/django-bird-playground/autorender"
	"github.com/joshuadavidthomas/django-bird-playground/errors"
	"github.com/joshuadavidthomas/django-bird-playground/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the playground over HTTP",
	Long: `Start an HTTP server exposing the playground.

The runtime initializes in the background; until it is ready the API
answers 503 and /readyz reports not ready. With --document, the given
HTML file is served at / with loading placeholders first and rendered
content once the runtime is up.

Endpoints:
  POST /api/render    Render a template {"template":"...","context":{...}}
  POST /api/batch     Render several templates in one request
  POST /api/install   Install packages {"packages":["markdown"]}
  POST /api/exec      Run Python code {"code":"..."}
  POST /api/process   Process an HTML document {"source":"..."}
  GET  /api/status    Controller state, packages, cache and event counters
  GET  /events        Lifecycle events over WebSocket
  GET  /healthz       Liveness probe
  GET  /readyz        Readiness probe (503 until the runtime is up)
  GET  /metrics       Prometheus metrics`,
	Run: runServe,
}

func init() {
	serveCmd.Flags().IntP("port", "p", 8787, "Port to listen on")
	serveCmd.Flags().String("document", "", "HTML document to process and serve at /")
	rootCmd.AddCommand(serveCmd)
}

type serveMetrics struct {
	Requests       *prometheus.CounterVec
	RenderSeconds  prometheus.Histogram
	EventsStreamed prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsReg  *serveMetrics
)

// getMetrics returns the server metrics, registering them on first use.
func getMetrics() *serveMetrics {
	metricsOnce.Do(func() {
		metricsReg = &serveMetrics{
			Requests: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "bird_api_requests_total",
				Help: "API requests by operation and outcome",
			}, []string{"op", "outcome"}),
			RenderSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "bird_render_duration_seconds",
				Help:    "Render latency through the runtime",
				Buckets: prometheus.DefBuckets,
			}),
			EventsStreamed: promauto.NewCounter(prometheus.CounterOpts{
				Name: "bird_events_streamed_total",
				Help: "Lifecycle events delivered to WebSocket subscribers",
			}),
		}
	})
	return metricsReg
}

type server struct {
	pg      *playground.Playground
	metrics *serveMetrics
	started time.Time

	mu   sync.RWMutex
	page []byte
}

func newServer(pg *playground.Playground) *server {
	return &server{
		pg:      pg,
		metrics: getMetrics(),
		started: time.Now(),
	}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/render", s.handleRender)
	mux.HandleFunc("POST /api/batch", s.handleBatch)
	mux.HandleFunc("POST /api/install", s.handleInstall)
	mux.HandleFunc("POST /api/exec", s.handleExec)
	mux.HandleFunc("POST /api/process", s.handleProcess)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// setPage swaps the document served at /.
func (s *server) setPage(doc string) {
	s.mu.Lock()
	s.page = []byte(doc)
	s.mu.Unlock()
}

type apiError struct {
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

func apiErrorFrom(err error) *apiError {
	if err == nil {
		return nil
	}
	return &apiError{Kind: string(errors.KindOf(err)), Message: err.Error()}
}

func statusFor(err error) int {
	switch errors.KindOf(err) {
	case errors.KindInvalidInput:
		return http.StatusBadRequest
	case errors.KindNotInitialized, errors.KindInitialization:
		return http.StatusServiceUnavailable
	case errors.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusUnprocessableEntity
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (s *server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type renderRequest struct {
	Template string         `json:"template"`
	Context  map[string]any `json:"context,omitempty"`
	Packages []string       `json:"packages,omitempty"`
	Timeout  string         `json:"timeout,omitempty"`
}

type renderResponse struct {
	Output     string    `json:"output,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Error      *apiError `json:"error,omitempty"`
}

func (s *server) handleRender(w http.ResponseWriter, r *http.Request) {
	var req renderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Template == "" {
		http.Error(w, "template required", http.StatusBadRequest)
		return
	}

	var opts []playground.RenderOption
	if len(req.Packages) > 0 {
		opts = append(opts, playground.WithPackages(req.Packages...))
	}
	if req.Timeout != "" {
		if d, err := time.ParseDuration(req.Timeout); err == nil {
			opts = append(opts, playground.WithRenderTimeout(d))
		}
	}

	start := time.Now()
	out, err := s.pg.Render(r.Context(), req.Template, req.Context, opts...)
	duration := time.Since(start)

	s.metrics.RenderSeconds.Observe(duration.Seconds())
	s.metrics.Requests.WithLabelValues("render", outcome(err)).Inc()

	status := http.StatusOK
	if err != nil {
		status = statusFor(err)
	}
	s.writeJSON(w, status, renderResponse{
		Output:     out,
		DurationMs: duration.Milliseconds(),
		Error:      apiErrorFrom(err),
	})
}

type batchRequest struct {
	Items []transport.RenderPayload `json:"items"`
}

type batchItemResponse struct {
	Output string    `json:"output,omitempty"`
	Error  *apiError `json:"error,omitempty"`
}

type batchResponse struct {
	Results    []batchItemResponse `json:"results,omitempty"`
	DurationMs int64               `json:"duration_ms"`
	Error      *apiError           `json:"error,omitempty"`
}

func (s *server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(req.Items) == 0 {
		http.Error(w, "items required", http.StatusBadRequest)
		return
	}

	start := time.Now()
	results, err := s.pg.RenderBatch(r.Context(), req.Items)
	duration := time.Since(start)

	s.metrics.Requests.WithLabelValues("batch", outcome(err)).Inc()

	if err != nil {
		s.writeJSON(w, statusFor(err), batchResponse{
			DurationMs: duration.Milliseconds(),
			Error:      apiErrorFrom(err),
		})
		return
	}

	resp := batchResponse{
		Results:    make([]batchItemResponse, len(results)),
		DurationMs: duration.Milliseconds(),
	}
	for i, res := range results {
		resp.Results[i] = batchItemResponse{Output: res.Output, Error: apiErrorFrom(res.Err)}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type installRequest struct {
	Packages []string `json:"packages"`
}

type installResponse struct {
	Installed []string          `json:"installed,omitempty"`
	Failed    map[string]string `json:"failed,omitempty"`
	Error     *apiError         `json:"error,omitempty"`
}

func (s *server) handleInstall(w http.ResponseWriter, r *http.Request) {
	var req installRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(req.Packages) == 0 {
		http.Error(w, "packages required", http.StatusBadRequest)
		return
	}

	report, err := s.pg.InstallPackages(r.Context(), req.Packages)
	s.metrics.Requests.WithLabelValues("install", outcome(err)).Inc()

	if err != nil {
		s.writeJSON(w, statusFor(err), installResponse{Error: apiErrorFrom(err)})
		return
	}
	s.writeJSON(w, http.StatusOK, installResponse{
		Installed: report.Installed,
		Failed:    report.Failed,
	})
}

type execRequest struct {
	Code string `json:"code"`
}

func (s *server) handleExec(w http.ResponseWriter, r *http.Request) {
	var req execRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Code == "" {
		http.Error(w, "code required", http.StatusBadRequest)
		return
	}

	start := time.Now()
	out, err := s.pg.RunCode(r.Context(), req.Code)
	duration := time.Since(start)

	s.metrics.Requests.WithLabelValues("exec", outcome(err)).Inc()

	status := http.StatusOK
	if err != nil {
		status = statusFor(err)
	}
	s.writeJSON(w, status, renderResponse{
		Output:     out,
		DurationMs: duration.Milliseconds(),
		Error:      apiErrorFrom(err),
	})
}

type processRequest struct {
	Source    string `json:"source"`
	ErrorText string `json:"error_text,omitempty"`
}

type processResponse struct {
	Output        string            `json:"output,omitempty"`
	Elements      int               `json:"elements"`
	Rendered      int               `json:"rendered"`
	Failed        int               `json:"failed"`
	Installed     []string          `json:"installed,omitempty"`
	InstallFailed map[string]string `json:"install_failed,omitempty"`
	DurationMs    int64             `json:"duration_ms"`
	Error         *apiError         `json:"error,omitempty"`
}

func (s *server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Source == "" {
		http.Error(w, "source required", http.StatusBadRequest)
		return
	}

	var opts []autorender.Option
	if req.ErrorText != "" {
		opts = append(opts, autorender.WithErrorText(req.ErrorText))
	}

	start := time.Now()
	out, report, err := s.pg.ProcessDocument(r.Context(), req.Source, opts...)
	duration := time.Since(start)

	s.metrics.Requests.WithLabelValues("process", outcome(err)).Inc()

	if err != nil {
		s.writeJSON(w, statusFor(err), processResponse{
			DurationMs: duration.Milliseconds(),
			Error:      apiErrorFrom(err),
		})
		return
	}

	resp := processResponse{
		Output:     out,
		Elements:   report.Elements,
		Rendered:   report.Rendered,
		Failed:     report.Failed,
		DurationMs: duration.Milliseconds(),
	}
	if report.Installed != nil {
		resp.Installed = report.Installed.Installed
		resp.InstallFailed = report.Installed.Failed
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type statusResponse struct {
	State           string   `json:"state"`
	Ready           bool     `json:"ready"`
	Packages        []string `json:"packages,omitempty"`
	CachedRenders   int      `json:"cached_renders"`
	UptimeSeconds   int64    `json:"uptime_seconds"`
	EventsPublished uint64   `json:"events_published"`
	EventsDropped   uint64   `json:"events_dropped"`
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	published, dropped := s.pg.EventStats()
	s.writeJSON(w, http.StatusOK, statusResponse{
		State:           s.pg.Status().String(),
		Ready:           s.pg.IsReady(),
		Packages:        s.pg.Packages(),
		CachedRenders:   s.pg.CachedRenders(),
		UptimeSeconds:   int64(time.Since(s.started).Seconds()),
		EventsPublished: published,
		EventsDropped:   dropped,
	})
}

func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.pg.IsReady() {
		http.Error(w, s.pg.Status().String(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

func (s *server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	page := s.page
	s.mu.RUnlock()
	if page == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(page)
}

type eventMessage struct {
	Type      string    `json:"type"`
	Step      string    `json:"step,omitempty"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// handleEvents streams lifecycle events to a WebSocket client. The
// stream is write-only; a client closing the connection ends it.
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ch := s.pg.Subscribe()
	defer s.pg.Unsubscribe(ch)

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			msg := eventMessage{
				Type:      string(ev.Type),
				Step:      ev.Step,
				Message:   ev.Message,
				Timestamp: ev.Timestamp,
			}
			if ev.Err != nil {
				msg.Error = ev.Err.Error()
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
			s.metrics.EventsStreamed.Inc()
		}
	}
}

func runServe(cmd *cobra.Command, args []string) {
	port, _ := cmd.Flags().GetInt("port")
	docPath, _ := cmd.Flags().GetString("document")

	cfg, err := buildConfig(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var document string
	if docPath != "" {
		data, err := os.ReadFile(docPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		document = string(data)
	}

	pg := playground.New(cfg)
	defer pg.Cleanup()

	srv := newServer(pg)
	if document != "" {
		// Serve the placeholder version until the runtime is up.
		srv.setPage(autorender.Placeholders(document))
	}

	go func() {
		if err := pg.Init(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "initialization failed: %v\n", err)
			return
		}
		if document == "" {
			return
		}
		out, report, err := pg.ProcessDocument(context.Background(), document)
		if err != nil {
			fmt.Fprintf(os.Stderr, "document processing failed: %v\n", err)
			return
		}
		srv.setPage(out)
		if report.Failed > 0 {
			fmt.Fprintf(os.Stderr, "document: %d of %d elements failed to render\n", report.Failed, report.Elements)
		}
	}()

	addr := fmt.Sprintf(":%d", port)
	httpSrv := &http.Server{Addr: addr, Handler: srv.routes()}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(os.Stderr, "bird server listening on %s\n", addr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
