// Command orchestrator runs the resilient execution orchestrator as an HTTP
// service: a single leaf or a gateway batch submitted as JSON is run
// through AttemptEngine/GatewayExecutor and the result reported back, with
// every layer sharing one InfraBundle registry, one TxBuffer and the
// scheduler's recurring-job loop. The workflow, branch and graph engines
// are constructed in newServer but no HTTP route submits work to them.
//
// Grounded on services/orchestrator/main.go (signal-driven shutdown, OTLP
// tracer/meter init, bare-mux routing) and services/api-gateway/gateway_v2.go
// (realMainV2's wiring order), with go-chi/chi/v5 replacing the teacher's
// http.ServeMux.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/swarmguard/orchestrator/internal/logging"
	"github.com/swarmguard/orchestrator/internal/otelinit"
	"github.com/swarmguard/orchestrator/pkg/distributed"
	"github.com/swarmguard/orchestrator/pkg/gateway"
	"github.com/swarmguard/orchestrator/pkg/guardrails"
	"github.com/swarmguard/orchestrator/pkg/infra"
	"github.com/swarmguard/orchestrator/pkg/leaf"
	"github.com/swarmguard/orchestrator/pkg/resilience"
	"github.com/swarmguard/orchestrator/pkg/scheduler"
	"github.com/swarmguard/orchestrator/pkg/transport"
	"github.com/swarmguard/orchestrator/pkg/txbuffer"
	"github.com/swarmguard/orchestrator/pkg/workflow"
)

const serviceName = "orchestrator"

// server bundles the shared substrate every HTTP handler and scheduled job
// draws on: one infra registry, one buffer, one gateway/workflow stack.
type server struct {
	infraRegistry *infra.Registry
	buffer        *txbuffer.Buffer
	leafEngine    *leaf.Engine
	gatewayExec   *gateway.Executor
	phaseEngine   *workflow.Engine
	workflowEng   *workflow.WorkflowEngine
	branchEngine  *workflow.BranchEngine
	graphEngine   *workflow.GraphEngine
	scheduler     *scheduler.Scheduler
	logger        *slog.Logger
}

func newServer(logger *slog.Logger, leaderAdapter distributed.Adapter) *server {
	registry := infra.NewRegistry(func(name string) infra.Config {
		return infra.Config{
			Name: name,
			Breaker: &resilience.BreakerConfig{
				FailurePct:          0.5,
				MinRequests:         10,
				RecoveryWindow:      5 * time.Second,
				SuccessPct:          0.6,
				HalfOpenMaxRequests: 5,
				WindowSize:          30 * time.Second,
				WindowBuckets:       6,
			},
			RateLimiter: &resilience.RateLimiterConfig{Capacity: 100, FillRate: 100, MaxRequests: 100, WindowMs: time.Second},
			Concurrency: 32,
			Cache:       &resilience.CacheConfig{MaxSize: 1024, DefaultTTL: 30 * time.Second, RespectCacheControl: true},
		}
	})

	buf := txbuffer.New(nil, nil)
	httpTransport := transport.NewHTTPTransport(nil, 8<<20)

	leafEngine := leaf.NewEngine(leaf.Deps{
		Infra:     registry.Get("default"),
		Buffer:    buf,
		Transport: httpTransport,
		Logger:    logger,
	})

	gatewayExec := gateway.NewExecutor(func(groupID string) *leaf.Engine {
		if groupID == "" {
			return leafEngine
		}
		return leaf.NewEngine(leaf.Deps{
			Infra:     registry.Get(groupID),
			Buffer:    buf,
			Transport: httpTransport,
			Logger:    logger,
		})
	})

	phaseEngine := workflow.NewEngine(gatewayExec)
	workflowEngine := workflow.NewWorkflowEngine(phaseEngine)
	branchEngine := workflow.NewBranchEngine(phaseEngine)
	graphEngine := workflow.NewGraphEngine(phaseEngine, branchEngine)

	sched := scheduler.New(scheduler.Config{
		MaxParallel:         4,
		TickInterval:        500 * time.Millisecond,
		QueueLimit:          256,
		PersistenceDebounce: time.Second,
		ExecutionTimeout:    30 * time.Second,
		SharedBuffer:        buf,
		Leader:              leaderAdapter,
		LeaderRole:          serviceName,
		LeaderTTL:           10 * time.Second,
		Guardrails: map[string]guardrails.Guardrail{
			"successRate": {Min: floatPtr(0.8)},
		},
	})

	return &server{
		infraRegistry: registry,
		buffer:        buf,
		leafEngine:    leafEngine,
		gatewayExec:   gatewayExec,
		phaseEngine:   phaseEngine,
		workflowEng:   workflowEngine,
		branchEngine:  branchEngine,
		graphEngine:   graphEngine,
		scheduler:     sched,
		logger:        logger,
	}
}

func floatPtr(f float64) *float64 { return &f }

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/leaf", s.handleRunLeaf)
		r.Post("/gateway", s.handleRunGateway)
		r.Get("/buffer/log", s.handleBufferLog)
		r.Get("/scheduler/stats", s.handleSchedulerStats)
	})
	return r
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// runLeafRequest is the HTTP-leaf-only demo envelope: the opaque-function
// form of a Leaf has no JSON representation, so it is reachable only via
// the Go API, not this surface.
type runLeafRequest struct {
	Hostname string            `json:"hostname"`
	Protocol string            `json:"protocol"`
	Method   string            `json:"method"`
	Path     string            `json:"path"`
	Port     int               `json:"port"`
	Headers  map[string]string `json:"headers"`
	Query    map[string]string `json:"query"`
	Attempts int               `json:"attempts"`
}

func (s *server) handleRunLeaf(w http.ResponseWriter, r *http.Request) {
	var req runLeafRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.Attempts <= 0 {
		req.Attempts = 1
	}
	l := leaf.NewRequestLeaf(&leaf.Request{
		Hostname: req.Hostname,
		Protocol: leaf.Protocol(req.Protocol),
		Method:   leaf.Method(req.Method),
		Path:     req.Path,
		Port:     req.Port,
		Headers:  req.Headers,
		Query:    req.Query,
	})
	policy := leaf.DefaultPolicy()
	policy.Attempts = req.Attempts
	policy.Strategy = leaf.StrategyExponential
	policy.BaseWait = 50 * time.Millisecond

	result, err := s.leafEngine.Run(r.Context(), l, policy)
	if err != nil {
		s.logger.Error("leaf run failed", "error", err)
	}
	writeJSON(w, http.StatusOK, result)
}

type runGatewayRequest struct {
	Leaves           []runLeafRequest `json:"leaves"`
	Mode             string           `json:"mode"`
	StopOnFirstError bool             `json:"stopOnFirstError"`
}

func (s *server) handleRunGateway(w http.ResponseWriter, r *http.Request) {
	var req runGatewayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	inputs := make([]gateway.Input, 0, len(req.Leaves))
	for _, lr := range req.Leaves {
		l := leaf.NewRequestLeaf(&leaf.Request{
			Hostname: lr.Hostname,
			Protocol: leaf.Protocol(lr.Protocol),
			Method:   leaf.Method(lr.Method),
			Path:     lr.Path,
			Port:     lr.Port,
			Headers:  lr.Headers,
			Query:    lr.Query,
		})
		inputs = append(inputs, gateway.Input{Leaf: l, Policy: leaf.DefaultPolicy()})
	}
	mode := gateway.ModeConcurrent
	if req.Mode == string(gateway.ModeSequential) {
		mode = gateway.ModeSequential
	}
	result, err := s.gatewayExec.Run(r.Context(), inputs, gateway.Options{
		Mode:             mode,
		StopOnFirstError: req.StopOnFirstError,
		MaxTimeout:       30 * time.Second,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *server) handleBufferLog(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.buffer.Log())
}

func (s *server) handleSchedulerStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.scheduler.Stats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func main() {
	logger := logging.Init(serviceName)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, serviceName)
	shutdownMetrics, promHandler, _ := otelinit.InitMetrics(ctx, serviceName)

	leaderAdapter := distributed.Adapter(distributed.NewMemoryAdapter())

	srv := newServer(logger, leaderAdapter)
	srv.scheduler.Start(ctx)

	mux := srv.routes()
	if chiRouter, ok := mux.(chi.Router); ok && promHandler != nil {
		chiRouter.Handle("/metrics", promHandler)
	}

	httpServer := &http.Server{
		Addr:              addr(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = httpServer.Shutdown(shutdownCtx)
	_ = srv.scheduler.Stop(shutdownCtx)
	srv.infraRegistry.CloseAll()
	_ = srv.buffer.Close()
	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)

	logger.Info("shutdown complete")
}

func addr() string {
	if a := os.Getenv("ORCH_HTTP_ADDR"); a != "" {
		return a
	}
	return ":8080"
}
