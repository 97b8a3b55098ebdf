package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"marginsettle/internal/event"
	"marginsettle/internal/ingestion"
	"marginsettle/internal/observability"
	"marginsettle/internal/persistence"
	"marginsettle/internal/projection"
	"marginsettle/internal/query"
)

// Server hosts the gRPC endpoint (health + reflection) and the HTTP/JSON API.
type Server struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	deps          *Deps
	healthChecker *observability.HealthChecker
}

// Deps holds everything the API surface needs.
type Deps struct {
	DB            *sql.DB
	QueryService  *query.QueryService
	SnapshotMgr   *persistence.SnapshotManager
	HealthChecker *observability.HealthChecker
	StartTime     time.Time

	// InjectChan feeds events into the same pipeline as NATS ingestion.
	// Used by the admin inject endpoint for backfill and testing.
	InjectChan chan<- event.Event
}

func NewServer(grpcAddr, httpAddr string, deps *Deps) *Server {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &Server{
		grpcServer:    grpcServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		deps:          deps,
		healthChecker: deps.HealthChecker,
	}
}

// StartGRPC starts the gRPC server (blocking).
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: gRPC server shutting down...")
		s.grpcServer.GracefulStop()
	}()

	log.Printf("INFO: gRPC server listening on %s", s.grpcAddr)
	return s.grpcServer.Serve(lis)
}

// StartHTTP starts the HTTP/JSON API (blocking). Routing uses the gateway
// ServeMux so path parameters behave the same as generated gateway handlers.
func (s *Server) StartHTTP(ctx context.Context) error {
	mux := runtime.NewServeMux()

	routes := []struct {
		method  string
		pattern string
		handler runtime.HandlerFunc
	}{
		{"GET", "/v1/accounts/{account_id}/balance", s.handleGetBalance},
		{"GET", "/v1/accounts/{account_id}/positions", s.handleGetPositions},
		{"GET", "/v1/accounts/{account_id}/settlements", s.handleGetSettlementHistory},
		{"GET", "/v1/admin/integrity", s.handleVerifyIntegrity},
		{"GET", "/v1/admin/eventlog", s.handleEventLogInfo},
		{"POST", "/v1/admin/projections/rebuild", s.handleRebuildProjections},
		{"POST", "/v1/admin/events", s.handleInjectEvent},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, r.handler); err != nil {
			return fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
	httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	httpMux.Handle("/metrics", promhttp.Handler())
	httpMux.Handle("/", mux)

	s.httpServer = &http.Server{
		Addr:    s.httpAddr,
		Handler: httpMux,
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: HTTP server shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("INFO: HTTP API listening on %s", s.httpAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// ============================================================================
// Query handlers
// ============================================================================

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	accountID, ok := parseAccountID(w, pathParams)
	if !ok {
		return
	}

	resp, err := s.deps.QueryService.GetBalance(r.Context(), accountID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	accountID, ok := parseAccountID(w, pathParams)
	if !ok {
		return
	}

	positions, err := s.deps.QueryService.GetPositions(r.Context(), accountID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"positions": positions})
}

func (s *Server) handleGetSettlementHistory(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	accountID, ok := parseAccountID(w, pathParams)
	if !ok {
		return
	}

	q := r.URL.Query()

	var market *string
	if m := q.Get("market"); m != "" {
		market = &m
	}

	var beforeSequence *int64
	if b := q.Get("before_sequence"); b != "" {
		seq, err := strconv.ParseInt(b, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid before_sequence: %w", err))
			return
		}
		beforeSequence = &seq
	}

	limit := 0
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit: %w", err))
			return
		}
		limit = n
	}

	history, err := s.deps.QueryService.GetSettlementHistory(r.Context(), accountID, market, beforeSequence, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"settlements": history})
}

// ============================================================================
// Admin handlers
// ============================================================================

func (s *Server) handleVerifyIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	report, err := s.deps.QueryService.VerifyIntegrity(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleEventLogInfo(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	latestSeq, err := s.deps.SnapshotMgr.GetLatestSequence(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"last_sequence":  latestSeq,
		"uptime_seconds": int64(time.Since(s.deps.StartTime).Seconds()),
	})
}

func (s *Server) handleRebuildProjections(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if err := projection.RebuildProjections(r.Context(), s.deps.DB); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rebuilt": true})
}

// injectRequest is the admin event injection body. Payload uses the same
// wire format as NATS messages.
type injectRequest struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

func (s *Server) handleInjectEvent(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req injectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}

	evt, err := ingestion.ParseRawEvent(ingestion.RawEvent{Data: req.Payload}, req.EventType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	select {
	case s.deps.InjectChan <- evt:
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"accepted":        true,
			"idempotency_key": evt.IdempotencyKey(),
		})
	case <-r.Context().Done():
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("pipeline backpressure: %w", r.Context().Err()))
	}
}

// ============================================================================
// Helpers
// ============================================================================

func parseAccountID(w http.ResponseWriter, pathParams map[string]string) (uuid.UUID, bool) {
	raw, ok := pathParams["account_id"]
	if !ok || raw == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("account_id is required"))
		return uuid.UUID{}, false
	}

	accountID, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid account_id: %w", err))
		return uuid.UUID{}, false
	}
	return accountID, true
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("WARN: write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
