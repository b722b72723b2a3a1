package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"txledger/internal/application"
	"txledger/internal/domain"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

type Classifier interface {
	Classify(ctx context.Context, hash string) (domain.TransactionRecord, bool, error)
}

type LedgerReader interface {
	QueryByParticipant(ctx context.Context, address string) ([]domain.TransactionRecord, error)
	Ping(ctx context.Context) error
}

// Reconciler is the pending-submission side: tracking, merged history and
// cancellation.
type Reconciler interface {
	Submit(sub domain.PendingSubmission) error
	View(ctx context.Context, address string) ([]domain.DisplayEntry, error)
	Cancel(ctx context.Context, hash string) (application.CancelResult, error)
}

type RPCStatus interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
}

type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

type Server struct {
	classifier     Classifier
	ledger         LedgerReader
	reconciler     Reconciler
	rpc            RPCStatus
	metrics        *Metrics
	allowedOrigins map[string]struct{}
	allowAny       bool
	buildInfo      BuildInfo
}

type Deps struct {
	Classifier     Classifier
	Ledger         LedgerReader
	Reconciler     Reconciler
	RPC            RPCStatus
	Metrics        *Metrics
	AllowedOrigins []string
	BuildInfo      BuildInfo
}

func NewServer(deps Deps) (*Server, error) {
	if deps.Classifier == nil || deps.Ledger == nil || deps.Reconciler == nil || deps.RPC == nil {
		return nil, errors.New("http server dependencies must not be nil")
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	s := &Server{
		classifier:     deps.Classifier,
		ledger:         deps.Ledger,
		reconciler:     deps.Reconciler,
		rpc:            deps.RPC,
		metrics:        deps.Metrics,
		allowedOrigins: make(map[string]struct{}, len(deps.AllowedOrigins)),
		buildInfo:      deps.BuildInfo,
	}
	for _, origin := range deps.AllowedOrigins {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin == "*" {
			s.allowAny = true
			continue
		}
		if origin != "" {
			s.allowedOrigins[origin] = struct{}{}
		}
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("POST /transactions/{hash}", s.metrics.Instrument("/transactions/{hash}", s.handleClassify))
	mux.HandleFunc("GET /ledger/{address}", s.metrics.Instrument("/ledger/{address}", s.handleLedger))
	mux.HandleFunc("GET /history/{address}", s.metrics.Instrument("/history/{address}", s.handleHistory))
	mux.HandleFunc("POST /pending", s.metrics.Instrument("/pending", s.handleTrack))
	mux.HandleFunc("POST /pending/{hash}/cancel", s.metrics.Instrument("/pending/{hash}/cancel", s.handleCancel))
	return s.withCORS(mux)
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	slog.Info("http server listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.ledger.Ping(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, "store not ready")
		return
	}
	if _, err := s.rpc.LatestBlockNumber(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, "node not ready")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.buildInfo)
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	hash, ok := parseHash(r.PathValue("hash"))
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid transaction hash")
		return
	}
	record, created, err := s.classifier.Classify(r.Context(), hash)
	if err != nil {
		s.respondFailure(w, "classify", hash, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondJSON(w, status, record)
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	address, ok := parseAddress(r.PathValue("address"))
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid address")
		return
	}
	records, err := s.ledger.QueryByParticipant(r.Context(), address)
	if err != nil {
		s.respondFailure(w, "ledger", address, err)
		return
	}
	if records == nil {
		records = []domain.TransactionRecord{}
	}
	respondJSON(w, http.StatusOK, records)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	address, ok := parseAddress(r.PathValue("address"))
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid address")
		return
	}
	entries, err := s.reconciler.View(r.Context(), address)
	if err != nil {
		s.respondFailure(w, "history", address, err)
		return
	}
	if entries == nil {
		entries = []domain.DisplayEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	var sub domain.PendingSubmission
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&sub); err != nil {
		respondError(w, http.StatusBadRequest, "invalid submission body")
		return
	}
	if _, ok := parseHash(sub.Hash); !ok {
		respondError(w, http.StatusBadRequest, "invalid transaction hash")
		return
	}
	if _, ok := parseAddress(sub.From); !ok {
		respondError(w, http.StatusBadRequest, "invalid from address")
		return
	}
	if err := s.reconciler.Submit(sub); err != nil {
		s.respondFailure(w, "track", sub.Hash, err)
		return
	}
	respondJSON(w, http.StatusAccepted, sub.Normalize())
}

type cancelConflict struct {
	Error  string                    `json:"error"`
	Record *domain.TransactionRecord `json:"record,omitempty"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	hash, ok := parseHash(r.PathValue("hash"))
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid transaction hash")
		return
	}
	result, err := s.reconciler.Cancel(r.Context(), hash)
	if err != nil {
		if errors.Is(err, application.ErrNonceRace) {
			respondJSON(w, http.StatusConflict, cancelConflict{Error: application.ErrNonceRace.Error(), Record: result.Winner})
			return
		}
		s.respondFailure(w, "cancel", hash, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"hash": result.Replacement.Hash})
}

// respondFailure maps application errors to status codes. Unexpected errors
// are logged and hidden behind a generic message.
func (s *Server) respondFailure(w http.ResponseWriter, op, subject string, err error) {
	switch {
	case errors.Is(err, application.ErrNotYetMined):
		respondError(w, http.StatusNotFound, application.ErrNotYetMined.Error())
	case errors.Is(err, application.ErrNotTracked):
		respondError(w, http.StatusNotFound, application.ErrNotTracked.Error())
	case errors.Is(err, application.ErrInvalidSubmission):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, application.ErrReplacementUnderpriced):
		respondError(w, http.StatusConflict, application.ErrReplacementUnderpriced.Error())
	case errors.Is(err, application.ErrAlreadySubmitted):
		respondError(w, http.StatusConflict, application.ErrAlreadySubmitted.Error())
	case errors.Is(err, application.ErrNodeUnavailable):
		slog.Warn("node unavailable", "op", op, "subject", subject, "err", err)
		respondError(w, http.StatusServiceUnavailable, application.ErrNodeUnavailable.Error())
	case errors.Is(err, application.ErrStoreConsistency):
		slog.Error("store consistency violation", "op", op, "subject", subject, "err", err)
		respondError(w, http.StatusInternalServerError, application.ErrStoreConsistency.Error())
	default:
		slog.Error("request failed", "op", op, "subject", subject, "err", err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := false
		if origin != "" {
			_, listed := s.allowedOrigins[origin]
			allowed = listed || s.allowAny
		}
		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			if !allowed {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func parseHash(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if len(raw) != 2+2*common.HashLength {
		return "", false
	}
	if _, err := hexutil.Decode(raw); err != nil {
		return "", false
	}
	return strings.ToLower(raw), true
}

func parseAddress(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "0x") && !strings.HasPrefix(raw, "0X") {
		return "", false
	}
	if !common.IsHexAddress(raw) {
		return "", false
	}
	return strings.ToLower(raw), true
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
