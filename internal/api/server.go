// Package api exposes the HTTP interface for the ingestion service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/kb-ingest/internal/ingest"
	"github.com/JakeFAU/kb-ingest/internal/metrics"
)

const (
	defaultRequestTimeout = 60 * time.Second
	defaultHistoryLimit   = 50
	defaultSearchLimit    = 5
	maxMultipartMemory    = 8 << 20
)

// Service is the ingestion facade served over HTTP.
type Service interface {
	SubmitSource(ctx context.Context, botID string, kind ingest.SourceKind, content string) (string, error)
	SubmitFile(ctx context.Context, botID, filename, contentType string, data io.Reader) (string, error)
	GetSource(ctx context.Context, id string) (ingest.TrainingSource, error)
	ListSources(ctx context.Context, botID string) ([]ingest.TrainingSource, error)
	DeleteSource(ctx context.Context, id string) error
	RetrySource(ctx context.Context, id string) error
	StartCrawl(ctx context.Context, botID string, urls []string, sitemapURL string) (string, error)
	StartSitemapCrawl(ctx context.Context, botID, sitemapURL string) (string, error)
	GetCrawlStatus(ctx context.Context, botID string) (ingest.SitemapCrawl, error)
	ResolveSitemap(ctx context.Context, input string) ([]string, error)
	GetBalance(ctx context.Context, accountID string) (int64, error)
	ChargeForMessage(ctx context.Context, accountID string) error
	ChargeForCrawledPage(ctx context.Context, accountID string) error
	TopUp(ctx context.Context, accountID string, amount int64, typ ingest.CreditType, description string) (int64, error)
	CreditHistory(ctx context.Context, accountID string, limit int) ([]ingest.CreditHistory, error)
	Search(ctx context.Context, botID, query string, limit int) ([]ingest.SearchHit, error)
}

// Options configures middleware and probes.
type Options struct {
	AuthEnabled    bool
	APIKey         string
	RequestTimeout time.Duration
	Logger         *zap.Logger
	// Ready reports downstream readiness for /readyz. Nil means always ready.
	Ready func(ctx context.Context) error
}

// Server wires HTTP handlers to the ingestion service.
type Server struct {
	router chi.Router
	svc    Service
	logger *zap.Logger
	ready  func(ctx context.Context) error
}

// NewServer constructs a Server with middleware and routes.
func NewServer(svc Service, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	s := &Server{
		svc:    svc,
		logger: logger.Named("api"),
		ready:  opts.Ready,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(metrics.Middleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Get("/metrics", metrics.Handler().ServeHTTP)

	r.Route("/v1", func(r chi.Router) {
		if opts.AuthEnabled {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Route("/bots/{bot_id}", func(r chi.Router) {
			r.Post("/sources", s.submitSource)
			r.Get("/sources", s.listSources)
			r.Post("/files", s.submitFile)
			r.Post("/crawls", s.startCrawl)
			r.Get("/crawls/latest", s.latestCrawl)
			r.Get("/search", s.search)
		})
		r.Route("/sources/{source_id}", func(r chi.Router) {
			r.Get("/", s.getSource)
			r.Delete("/", s.deleteSource)
			r.Post("/retry", s.retrySource)
		})
		r.Post("/sitemaps/resolve", s.resolveSitemap)
		r.Route("/accounts/{account_id}", func(r chi.Router) {
			r.Get("/balance", s.balance)
			r.Get("/history", s.history)
			r.Post("/charges/message", s.chargeMessage)
			r.Post("/charges/page", s.chargePage)
			r.Post("/topups", s.topUp)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitSourceRequest struct {
	Kind    ingest.SourceKind `json:"kind"`
	Content string            `json:"content"`
}

func (s *Server) submitSource(w http.ResponseWriter, r *http.Request) {
	var req submitSourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	id, err := s.svc.SubmitSource(r.Context(), chi.URLParam(r, "bot_id"), req.Kind, req.Content)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"source_id": id})
}

func (s *Server) submitFile(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer func() { _ = file.Close() }()

	contentType := header.Header.Get("Content-Type")
	id, err := s.svc.SubmitFile(r.Context(), chi.URLParam(r, "bot_id"), header.Filename, contentType, file)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"source_id": id})
}

func (s *Server) listSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.svc.ListSources(r.Context(), chi.URLParam(r, "bot_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if sources == nil {
		sources = []ingest.TrainingSource{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

func (s *Server) getSource(w http.ResponseWriter, r *http.Request) {
	src, err := s.svc.GetSource(r.Context(), chi.URLParam(r, "source_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, src)
}

func (s *Server) deleteSource(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteSource(r.Context(), chi.URLParam(r, "source_id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) retrySource(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "source_id")
	if err := s.svc.RetrySource(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"source_id": id})
}

type startCrawlRequest struct {
	URLs       []string `json:"urls"`
	SitemapURL string   `json:"sitemap_url"`
}

func (s *Server) startCrawl(w http.ResponseWriter, r *http.Request) {
	var req startCrawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	botID := chi.URLParam(r, "bot_id")
	var (
		crawlID string
		err     error
	)
	if len(req.URLs) == 0 && req.SitemapURL != "" {
		crawlID, err = s.svc.StartSitemapCrawl(r.Context(), botID, req.SitemapURL)
	} else {
		crawlID, err = s.svc.StartCrawl(r.Context(), botID, req.URLs, req.SitemapURL)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"crawl_id": crawlID})
}

func (s *Server) latestCrawl(w http.ResponseWriter, r *http.Request) {
	crawl, err := s.svc.GetCrawlStatus(r.Context(), chi.URLParam(r, "bot_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, crawl)
}

type resolveSitemapRequest struct {
	Input string `json:"input"`
}

func (s *Server) resolveSitemap(w http.ResponseWriter, r *http.Request) {
	var req resolveSitemapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	urls, err := s.svc.ResolveSitemap(r.Context(), req.Input)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if urls == nil {
		urls = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"urls": urls})
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultSearchLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	hits, err := s.svc.Search(r.Context(), chi.URLParam(r, "bot_id"), r.URL.Query().Get("q"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if hits == nil {
		hits = []ingest.SearchHit{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"hits": hits})
}

func (s *Server) balance(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "account_id")
	bal, err := s.svc.GetBalance(r.Context(), accountID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{AccountID: accountID, Balance: bal})
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultHistoryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := s.svc.CreditHistory(r.Context(), chi.URLParam(r, "account_id"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if rows == nil {
		rows = []ingest.CreditHistory{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": rows})
}

func (s *Server) chargeMessage(w http.ResponseWriter, r *http.Request) {
	s.charge(w, r, s.svc.ChargeForMessage)
}

func (s *Server) chargePage(w http.ResponseWriter, r *http.Request) {
	s.charge(w, r, s.svc.ChargeForCrawledPage)
}

func (s *Server) charge(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) error) {
	accountID := chi.URLParam(r, "account_id")
	if err := fn(r.Context(), accountID); err != nil {
		s.fail(w, r, err)
		return
	}
	bal, err := s.svc.GetBalance(r.Context(), accountID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{AccountID: accountID, Balance: bal})
}

type topUpRequest struct {
	Amount      int64             `json:"amount"`
	Type        ingest.CreditType `json:"type"`
	Description string            `json:"description"`
}

func (s *Server) topUp(w http.ResponseWriter, r *http.Request) {
	var req topUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Type == "" {
		req.Type = ingest.CreditTypePurchase
	}
	accountID := chi.URLParam(r, "account_id")
	bal, err := s.svc.TopUp(r.Context(), accountID, req.Amount, req.Type, req.Description)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{AccountID: accountID, Balance: bal})
}

type balanceResponse struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
}

// fail maps service errors onto HTTP status codes.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID(r.Context())),
			zap.Error(err),
		)
		writeError(w, status, "internal server error")
		return
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	var setup *ingest.SetupError
	switch {
	case errors.As(err, &setup):
		return http.StatusBadRequest
	case errors.Is(err, ingest.ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, ingest.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ingest.ErrActiveCrawlExists), errors.Is(err, ingest.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, ingest.ErrQueueClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", name)
	}
	return n, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.String("request_id", requestID(r.Context())),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
