package server

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/kensaku/internal/models"
	"github.com/hyperjump/kensaku/internal/pipeline"
	"github.com/hyperjump/kensaku/internal/storage"
)

func actorFrom(r *http.Request) pipeline.Actor {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = host
	}
	return pipeline.Actor{
		OrgID:  r.Header.Get(HeaderOrgID),
		UserID: r.Header.Get(HeaderUserID),
		IP:     ip,
	}
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req models.SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	actor := actorFrom(r)
	s.logger.Debug("search request",
		zap.String("org_id", actor.OrgID),
		zap.String("mode", string(req.Mode)),
		zap.Int("limit", req.Limit))
	resp, err := s.service.Search(r.Context(), actor, &req)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleIndexDocument(w http.ResponseWriter, r *http.Request) {
	var input models.DocumentInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.logger.Debug("index document request", zap.String("id", input.ID), zap.String("title", input.Title))
	doc, err := s.service.Ingest(r.Context(), actorFrom(r), &input)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, doc)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.service.Document(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.logger.Debug("delete document request", zap.String("id", id))
	if err := s.service.Delete(r.Context(), actorFrom(r), id); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

type chunkRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleChunkPreview(w http.ResponseWriter, r *http.Request) {
	var req chunkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	chunks, err := s.service.PreviewChunks(r.Context(), req.Text)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"chunks": chunks, "count": len(chunks)})
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	resource := models.Resource(chi.URLParam(r, "resource"))
	usage, err := s.service.Usage(r.Context(), actorFrom(r), resource)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, usage)
}

type invalidateRequest struct {
	Namespace string `json:"namespace"`
	Pattern   string `json:"pattern"`
}

func (s *Server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	n, err := s.service.InvalidateCache(r.Context(), actorFrom(r), req.Namespace, req.Pattern)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	docCount, chunkCount, err := s.service.Stats(r.Context(), actor)
	if err != nil {
		s.logger.Error("status: count failed", zap.Error(err))
		s.respondErr(w, err)
		return
	}
	resp := map[string]interface{}{
		"documents": docCount,
		"chunks":    chunkCount,
	}
	if len(s.dataPaths) > 0 {
		if diskBytes, err := storage.DiskUsageBytes(s.dataPaths...); err == nil {
			resp["disk_usage_bytes"] = diskBytes
		}
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// errorBody is the failure envelope. Backoff fields are set for rate-limit and quota errors.
type errorBody struct {
	Error     string           `json:"error"`
	Kind      models.ErrorKind `json:"kind"`
	Remaining *int64           `json:"remaining,omitempty"`
	Limit     *int64           `json:"limit,omitempty"`
	Reset     *time.Time       `json:"reset,omitempty"`
}

func statusFor(kind models.ErrorKind) int {
	switch kind {
	case models.KindValidation:
		return http.StatusBadRequest
	case models.KindRateLimit:
		return http.StatusTooManyRequests
	case models.KindQuotaExceeded:
		return http.StatusPaymentRequired
	case models.KindProviderError:
		return http.StatusBadGateway
	case models.KindProviderTimeout:
		return http.StatusGatewayTimeout
	case models.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// respondErr maps a domain error onto its status code and envelope.
func (s *Server) respondErr(w http.ResponseWriter, err error) {
	kind := models.KindOf(err)
	status := statusFor(kind)
	body := errorBody{Error: err.Error(), Kind: kind}

	var rle *models.RateLimitError
	var qe *models.QuotaExceededError
	switch {
	case errors.As(err, &rle):
		remaining, limit := int64(rle.Remaining), int64(rle.Limit)
		body.Remaining, body.Limit, body.Reset = &remaining, &limit, &rle.Reset
		retry := rle.RetryAfter(time.Now())
		w.Header().Set("Retry-After", strconv.Itoa(int((retry+time.Second-1)/time.Second)))
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rle.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(rle.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(rle.Reset.Unix(), 10))
	case errors.As(err, &qe):
		body.Remaining, body.Limit = &qe.Remaining, &qe.Limit
		if !qe.ResetAt.IsZero() {
			body.Reset = &qe.ResetAt
		}
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("kind", string(kind)), zap.Error(err))
	} else {
		s.logger.Debug("request rejected", zap.String("kind", string(kind)), zap.Error(err))
	}
	s.respondJSON(w, status, body)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, errorBody{Error: message, Kind: models.KindValidation})
}
