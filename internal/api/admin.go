package api

import (
	"net/http"
	"time"

	"github.com/themadorg/tossmail/internal/ratelimit"
	"github.com/themadorg/tossmail/internal/storage"
)

// limitOrDefault returns the stored limit or the synthesized default
// without persisting it.
func (s *Server) limitOrDefault(local string) (*storage.RateLimit, error) {
	rl, err := s.store.GetRateLimit(local)
	if err != nil {
		return nil, err
	}
	if rl == nil {
		rl = &storage.RateLimit{
			MailboxAddress:  local,
			RequestsPerHour: ratelimit.DefaultHourly,
			RequestsPerDay:  ratelimit.DefaultDaily,
		}
	}
	return rl, nil
}

func (s *Server) handleGetRateLimit(w http.ResponseWriter, r *http.Request) {
	local := storage.LocalPart(r.PathValue("address"))
	rl, err := s.limitOrDefault(local)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Storage failure")
		return
	}
	writeJSON(w, http.StatusOK, rl)
}

type rateLimitRequest struct {
	RequestsPerHour int `json:"requests_per_hour"`
	RequestsPerDay  int `json:"requests_per_day"`
}

func (s *Server) handleSetRateLimit(w http.ResponseWriter, r *http.Request) {
	local := storage.LocalPart(r.PathValue("address"))

	var req rateLimitRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := ratelimit.Validate(req.RequestsPerHour, req.RequestsPerDay); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rl := &storage.RateLimit{
		MailboxAddress:  local,
		RequestsPerHour: req.RequestsPerHour,
		RequestsPerDay:  req.RequestsPerDay,
	}
	if err := s.store.SetRateLimit(rl); err != nil {
		writeError(w, http.StatusInternalServerError, "Storage failure")
		return
	}

	stored, err := s.store.GetRateLimit(local)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Storage failure")
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleDeleteRateLimit(w http.ResponseWriter, r *http.Request) {
	local := storage.LocalPart(r.PathValue("address"))
	found, err := s.store.DeleteRateLimit(local)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Storage failure")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "No rate limit set for mailbox")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Rate limit reset to defaults"})
}

func (s *Server) handleRateLimitStats(w http.ResponseWriter, r *http.Request) {
	local := storage.LocalPart(r.PathValue("address"))

	rl, err := s.limitOrDefault(local)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Storage failure")
		return
	}

	now := time.Now().UTC()
	hourly, err := s.store.CountRequestsSince(local, now.Add(-time.Hour))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Storage failure")
		return
	}
	daily, err := s.store.CountRequestsSince(local, now.Add(-24*time.Hour))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Storage failure")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"mailbox_address": local,
		"hourly":          windowStats(hourly, rl.RequestsPerHour),
		"daily":           windowStats(daily, rl.RequestsPerDay),
	})
}

func windowStats(count int64, limit int) map[string]interface{} {
	remaining := int64(limit) - count
	if remaining < 0 {
		remaining = 0
	}
	var pct float64
	if limit > 0 {
		pct = float64(count) / float64(limit) * 100
	}
	return map[string]interface{}{
		"count":      count,
		"limit":      limit,
		"remaining":  remaining,
		"percentage": pct,
	}
}
