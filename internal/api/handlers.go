package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/themadorg/tossmail/internal/bus"
	"github.com/themadorg/tossmail/internal/metrics"
	"github.com/themadorg/tossmail/internal/storage"
)

const (
	searchLimitDefault = 50
	searchLimitMax     = 100
)

// requireMailboxPassword enforces the claim password for a locked
// mailbox. password comes from the query string or a request body.
// It writes the error response itself and reports whether to proceed.
func (s *Server) requireMailboxPassword(w http.ResponseWriter, local, password string) bool {
	locked, err := s.store.IsMailboxLocked(local)
	if err != nil {
		s.log.Error("mailbox lookup failed", zap.String("mailbox", local), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Storage failure")
		return false
	}
	if !locked {
		return true
	}
	if password == "" {
		writeError(w, http.StatusUnauthorized, "Password required")
		return false
	}
	ok, err := s.store.VerifyMailboxPassword(local, password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Storage failure")
		return false
	}
	if !ok {
		writeError(w, http.StatusUnauthorized, "Invalid password")
		return false
	}
	return true
}

func (s *Server) handleListEmails(w http.ResponseWriter, r *http.Request) {
	address := storage.NormalizeAddress(r.PathValue("address"), s.cfg.Domain)
	local := storage.LocalPart(address)

	if !s.requireMailboxPassword(w, local, r.URL.Query().Get("password")) {
		return
	}

	msgs, err := s.store.ListByAddress(address)
	if err != nil {
		s.log.Error("list emails failed", zap.String("address", address), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Storage failure")
		return
	}
	if msgs == nil {
		msgs = []*storage.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleGetEmail(w http.ResponseWriter, r *http.Request) {
	msg, err := s.store.GetMessage(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Storage failure")
		return
	}
	if msg == nil {
		writeError(w, http.StatusNotFound, "Email not found")
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleDeleteEmail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	msg, err := s.store.GetMessage(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Storage failure")
		return
	}
	if msg == nil {
		writeError(w, http.StatusNotFound, "Email not found")
		return
	}
	if _, err := s.store.DeleteMessage(id); err != nil {
		writeError(w, http.StatusInternalServerError, "Storage failure")
		return
	}

	metrics.MessagesDeleted.Inc()
	// The row is gone before anyone hears about it.
	s.bus.Publish(bus.NewDeletion(id, msg.ToAddress))
	s.hooks.Trigger(storage.EventDeletion, storage.LocalPart(msg.ToAddress), nil)

	writeJSON(w, http.StatusOK, map[string]string{"message": "Email deleted"})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, "Query parameter q is required")
		return
	}

	address := r.URL.Query().Get("address")
	if address != "" {
		address = storage.NormalizeAddress(address, s.cfg.Domain)
	}

	limit := searchLimitDefault
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}
	if limit > searchLimitMax {
		limit = searchLimitMax
	}

	msgs, err := s.store.SearchMessages(address, q, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Storage failure")
		return
	}
	if msgs == nil {
		msgs = []*storage.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleMailboxStatus(w http.ResponseWriter, r *http.Request) {
	local := storage.LocalPart(r.PathValue("address"))
	locked, err := s.store.IsMailboxLocked(local)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Storage failure")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"address":   local,
		"is_locked": locked,
	})
}

type passwordRequest struct {
	Password string `json:"password"`
}

func (s *Server) handleClaimMailbox(w http.ResponseWriter, r *http.Request) {
	local := storage.LocalPart(r.PathValue("address"))

	var req passwordRequest
	if err := decodeBody(r, &req); err != nil || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Password is required")
		return
	}

	locked, err := s.store.IsMailboxLocked(local)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Storage failure")
		return
	}
	if locked {
		writeError(w, http.StatusConflict, "Mailbox is already claimed")
		return
	}

	if err := s.store.SetMailboxPassword(local, req.Password); err != nil {
		writeError(w, http.StatusInternalServerError, "Storage failure")
		return
	}
	s.log.Info("mailbox claimed", zap.String("mailbox", local))
	writeJSON(w, http.StatusOK, map[string]string{"message": "Mailbox claimed"})
}

func (s *Server) handleReleaseMailbox(w http.ResponseWriter, r *http.Request) {
	local := storage.LocalPart(r.PathValue("address"))

	var req passwordRequest
	if err := decodeBody(r, &req); err != nil || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Password is required")
		return
	}

	locked, err := s.store.IsMailboxLocked(local)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Storage failure")
		return
	}
	if !locked {
		writeError(w, http.StatusBadRequest, "Mailbox is not claimed")
		return
	}

	ok, err := s.store.VerifyMailboxPassword(local, req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Storage failure")
		return
	}
	if !ok {
		writeError(w, http.StatusUnauthorized, "Invalid password")
		return
	}

	if err := s.store.ClearMailboxPassword(local); err != nil {
		writeError(w, http.StatusInternalServerError, "Storage failure")
		return
	}
	s.log.Info("mailbox released", zap.String("mailbox", local))
	writeJSON(w, http.StatusOK, map[string]string{"message": "Mailbox released"})
}

type webhookRequest struct {
	MailboxAddress string   `json:"mailbox_address"`
	URL            string   `json:"url"`
	Events         []string `json:"events"`
	Password       string   `json:"password"`
}

func validEvents(events []string) bool {
	if len(events) == 0 {
		return false
	}
	for _, e := range events {
		if e != storage.EventArrival && e != storage.EventDeletion {
			return false
		}
	}
	return true
}

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.MailboxAddress == "" || req.URL == "" {
		writeError(w, http.StatusBadRequest, "mailbox_address and url are required")
		return
	}
	if !validEvents(req.Events) {
		writeError(w, http.StatusBadRequest, "events must be a non-empty subset of {arrival, deletion}")
		return
	}

	local := storage.LocalPart(req.MailboxAddress)
	if !s.requireMailboxPassword(w, local, req.Password) {
		return
	}

	wh := &storage.Webhook{
		ID:             uuid.New().String(),
		MailboxAddress: local,
		URL:            req.URL,
		Events:         storage.StringList(req.Events),
		CreatedAt:      time.Now().UTC(),
		Enabled:        true,
	}
	if err := s.store.CreateWebhook(wh); err != nil {
		writeError(w, http.StatusInternalServerError, "Storage failure")
		return
	}
	s.log.Info("webhook created",
		zap.String("id", wh.ID), zap.String("mailbox", local))
	writeJSON(w, http.StatusCreated, wh)
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	local := storage.LocalPart(r.PathValue("address"))
	hooks, err := s.store.ListWebhooks(local)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Storage failure")
		return
	}
	if hooks == nil {
		hooks = []*storage.Webhook{}
	}
	writeJSON(w, http.StatusOK, hooks)
}

func (s *Server) handleGetWebhook(w http.ResponseWriter, r *http.Request) {
	wh, err := s.store.GetWebhook(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Storage failure")
		return
	}
	if wh == nil {
		writeError(w, http.StatusNotFound, "Webhook not found")
		return
	}
	writeJSON(w, http.StatusOK, wh)
}

type webhookUpdateRequest struct {
	URL     *string  `json:"url"`
	Events  []string `json:"events"`
	Enabled *bool    `json:"enabled"`
}

func (s *Server) handleUpdateWebhook(w http.ResponseWriter, r *http.Request) {
	wh, err := s.store.GetWebhook(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Storage failure")
		return
	}
	if wh == nil {
		writeError(w, http.StatusNotFound, "Webhook not found")
		return
	}

	var req webhookUpdateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.URL != nil {
		if *req.URL == "" {
			writeError(w, http.StatusBadRequest, "url cannot be empty")
			return
		}
		wh.URL = *req.URL
	}
	if req.Events != nil {
		if !validEvents(req.Events) {
			writeError(w, http.StatusBadRequest, "events must be a non-empty subset of {arrival, deletion}")
			return
		}
		wh.Events = storage.StringList(req.Events)
	}
	if req.Enabled != nil {
		wh.Enabled = *req.Enabled
	}

	if err := s.store.UpdateWebhook(wh); err != nil {
		writeError(w, http.StatusInternalServerError, "Storage failure")
		return
	}
	writeJSON(w, http.StatusOK, wh)
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	found, err := s.store.DeleteWebhook(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Storage failure")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "Webhook not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Webhook deleted"})
}

func (s *Server) handleTestWebhook(w http.ResponseWriter, r *http.Request) {
	wh, err := s.store.GetWebhook(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Storage failure")
		return
	}
	if wh == nil {
		writeError(w, http.StatusNotFound, "Webhook not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": s.hooks.Test(wh)})
}
