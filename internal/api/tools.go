package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/themadorg/tossmail/internal/bus"
	"github.com/themadorg/tossmail/internal/metrics"
	"github.com/themadorg/tossmail/internal/storage"
)

// The tools endpoint is a single-route RPC surface for programmatic
// clients. Each call names a method and carries its parameters; the
// response envelope mirrors the HTTP error shape.

type toolsRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type toolsError struct {
	status  int
	message string
}

func (e *toolsError) Error() string { return e.message }

func toolErr(status int, message string) error {
	return &toolsError{status: status, message: message}
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if s.cfg.ToolsToken != "" {
		tok := bearerToken(r)
		if subtle.ConstantTimeCompare([]byte(tok), []byte(s.cfg.ToolsToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "Invalid tools token")
			return
		}
	}

	var req toolsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := s.dispatchTool(req.Method, req.Params)
	if err != nil {
		if te, ok := err.(*toolsError); ok {
			writeError(w, te.status, te.message)
			return
		}
		writeError(w, http.StatusInternalServerError, "Storage failure")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": http.StatusOK,
		"result": result,
	})
}

func (s *Server) dispatchTool(method string, params json.RawMessage) (interface{}, error) {
	switch method {
	case "list_emails":
		var p struct {
			Address string `json:"address"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.Address == "" {
			return nil, toolErr(http.StatusBadRequest, "address parameter is required")
		}
		msgs, err := s.store.ListByAddress(storage.NormalizeAddress(p.Address, s.cfg.Domain))
		if err != nil {
			return nil, err
		}
		if msgs == nil {
			msgs = []*storage.Message{}
		}
		return msgs, nil

	case "get_email":
		var p struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
			return nil, toolErr(http.StatusBadRequest, "id parameter is required")
		}
		msg, err := s.store.GetMessage(p.ID)
		if err != nil {
			return nil, err
		}
		if msg == nil {
			return nil, toolErr(http.StatusNotFound, "Email not found")
		}
		return msg, nil

	case "delete_email":
		var p struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
			return nil, toolErr(http.StatusBadRequest, "id parameter is required")
		}
		msg, err := s.store.GetMessage(p.ID)
		if err != nil {
			return nil, err
		}
		if msg == nil {
			return nil, toolErr(http.StatusNotFound, "Email not found")
		}
		if _, err := s.store.DeleteMessage(p.ID); err != nil {
			return nil, err
		}
		metrics.MessagesDeleted.Inc()
		s.bus.Publish(bus.NewDeletion(p.ID, msg.ToAddress))
		s.hooks.Trigger(storage.EventDeletion, storage.LocalPart(msg.ToAddress), nil)
		return map[string]string{"message": "Email deleted"}, nil

	case "mailbox_status":
		var p struct {
			Address string `json:"address"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.Address == "" {
			return nil, toolErr(http.StatusBadRequest, "address parameter is required")
		}
		local := storage.LocalPart(p.Address)
		locked, err := s.store.IsMailboxLocked(local)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"address": local, "is_locked": locked}, nil

	default:
		return nil, toolErr(http.StatusBadRequest, "Unknown method: "+method)
	}
}
