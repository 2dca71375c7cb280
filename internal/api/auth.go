package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/themadorg/tossmail/internal/storage"
)

const minPasswordLen = 8

// tokenClaims is the signed bearer token payload.
type tokenClaims struct {
	UserID string `json:"uid"`
	Email  string `json:"email"`
	Expiry int64  `json:"exp"`
}

// signToken produces payload.signature, both base64url, signed with
// HMAC-SHA256 over the shared secret.
func (s *Server) signToken(c tokenClaims) (string, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	enc := base64.RawURLEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, []byte(s.cfg.AuthSecret))
	mac.Write([]byte(enc))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return enc + "." + sig, nil
}

// verifyToken checks the signature and expiry.
func (s *Server) verifyToken(token string) (*tokenClaims, error) {
	enc, sig, ok := strings.Cut(token, ".")
	if !ok {
		return nil, fmt.Errorf("malformed token")
	}
	mac := hmac.New(sha256.New, []byte(s.cfg.AuthSecret))
	mac.Write([]byte(enc))
	want := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	if subtle.ConstantTimeCompare([]byte(sig), []byte(want)) != 1 {
		return nil, fmt.Errorf("invalid signature")
	}

	payload, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return nil, fmt.Errorf("malformed payload")
	}
	var c tokenClaims
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, fmt.Errorf("malformed claims")
	}
	if time.Now().Unix() >= c.Expiry {
		return nil, fmt.Errorf("token expired")
	}
	return &c, nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
		return tok
	}
	return ""
}

// requireAuth guards /api when accounts are enabled. Auth endpoints,
// the WebSocket path and everything outside /api stay open; the tools
// endpoint carries its own token.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	if !s.cfg.AuthEnabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		exempt := !strings.HasPrefix(path, "/api/") ||
			strings.HasPrefix(path, "/api/auth/") ||
			strings.HasPrefix(path, "/api/ws/") ||
			path == "/api/tools"
		if exempt {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := s.verifyToken(bearerToken(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Authentication required")
			return
		}
		r.Header.Set("X-User-Id", claims.UserID)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": s.cfg.AuthEnabled})
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) validateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return fmt.Errorf("invalid email address")
	}
	if s.cfg.AuthAllowedDomain != "" {
		domain := email[strings.LastIndex(email, "@")+1:]
		if !strings.EqualFold(domain, s.cfg.AuthAllowedDomain) {
			return fmt.Errorf("registration is restricted to @%s addresses", s.cfg.AuthAllowedDomain)
		}
	}
	return nil
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.AuthEnabled {
		writeError(w, http.StatusForbidden, "Authentication is disabled")
		return
	}

	var req credentialsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := s.validateEmail(req.Email); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Password) < minPasswordLen {
		writeError(w, http.StatusBadRequest, "Password must be at least 8 characters")
		return
	}

	existing, err := s.store.GetUserByEmail(req.Email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Storage failure")
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, "Email is already registered")
		return
	}

	hash, err := storage.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Hashing failure")
		return
	}
	user := &storage.User{
		ID:           uuid.New().String(),
		Email:        req.Email,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateUser(user); err != nil {
		writeError(w, http.StatusInternalServerError, "Storage failure")
		return
	}

	s.log.Info("user registered", zap.String("email", user.Email))
	s.respondWithToken(w, http.StatusCreated, user)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.AuthEnabled {
		writeError(w, http.StatusForbidden, "Authentication is disabled")
		return
	}

	var req credentialsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	user, err := s.store.GetUserByEmail(req.Email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Storage failure")
		return
	}
	if user == nil || !storage.CheckPassword(user.PasswordHash, req.Password) {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	s.respondWithToken(w, http.StatusOK, user)
}

func (s *Server) respondWithToken(w http.ResponseWriter, status int, user *storage.User) {
	token, err := s.signToken(tokenClaims{
		UserID: user.ID,
		Email:  user.Email,
		Expiry: time.Now().Add(s.cfg.AuthTokenTTL).Unix(),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Token signing failure")
		return
	}
	writeJSON(w, status, map[string]interface{}{
		"token": token,
		"user":  user,
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.AuthEnabled {
		writeError(w, http.StatusForbidden, "Authentication is disabled")
		return
	}

	claims, err := s.verifyToken(bearerToken(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	user, err := s.store.GetUser(claims.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Storage failure")
		return
	}
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Unknown user")
		return
	}
	writeJSON(w, http.StatusOK, user)
}
