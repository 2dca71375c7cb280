// Package ratelimit enforces per-mailbox request caps over the HTTP
// read surface. Counters are fixed windows backed by the append-only
// request log in storage; two concurrent requests may over-admit by
// one, which is accepted.
package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/themadorg/tossmail/internal/metrics"
	"github.com/themadorg/tossmail/internal/storage"
)

// Defaults installed when a mailbox has no explicit limit.
const (
	DefaultHourly = 100
	DefaultDaily  = 1000
)

// Gate is the rate-limit middleware.
type Gate struct {
	store storage.Backend
	log   *zap.Logger
}

// New creates a gate over the given store.
func New(store storage.Backend, log *zap.Logger) *Gate {
	return &Gate{store: store, log: log}
}

// Result is the outcome of a limit check.
type Result struct {
	Allowed     bool
	HourlyCount int64
	HourlyLimit int
	DailyCount  int64
	DailyLimit  int
	RetryAfter  int64 // seconds, only meaningful when !Allowed
}

// ExtractMailbox pulls the target local-part out of a request path.
// Only mailbox-scoped routes are limited; everything else is exempt.
func ExtractMailbox(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 3 || parts[0] != "api" {
		return ""
	}
	switch parts[1] {
	case "emails", "mailbox", "webhooks":
		return storage.LocalPart(parts[2])
	}
	return ""
}

// Middleware wraps next with the limit check.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mailbox := ExtractMailbox(r.URL.Path)
		if mailbox == "" {
			next.ServeHTTP(w, r)
			return
		}

		res, err := g.Check(mailbox)
		if err != nil {
			g.log.Error("rate limit check failed",
				zap.String("mailbox", mailbox), zap.Error(err))
			http.Error(w, `{"status":500,"message":"rate limit check failed"}`,
				http.StatusInternalServerError)
			return
		}
		if !res.Allowed {
			metrics.RateLimited.Inc()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.FormatInt(res.RetryAfter, 10))
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"error":        "rate limit exceeded",
				"hourly_count": res.HourlyCount,
				"hourly_limit": res.HourlyLimit,
				"daily_count":  res.DailyCount,
				"daily_limit":  res.DailyLimit,
				"retry_after":  res.RetryAfter,
			})
			return
		}

		// Best effort; a failed append must not reject the request.
		if err := g.store.AppendRequest(mailbox, time.Now().UTC()); err != nil {
			g.log.Warn("rate limit append failed",
				zap.String("mailbox", mailbox), zap.Error(err))
		}

		next.ServeHTTP(w, r)
	})
}

// Check evaluates both windows for the mailbox, installing the default
// limit when none exists.
func (g *Gate) Check(mailbox string) (*Result, error) {
	limit, err := g.store.GetRateLimit(mailbox)
	if err != nil {
		return nil, err
	}
	if limit == nil {
		limit = &storage.RateLimit{
			MailboxAddress:  mailbox,
			RequestsPerHour: DefaultHourly,
			RequestsPerDay:  DefaultDaily,
		}
		if err := g.store.SetRateLimit(limit); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	hourAgo := now.Add(-time.Hour)
	dayAgo := now.Add(-24 * time.Hour)

	hourly, err := g.store.CountRequestsSince(mailbox, hourAgo)
	if err != nil {
		return nil, err
	}
	daily, err := g.store.CountRequestsSince(mailbox, dayAgo)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Allowed:     true,
		HourlyCount: hourly,
		HourlyLimit: limit.RequestsPerHour,
		DailyCount:  daily,
		DailyLimit:  limit.RequestsPerDay,
	}

	switch {
	case hourly >= int64(limit.RequestsPerHour):
		res.Allowed = false
		res.RetryAfter = g.retryAfter(mailbox, hourAgo, time.Hour, now)
	case daily >= int64(limit.RequestsPerDay):
		res.Allowed = false
		res.RetryAfter = g.retryAfter(mailbox, dayAgo, 24*time.Hour, now)
	}
	return res, nil
}

// retryAfter computes when the saturated window frees a slot: the
// oldest request in the window plus the window length, relative to now.
func (g *Gate) retryAfter(mailbox string, since time.Time, window time.Duration, now time.Time) int64 {
	oldest, err := g.store.OldestRequestSince(mailbox, since)
	if err != nil || oldest == nil {
		return int64(window / time.Second)
	}
	secs := int64(oldest.Add(window).Sub(now) / time.Second)
	if secs < 0 {
		secs = 0
	}
	return secs
}

// Validate enforces the admin-set invariants on a limit.
func Validate(hourly, daily int) error {
	switch {
	case hourly <= 0 || daily <= 0:
		return errInvalid("limits must be positive")
	case hourly > daily:
		return errInvalid("hourly limit cannot exceed daily limit")
	}
	return nil
}

type errInvalid string

func (e errInvalid) Error() string { return string(e) }

// IsInvalid reports whether err came from Validate.
func IsInvalid(err error) bool {
	_, ok := err.(errInvalid)
	return ok
}
