// Package notify exposes the new-mail callback used by the ingestion
// pipeline to wake idling IMAP sessions.
package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// maxBody bounds the request body.
const maxBody = 1 << 20

// Notifier is implemented by the IMAP server.
type Notifier interface {
	NotifyNewMail(ctx context.Context, usernames []string) int
}

// Verifier checks a bearer token and returns its subject.
type Verifier interface {
	Verify(token string) (string, error)
}

type request struct {
	Usernames []string `json:"usernames"`
}

type response struct {
	Notified int `json:"notified"`
}

// Handler serves POST /notify. Requests must carry a bearer token accepted
// by the verifier; a nil verifier rejects every request.
type Handler struct {
	notifier Notifier
	verifier Verifier
	logger   log.Logger
}

func NewHandler(n Notifier, v Verifier, logger log.Logger) *Handler {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Handler{notifier: n, verifier: v, logger: log.With(logger, "component", "notify")}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	subject, ok := h.authorize(r)
	if !ok {
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	usernames := req.Usernames[:0]
	for _, u := range req.Usernames {
		if u = strings.TrimSpace(u); u != "" {
			usernames = append(usernames, u)
		}
	}
	if len(usernames) == 0 {
		http.Error(w, "usernames is required", http.StatusBadRequest)
		return
	}

	n := h.notifier.NotifyNewMail(r.Context(), usernames)
	level.Debug(h.logger).Log("msg", "new mail notification", "caller", subject, "usernames", len(usernames), "notified", n)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response{Notified: n}); err != nil {
		level.Warn(h.logger).Log("msg", "failed to write response", "err", err)
	}
}

func (h *Handler) authorize(r *http.Request) (string, bool) {
	if h.verifier == nil {
		return "", false
	}
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	subject, err := h.verifier.Verify(strings.TrimSpace(token))
	if err != nil {
		level.Info(h.logger).Log("msg", "rejected notification", "err", err)
		return "", false
	}
	return subject, true
}
