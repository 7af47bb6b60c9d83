// Package devserver is a local chat hub for developing against the runtime:
// a WebSocket invoke endpoint, the REST endpoints the client calls and a
// SQLite store behind them.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/matheus3301/rtchat/internal/devserver/store"
	"github.com/matheus3301/rtchat/internal/protocol"
)

// MaxSnapshotBatch is the most accounts one presence snapshot may ask for.
const MaxSnapshotBatch = 100

type contextKey int

const accountKey contextKey = iota

func accountFrom(ctx context.Context) (store.Account, bool) {
	a, ok := ctx.Value(accountKey).(store.Account)
	return a, ok
}

// Limits throttles presence snapshots per account. A zero Rate disables it.
type Limits struct {
	SnapshotRate  rate.Limit
	SnapshotBurst int
}

// Server serves the REST API and the WebSocket hub.
type Server struct {
	db     *store.DB
	hub    *Hub
	limits Limits
	log    *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewServer creates the HTTP side of the dev server.
func NewServer(db *store.DB, hub *Hub, limits Limits, log *zap.Logger) *Server {
	if limits.SnapshotBurst <= 0 {
		limits.SnapshotBurst = 1
	}
	return &Server{
		db:       db,
		hub:      hub,
		limits:   limits,
		log:      log,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(s.logRequests)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/ws", s.hub.ServeWS)
		r.Route("/api", func(r chi.Router) {
			r.Post("/presence/snapshot", s.handleSnapshot)
			r.Get("/conversations/{id}/messages", s.handleListMessages)
			r.Post("/conversations/{id}/messages", s.handleSendMessage)
		})
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", chiMiddleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		account, err := s.db.AccountByToken(r.Context(), token)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "unknown token")
			return
		}
		if err != nil {
			s.log.Error("token lookup failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "token lookup failed")
			return
		}
		ctx := context.WithValue(r.Context(), accountKey, *account)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) limiter(accountID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[accountID]
	if !ok {
		l = rate.NewLimiter(s.limits.SnapshotRate, s.limits.SnapshotBurst)
		s.limiters[accountID] = l
	}
	return l
}

type snapshotRequest struct {
	AccountIDs []string `json:"accountIds"`
}

type snapshotItem struct {
	AccountID     string     `json:"accountId"`
	CanShowStatus bool       `json:"canShowStatus"`
	IsOnline      bool       `json:"isOnline"`
	LastOnlineAt  *time.Time `json:"lastOnlineAt"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	caller, _ := accountFrom(r.Context())
	if s.limits.SnapshotRate > 0 {
		res := s.limiter(caller.ID).Reserve()
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	var req snapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if len(req.AccountIDs) > MaxSnapshotBatch {
		writeError(w, http.StatusBadRequest, "too many account ids")
		return
	}

	accounts, err := s.db.Accounts(r.Context(), req.AccountIDs)
	if err != nil {
		s.log.Error("load accounts failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "load accounts failed")
		return
	}
	items := make([]snapshotItem, 0, len(accounts))
	for _, a := range accounts {
		item := snapshotItem{AccountID: a.ID, CanShowStatus: a.ShowStatus}
		if a.ShowStatus {
			item.IsOnline = s.hub.Online(a.ID)
			if !a.LastOnlineAt.IsZero() {
				at := a.LastOnlineAt
				item.LastOnlineAt = &at
			}
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type mediaBody struct {
	ID   string `json:"id,omitempty"`
	URL  string `json:"url"`
	Kind string `json:"kind,omitempty"`
}

type sendRequest struct {
	TempID  string      `json:"tempId"`
	Content string      `json:"content"`
	Media   []mediaBody `json:"media"`
}

type messageBody struct {
	MessageID      string      `json:"messageId"`
	ConversationID string      `json:"conversationId"`
	TempID         string      `json:"tempId"`
	SenderID       string      `json:"senderId"`
	Content        string      `json:"content"`
	SentAt         time.Time   `json:"sentAt"`
	Media          []mediaBody `json:"media"`
}

func toBody(m store.Message) messageBody {
	media := make([]mediaBody, len(m.Media))
	for i, md := range m.Media {
		media[i] = mediaBody{ID: md.ID, URL: md.URL, Kind: md.Kind}
	}
	return messageBody{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		TempID:         m.TempID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		SentAt:         m.SentAt,
		Media:          media,
	}
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	sender, _ := accountFrom(r.Context())
	conversationID := chi.URLParam(r, "id")
	if err := protocol.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if strings.TrimSpace(req.Content) == "" && len(req.Media) == 0 {
		writeError(w, http.StatusBadRequest, "empty message")
		return
	}

	m := &store.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		TempID:         req.TempID,
		SenderID:       sender.ID,
		Content:        req.Content,
		SentAt:         s.hub.clock.Now().UTC().Truncate(time.Millisecond),
	}
	if m.TempID == "" {
		m.TempID = m.ID
	}
	for _, md := range req.Media {
		if md.URL == "" {
			writeError(w, http.StatusBadRequest, "media without url")
			return
		}
		m.Media = append(m.Media, store.Media{ID: uuid.NewString(), URL: md.URL, Kind: md.Kind})
	}

	created, err := s.db.InsertMessage(r.Context(), m)
	if err != nil {
		s.log.Error("store message failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "store message failed")
		return
	}
	body := toBody(*m)
	if created {
		s.hub.Publish(conversationID, protocol.EventNewMessage, body)
	} else {
		s.log.Info("duplicate send", zap.String("temp_id", m.TempID), zap.String("message_id", m.ID))
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if err := protocol.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	msgs, err := s.db.ListMessages(r.Context(), conversationID, limit)
	if err != nil {
		s.log.Error("list messages failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list messages failed")
		return
	}
	items := make([]messageBody, len(msgs))
	for i, m := range msgs {
		items[i] = toBody(m)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
