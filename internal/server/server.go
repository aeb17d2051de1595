// Package server exposes the engine over HTTP: the chat SSE endpoint, the
// approval resolution endpoint, the council command socket, and the
// read-only observer socket.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/athanor-ai/athanor"
)

// AuthFunc resolves a bearer token to a user. An unknown or empty token
// returns an error with kind unauthenticated.
type AuthFunc func(ctx context.Context, token string) (athanor.User, error)

// StaticAuth builds an AuthFunc over a fixed token table.
func StaticAuth(table map[string]athanor.User) AuthFunc {
	return func(_ context.Context, token string) (athanor.User, error) {
		u, ok := table[token]
		if !ok {
			return athanor.User{}, athanor.E(athanor.KindUnauthenticated, "unknown token")
		}
		return u, nil
	}
}

// Server routes HTTP and WebSocket traffic into the engine.
type Server struct {
	orch     *athanor.Orchestrator
	council  *athanor.Council
	bus      *athanor.Bus
	auth     AuthFunc
	limiter  *RateLimiter
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// active tracks live chat subscriptions per user so approval verdicts
	// can be routed to the request that is waiting on them.
	mu     sync.Mutex
	active map[string]map[*athanor.Subscription]struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithRateLimiter attaches the per-user request limiter.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(s *Server) { s.limiter = rl }
}

// New wires the HTTP surface. The council may be nil when deliberation is
// disabled; the council socket then rejects all commands.
func New(orch *athanor.Orchestrator, council *athanor.Council, bus *athanor.Bus, auth AuthFunc, opts ...Option) *Server {
	s := &Server{
		orch:    orch,
		council: council,
		bus:     bus,
		auth:    auth,
		logger:  slog.New(discardHandler{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		active: make(map[string]map[*athanor.Subscription]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Router builds the chi routing tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)
		r.Post("/v1/chat", s.handleChat)
		r.Post("/v1/approvals/{callID}", s.handleApproval)
	})

	// WebSocket routes authenticate after the upgrade so failures can
	// close with policy code 1008 instead of a plain 401.
	r.Get("/v1/council", s.handleCouncilWS)
	r.Get("/v1/observer", s.handleObserverWS)
	return r
}

type ctxKey int

const userKey ctxKey = 0

func userFrom(ctx context.Context) athanor.User {
	u, _ := ctx.Value(userKey).(athanor.User)
	return u
}

// authenticate resolves the Authorization bearer token to a user and stores
// it on the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		user, err := s.auth(r.Context(), token)
		if err != nil {
			s.writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

// rateLimit applies the sliding-window request limiter. Distinct from the
// quota gate: this bounds request arrival, not billable consumption.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil {
			user := userFrom(r.Context())
			if ok, retryAfter := s.limiter.Allow(user.ID); !ok {
				w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
				s.writeError(w, athanor.E(athanor.KindRateLimited,
					"request rate limit exceeded, retry in %s", retryAfter.Round(retryRounding)))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	// WebSocket clients and EventSource cannot set headers.
	return r.URL.Query().Get("token")
}

// errorBody is the JSON envelope for pre-flight rejections.
type errorBody struct {
	Error struct {
		Kind    athanor.ErrorKind `json:"kind"`
		Message string            `json:"message"`
	} `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var body errorBody
	body.Error.Kind = athanor.KindOf(err)
	body.Error.Message = athanor.PublicMessage(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(athanor.HTTPStatus(err))
	_ = json.NewEncoder(w).Encode(body)
}

// trackSub registers a live chat subscription for approval routing.
func (s *Server) trackSub(userID string, sub *athanor.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs, ok := s.active[userID]
	if !ok {
		subs = make(map[*athanor.Subscription]struct{})
		s.active[userID] = subs
	}
	subs[sub] = struct{}{}
}

func (s *Server) untrackSub(userID string, sub *athanor.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if subs, ok := s.active[userID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(s.active, userID)
		}
	}
}

// resolveApproval fans the verdict out to the user's live subscriptions.
// Subscriptions ignore call ids they are not waiting on.
func (s *Server) resolveApproval(userID, callID string, approved bool) {
	s.mu.Lock()
	subs := make([]*athanor.Subscription, 0, len(s.active[userID]))
	for sub := range s.active[userID] {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Resolve(callID, approved)
	}
}

// discardHandler drops all records; the default until WithLogger is applied.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
