// Package admin serves a small HTTP endpoint for operating a running
// scheduler: health, job snapshot, manual run/stop, recent journal events
// and, optionally, net/http/pprof.
package admin

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"jobloop/internal/regularjob"
	"jobloop/internal/runtime/supervisor"
	"jobloop/internal/storage"
	logx "jobloop/pkg/logx"
)

const (
	defaultAddr        = "127.0.0.1:7070"
	defaultMaxRestarts = 10
)

// Config controls the admin server.
//
// Security: binding to a non-loopback address requires Token.
type Config struct {
	Addr  string
	Token string
	Pprof bool
	// MaxRestarts bounds consecutive listener failures before the server
	// gives up and reports an error to the supervisor. 0 means 10.
	MaxRestarts int
}

type Server struct {
	cfg   Config
	log   logx.Logger
	sched *regularjob.Scheduler
	store storage.Store

	mu   sync.Mutex
	addr string
	sup  *supervisor.Supervisor
}

// New returns a server for sched. store may be nil (journal disabled).
func New(cfg Config, sched *regularjob.Scheduler, store storage.Store, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = defaultAddr
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = defaultMaxRestarts
	}
	return &Server{cfg: cfg, sched: sched, store: store, log: log.With(logx.String("comp", "admin"))}
}

// Start runs the HTTP server under sup with restart backoff, so a lost
// listener heals itself. An address that stays unusable for MaxRestarts
// attempts fails the supervisor. It fails fast on an insecure bind.
func (s *Server) Start(sup *supervisor.Supervisor) error {
	if s.cfg.Token == "" && !isLoopbackAddr(s.cfg.Addr) {
		return errors.Newf("admin: non-loopback addr %q requires a token", s.cfg.Addr)
	}
	s.mu.Lock()
	s.sup = sup
	s.mu.Unlock()
	sup.GoRestart("admin.http", s.serveOnce,
		supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		supervisor.WithMaxRestarts(s.cfg.MaxRestarts),
	)
	return nil
}

// Addr is the bound listen address once serving ("" before that).
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) serveOnce(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return errors.Wrapf(err, "admin listen %s", s.cfg.Addr)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	s.log.Info("admin server started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", s.cfg.Token != ""), logx.Bool("pprof", s.cfg.Pprof))

	stop := context.AfterFunc(ctx, func() {
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(cctx)
	})
	defer stop()

	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return nil
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("admin server exited unexpectedly")
	}
	return err
}

// Handler returns the admin routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(s.cfg.Token, h) }

	mux.HandleFunc("GET /healthz", wrap(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	mux.HandleFunc("GET /jobs", wrap(s.handleSnapshot))
	mux.HandleFunc("GET /jobs/{id}", wrap(s.handleJob))
	mux.HandleFunc("POST /jobs/{id}/run", wrap(s.handleRun))
	mux.HandleFunc("POST /jobs/{id}/stop", wrap(s.handleStop))
	mux.HandleFunc("GET /events", wrap(s.handleEvents))
	mux.HandleFunc("GET /goroutines", wrap(s.handleGoroutines))

	if s.cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
	}
	return mux
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Snapshot())
}

// handleGoroutines reports the app supervisor's goroutine groups.
func (s *Server) handleGoroutines(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, sup.Snapshot())
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	info, ok := s.sched.Job(r.PathValue("id"))
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.sched.Has(id) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	start := time.Now()
	ok := s.sched.Run(r.Context(), id)
	s.log.Info("manual run", logx.String("id", id), logx.Bool("ok", ok), logx.Duration("took", time.Since(start)))
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "ok": ok})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.sched.Has(id) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	s.sched.Stop(id)
	s.log.Info("manual stop", logx.String("id", id))
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "storage disabled", http.StatusNotFound)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			http.Error(w, "limit must be 1..1000", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.store.RecentEvents(r.Context(), limit)
	if err != nil {
		s.log.Warn("read events failed", logx.Err(err))
		http.Error(w, "read events failed", http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []storage.EventRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// empty host means all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
