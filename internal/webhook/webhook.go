// Package webhook receives GitHub push deliveries and pulls the configured
// working copy when a delivery is authentic and names the watched branch.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/paunstefan/greenhorn-deploy/internal/activation"
	"github.com/paunstefan/greenhorn-deploy/internal/config"
	"github.com/paunstefan/greenhorn-deploy/internal/git"
)

// PayloadPath is the only route served
const PayloadPath = "/payload"

// Response bodies. Webhook senders and scripts match on these literally.
const (
	msgInvalidSignature = "Invalid HMAC signature"
	msgNotMainBranch    = "Not main branch"
	msgBodyUnreadable   = "Could not receive body"
	msgBodyTooLarge     = "Payload too large"
)

const deliveryHeader = "X-GitHub-Delivery"

const defaultShutdownTimeout = 5 * time.Second

// Server implements the webhook HTTP server
type Server struct {
	cfg    *config.Config
	puller git.Puller
	logger *slog.Logger

	shutdownTimeout time.Duration
}

// NewServer creates a new webhook server. cfg must already be validated and
// is not modified afterwards.
func NewServer(cfg *config.Config, puller git.Puller, logger *slog.Logger) *Server {
	return &Server{
		cfg:             cfg,
		puller:          puller,
		logger:          logger,
		shutdownTimeout: defaultShutdownTimeout,
	}
}

// Start listens on the configured address, or on a socket handed over by
// systemd, and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := s.listen()
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) listen() (net.Listener, error) {
	listeners, err := activation.Listeners()
	if err != nil {
		return nil, fmt.Errorf("socket activation: %w", err)
	}
	if len(listeners) > 0 {
		for _, extra := range listeners[1:] {
			_ = extra.Close()
		}
		s.logger.Info("using socket-activated listener", "addr", listeners[0].Addr().String())
		return listeners[0], nil
	}

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}
	return ln, nil
}

// Serve handles requests on ln until ctx is cancelled, then drains in-flight
// requests for up to five seconds. Requests still running after that are
// abandoned and Serve returns nil.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           s.Routes(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// The response is written after the pull finishes.
		WriteTimeout:   s.cfg.Sync.Timeout + 10*time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server starting",
			"addr", ln.Addr().String(),
			"path", PayloadPath,
			"repo", s.cfg.Repo.FullName,
			"branch", s.cfg.Repo.Branch)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down webhook server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			// Pulls are detached from the request; a running one is left to
			// finish on its own rather than failing the shutdown.
			s.logger.Warn("in-flight requests did not finish before shutdown",
				"timeout", s.shutdownTimeout, "error", err)
			_ = server.Close()
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("webhook server error: %w", err)
	}
}

// Routes returns the HTTP handler with all middleware applied
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Post(PayloadPath, s.handlePayload)

	return r
}

// loggingMiddleware logs HTTP requests (excludes payloads).
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// handlePayload validates a delivery and pulls the working copy. Every
// rejection is final; nothing after it runs.
func (s *Server) handlePayload(w http.ResponseWriter, r *http.Request) {
	logger := s.logger.With(
		"delivery", deliveryID(r),
		"request_id", middleware.GetReqID(r.Context()),
	)

	digest, ok := parseSignatureHeader(r.Header.Get(SignatureHeader))
	if !ok {
		logger.Warn("signature header missing or malformed", "header", SignatureHeader)
		respond(w, http.StatusUnauthorized, msgInvalidSignature)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.Webhook.MaxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			logger.Warn("request body too large", "limit", tooLarge.Limit)
			respond(w, http.StatusRequestEntityTooLarge, msgBodyTooLarge)
			return
		}
		logger.Error("failed to read request body", "error", err)
		respond(w, http.StatusInternalServerError, msgBodyUnreadable)
		return
	}

	if err := checkUTF8(body); err != nil {
		logger.Warn("request body is not text", "error", err)
		respond(w, http.StatusUnauthorized, err.Error())
		return
	}

	checks := []struct {
		pass   func() bool
		reason string
		reply  string
	}{
		{
			pass:   func() bool { return VerifySignature(digest, body, s.cfg.Webhook.Secret) },
			reason: "signature verification failed",
			reply:  msgInvalidSignature,
		},
		{
			pass:   func() bool { return MatchesPush(body, s.cfg.Repo.FullName, s.cfg.Repo.Branch) },
			reason: "delivery is not a push to the watched branch",
			reply:  msgNotMainBranch,
		},
	}
	// Matching first reveals to an unsigned caller whether its payload matches.
	if s.cfg.Webhook.MatchBeforeVerify {
		checks[0], checks[1] = checks[1], checks[0]
	}
	for _, c := range checks {
		if !c.pass() {
			logger.Warn(c.reason)
			respond(w, http.StatusUnauthorized, c.reply)
			return
		}
	}

	s.pull(w, r, logger)
}

// pull runs the sync and reports its result. Both outcomes and execution
// errors are answered with 200: the delivery itself was valid.
func (s *Server) pull(w http.ResponseWriter, r *http.Request, logger *slog.Logger) {
	// A sender hanging up must not kill git halfway through a merge.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.cfg.Sync.Timeout)
	defer cancel()

	path := s.cfg.RepoPath()
	start := time.Now()

	outcome, err := s.puller.Pull(ctx, path)
	if err != nil {
		logger.Error("pull could not be executed", "path", path, "error", err)
		respond(w, http.StatusOK, err.Error())
		return
	}

	if outcome.Kind == git.OutcomeFailed {
		logger.Warn("pull failed", "path", path, "detail", outcome.Detail)
	} else {
		logger.Info("pull executed",
			"path", path,
			"outcome", outcome.String(),
			"duration_ms", time.Since(start).Milliseconds())
	}

	respond(w, http.StatusOK, outcome.String())
}

// deliveryID returns GitHub's delivery GUID, or a fresh one for senders that
// do not set it, so log lines of one request can be correlated.
func deliveryID(r *http.Request) string {
	if id := r.Header.Get(deliveryHeader); id != "" {
		return id
	}
	return uuid.NewString()
}

// checkUTF8 returns an error naming the first invalid byte offset
func checkUTF8(body []byte) error {
	if utf8.Valid(body) {
		return nil
	}
	for i := 0; i < len(body); {
		r, size := utf8.DecodeRune(body[i:])
		if r == utf8.RuneError && size == 1 {
			return fmt.Errorf("invalid utf-8 sequence at byte offset %d", i)
		}
		i += size
	}
	return errors.New("invalid utf-8 sequence")
}

// respond writes a plain-text body without a trailing newline
func respond(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}
