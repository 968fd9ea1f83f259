// Package web serves the dashboard API, health checks, Prometheus metrics and
// a server-sent event stream of job lifecycle events.
package web

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/KoketsoMabuela92/background-job-runner/internal/engine"
	"github.com/KoketsoMabuela92/background-job-runner/internal/events"
	"github.com/KoketsoMabuela92/background-job-runner/internal/models"
	"github.com/KoketsoMabuela92/background-job-runner/internal/queue"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// JobService is the set of lifecycle operations the API exposes.
type JobService interface {
	Create(ctx context.Context, p engine.CreateParams) (*models.Job, error)
	Status(ctx context.Context, id uuid.UUID) (*models.Job, error)
	List(ctx context.Context, opts queue.ListOptions) ([]*models.Job, error)
	Stats(ctx context.Context) (map[models.Status]int64, error)
	Cancel(ctx context.Context, id uuid.UUID) (bool, error)
	Retry(ctx context.Context, id uuid.UUID) (*models.Job, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	Addr           string
	Token          string
	Secret         string
	AuthLimit      int
	AuthWindow     time.Duration
	AuthMaxEntries int
	Allowlist      *CIDRAllowlist
	TLS            *tls.Config
	Events         *events.Broker
	Logger         *slog.Logger
}

type Server struct {
	jobs    JobService
	health  Pinger
	addr    string
	token   string
	secret  string
	limiter *hostThrottle
	allow   *CIDRAllowlist
	tls     *tls.Config
	events  *events.Broker
	logger  *slog.Logger
	now     func() time.Time
}

func NewServer(jobs JobService, health Pinger, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		jobs:    jobs,
		health:  health,
		addr:    opts.Addr,
		token:   opts.Token,
		secret:  opts.Secret,
		limiter: newHostThrottle(opts.AuthLimit, opts.AuthWindow, opts.AuthMaxEntries),
		allow:   opts.Allowlist,
		tls:     opts.TLS,
		events:  opts.Events,
		logger:  logger,
		now:     time.Now,
	}
}

// Handler builds the gin router.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger(), s.authMiddleware())

	r.GET("/healthz", s.healthz)
	r.HEAD("/healthz", s.healthz)
	metrics := gin.WrapH(promhttp.Handler())
	r.GET("/metrics", metrics)
	r.HEAD("/metrics", metrics)
	r.GET("/events", s.handleEvents)

	api := r.Group("/api")
	api.GET("/jobs", s.listJobs)
	api.POST("/jobs", s.createJob)
	api.GET("/jobs/:id", s.getJob)
	api.POST("/jobs/:id/cancel", s.cancelJob)
	api.POST("/jobs/:id/retry", s.retryJob)
	api.GET("/stats", s.stats)
	return r
}

func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// No WriteTimeout: /events streams and cancel may wait out the terminate grace.
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	if s.tls != nil {
		server.TLSConfig = s.tls
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("Dashboard server shutdown error", "error", err)
		}
	}()

	s.logger.Info("Dashboard listening", "addr", s.addr, "tls", s.tls != nil)
	var err error
	if s.tls != nil {
		err = server.ListenAndServeTLS("", "")
	} else {
		err = server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) healthz(c *gin.Context) {
	if err := s.health.Ping(c.Request.Context()); err != nil {
		s.logger.Warn("Health check failed", "error", err)
		c.String(http.StatusServiceUnavailable, "unhealthy")
		return
	}
	c.String(http.StatusOK, "ok")
}

func (s *Server) handleEvents(c *gin.Context) {
	if s.events == nil {
		c.String(http.StatusNotFound, "events not configured")
		return
	}
	filter, err := parseEventFilter(c.Request)
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	ch, cancel, snapshot := s.events.Subscribe()
	defer cancel()
	for _, event := range snapshot {
		if !filter.Matches(event) {
			continue
		}
		if err := writeEvent(c.Writer, event); err != nil {
			return
		}
	}
	c.Writer.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case event := <-ch:
			if !filter.Matches(event) {
				continue
			}
			if err := writeEvent(c.Writer, event); err != nil {
				return
			}
			c.Writer.Flush()
		case <-keepalive.C:
			fmt.Fprint(c.Writer, ": ping\n\n")
			c.Writer.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event events.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload)
	return err
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.authorize(c.Writer, c.Request) {
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	host := remoteHost(r.RemoteAddr)
	if s.allow != nil && !s.allow.Allows(host) {
		limited := s.limiter != nil && !s.limiter.allow(host, s.clock())
		s.logger.Warn(
			"Denied request",
			"path", r.URL.Path,
			"method", r.Method,
			"remote_host", host,
			"reason", "allowlist",
			"rate_limited", limited,
		)
		if limited {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
		} else {
			http.Error(w, "forbidden", http.StatusForbidden)
		}
		return false
	}
	if s.token == "" && s.secret == "" {
		return true
	}
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		token := strings.TrimSpace(authHeader[len("bearer "):])
		if s.token != "" && token == s.token {
			return true
		}
		if s.secret != "" && verifySignedToken(token, s.secret, s.clock()) {
			return true
		}
	}
	limited := s.limiter != nil && !s.limiter.allow(host, s.clock())
	s.logger.Warn(
		"Unauthorized request",
		"path", r.URL.Path,
		"method", r.Method,
		"remote_host", host,
		"rate_limited", limited,
	)
	if limited {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	} else {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
	return false
}

func (s *Server) clock() time.Time {
	if s.now == nil {
		return time.Now()
	}
	return s.now()
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
