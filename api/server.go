package api

import (
	"context"
	"net/http"
	"time"

	"transcribe/worker"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
)

// Pinger reports whether a backing service is reachable.
type Pinger func(ctx context.Context) error

type Options struct {
	WebhookSecret string
	CronSecret    string
	AccessLog     bool
	// BodyLimit caps request bodies, e.g. "10M". Defaults to DefaultBodyLimit.
	BodyLimit string
	Checks    map[string]Pinger
}

const DefaultBodyLimit = "10M"

// Server exposes the orchestration pipeline over HTTP.
type Server struct {
	Echo   *echo.Echo
	pool   *worker.Pool
	opts   Options
	logger logrus.FieldLogger
}

func New(pool *worker.Pool, opts Options, logger logrus.FieldLogger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	if opts.BodyLimit == "" {
		opts.BodyLimit = DefaultBodyLimit
	}
	e.Use(middleware.BodyLimit(opts.BodyLimit))
	if opts.AccessLog {
		e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
			Format: "${remote_ip} ${time_rfc3339_nano} \"${method} ${path}\" ${status} ${bytes_out} ${latency_human}\n",
		}))
	}

	s := &Server{Echo: e, pool: pool, opts: opts, logger: logger}

	e.GET("/healthz", s.health)

	v1 := e.Group("/v1")
	v1.POST("/jobs", s.submitJob)
	v1.GET("/jobs/:id", s.getJob)
	v1.GET("/admission", s.checkAdmission)
	v1.POST("/webhooks/inference", s.inferenceWebhook, requireSecret("X-Webhook-Secret", opts.WebhookSecret))

	tasks := v1.Group("/tasks", requireSecret("X-Cron-Secret", opts.CronSecret))
	tasks.POST("/process-queue", s.processQueue)
	tasks.POST("/reconcile", s.reconcile)

	return s
}

func (s *Server) Start(addr string) error {
	s.logger.WithField("addr", addr).Info("http server listening")
	return s.Echo.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.Echo.Shutdown(ctx)
}

func (s *Server) health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	status := map[string]string{}
	code := http.StatusOK
	for name, check := range s.opts.Checks {
		if err := check(ctx); err != nil {
			status[name] = err.Error()
			code = http.StatusServiceUnavailable
			continue
		}
		status[name] = "ok"
	}
	return c.JSON(code, echo.Map{"status": http.StatusText(code), "checks": status})
}
