package api

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	swagger "github.com/go-swagno/swagno-fiber/swagger"
	"github.com/saturnino-fabrica-de-software/netra/internal/api/docs"
	"github.com/saturnino-fabrica-de-software/netra/internal/api/handler"
	"github.com/saturnino-fabrica-de-software/netra/internal/api/middleware"
)

type Dependencies struct {
	Service   handler.VerificationService
	Readiness handler.ReadinessChecker
	Paths     handler.ModelPaths
	RateLimit middleware.RateLimiterConfig
	BodyLimit int
	Version   string
}

type Router struct {
	app         *fiber.App
	logger      *slog.Logger
	deps        *Dependencies
	rateLimiter *middleware.RateLimiter
}

func NewRouter(logger *slog.Logger, deps *Dependencies) *Router {
	cfg := fiber.Config{
		ErrorHandler: middleware.ErrorHandler(logger),
		AppName:      "Netra API",
	}
	if deps != nil && deps.BodyLimit > 0 {
		cfg.BodyLimit = deps.BodyLimit
	}

	return &Router{
		app:    fiber.New(cfg),
		logger: logger,
		deps:   deps,
	}
}

func (r *Router) Setup() {
	r.app.Use(requestid.New())
	r.app.Use(middleware.Recover(r.logger))
	r.app.Use(middleware.Logger(r.logger))
	r.app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept",
	}))

	sw := docs.NewSwagger()
	swagger.SwaggerHandler(r.app, sw.MustToJson())

	r.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	var readiness handler.ReadinessChecker
	version := ""
	if r.deps != nil {
		readiness = r.deps.Readiness
		version = r.deps.Version
	}
	healthHandler := handler.NewHealthHandler(readiness, version)
	r.app.Get("/health", healthHandler.Health)
	r.app.Get("/ready", healthHandler.Ready)

	if r.deps == nil || r.deps.Service == nil {
		return
	}

	v1 := r.app.Group("/v1")

	r.rateLimiter = middleware.NewRateLimiter(r.deps.RateLimit)
	v1.Use(r.rateLimiter.Handler())

	h := handler.NewVerificationHandler(r.deps.Service, r.deps.Paths, r.logger)
	v1.Post("/embed", h.Embed)
	v1.Post("/compare", h.Compare)
	v1.Post("/verify", h.Verify)
	v1.Get("/model", h.Model)
	v1.Post("/model/reload", h.Reload)
}

func (r *Router) App() *fiber.App {
	return r.app
}

func (r *Router) Listen(addr string) error {
	return r.app.Listen(addr)
}

func (r *Router) Shutdown() error {
	if r.rateLimiter != nil {
		r.rateLimiter.Stop()
	}
	return r.app.Shutdown()
}
