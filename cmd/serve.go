package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"citation-capture/core/loader"
	"citation-capture/core/logger"
	"citation-capture/core/middleware/auth"
	"citation-capture/feature/citation"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the registry API server",
	Long:  `Starts the HTTP server exposing target lookups, curation and metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		server, err := newServer(a)
		if err != nil {
			return err
		}

		go func() {
			a.logger.Info("Starting server", zap.String("port", a.cfg.Server.Port))
			if err := server.Listen(a.cfg.Server.Address()); err != nil {
				a.logger.Fatal("Server failed to start", zap.Error(err))
			}
		}()

		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c
		a.logger.Info("Shutting down server...")
		return server.Shutdown()
	},
}

func init() {
	RootCmd.AddCommand(serveCmd)
}

// newServer builds the fiber app with middleware and every enabled feature.
func newServer(a *app) (*fiber.App, error) {
	server := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           a.cfg.Server.ReadTimeout(),
	})

	// Request id first so every log line carries it.
	server.Use(requestid.New(requestid.Config{
		Header:     "X-Ray-ID",
		ContextKey: "ray_id",
	}))

	server.Use(func(c *fiber.Ctx) error {
		l := logger.WithRayID(a.logger, c)
		l.Info("Request started",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.String("ip", c.IP()),
		)
		err := c.Next()
		if err != nil {
			l.Error("Request error", zap.Error(err))
		}
		return err
	})

	server.Use(auth.New(auth.Config{
		ApiKey: a.cfg.Server.ApiKey,
		Skip:   []string{"/health", "/metrics"},
	}))

	server.Get("/health", func(c *fiber.Ctx) error {
		sqlDB, err := a.db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.UserContext())
		}
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable", "error": err.Error()})
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})
	server.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	mgr := loader.NewManager()
	mgr.Register(citation.NewFeature(a.processor, a.engine.Store(), a.logger))
	if err := mgr.LoadAll(server); err != nil {
		return nil, err
	}
	return server, nil
}
