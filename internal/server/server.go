// Package server exposes a read-only HTTP view of the cache. It never calls
// the agent; everything it serves comes from files a sync already wrote.
package server

import (
	"context"
	"log/slog"
	"time"

	"aaronromeo.com/himalayacache/internal/query"
	"github.com/gofiber/contrib/otelfiber/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/pkg/errors"
)

type Server struct {
	app    *fiber.App
	logger *slog.Logger
}

type ServerOption func(*Server) error

func New(reader *query.Reader, opts ...ServerOption) (*Server, error) {
	if reader == nil {
		return nil, errors.New("requires cache reader")
	}

	s := &Server{}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.logger == nil {
		return nil, errors.New("requires slogger")
	}

	app := fiber.New(fiber.Config{
		AppName:               "himalaya-cache",
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
	})
	app.Use(otelfiber.Middleware())
	app.Use(func(c *fiber.Ctx) error {
		c.Locals(readerKey, reader)
		return c.Next()
	})

	app.Get("/healthz", Health)
	app.Get("/accounts", Accounts)
	app.Get("/folders", Folders)
	app.Get("/envelopes", Envelopes)
	app.Get("/messages/:id", Message)
	app.Get("/messages/:id/headers", Headers)
	app.Use(NotFound)

	s.app = app
	return s, nil
}

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	var re *readError
	if errors.As(err, &re) {
		s.logger.WarnContext(c.UserContext(), "Failed to serve from cache",
			slog.String("path", c.Path()),
			slog.Int("status", re.status),
			slog.Any("error", re.err),
		)
	}
	return ErrorHandler(c, err)
}

func (s *Server) App() *fiber.App {
	return s.app
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.InfoContext(ctx, "Serving cache", slog.String("addr", addr))
		errCh <- s.app.Listen(addr)
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "serving cache")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.app.ShutdownWithContext(shutdownCtx); err != nil {
			return errors.Wrap(err, "shutting down server")
		}
		s.logger.InfoContext(ctx, "Server stopped")
		return nil
	}
}
