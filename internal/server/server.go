// Package server exposes the REST API: auth, document lifecycle, notes
// and question answering.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noteloom/noteloom/config"
	"github.com/noteloom/noteloom/internal/blob"
	"github.com/noteloom/noteloom/internal/pipeline"
	"github.com/noteloom/noteloom/internal/queue/streams"
	"github.com/noteloom/noteloom/internal/runtime"
	"github.com/noteloom/noteloom/internal/search"
	"github.com/noteloom/noteloom/internal/store"
)

// Deps bundles everything the HTTP layer needs, so tests can assemble the
// router around fakes.
type Deps struct {
	Store     *store.Store
	Blob      *blob.Store
	Publisher *streams.Publisher
	Pipe      *pipeline.Pipeline
	Search    *search.Index
	Secret    []byte
	Uploads   config.UploadsConfig
}

// New builds the echo router with all routes and middleware mounted.
func New(deps Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api")

	auth := &AuthHandler{Store: deps.Store, Secret: deps.Secret}
	auth.Register(api.Group("/auth"))

	docsGroup := api.Group("/documents")
	dh := &DocumentsHandler{
		Store:     deps.Store,
		Blob:      deps.Blob,
		Publisher: deps.Publisher,
		Pipe:      deps.Pipe,
		Uploads:   deps.Uploads,
	}
	dh.Register(docsGroup, deps.Secret)

	nh := &NotesHandler{Store: deps.Store, Search: deps.Search}
	nh.Register(docsGroup, api.Group("/notes"), deps.Secret)

	return e
}

// Run wires real dependencies from config and serves until the listener fails.
func Run(ctx context.Context, cfg *config.Config) error {
	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return err
	}
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	svc, err := runtime.BuildServices(ctx, cfg, log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags), runtime.WithSearchIndex())
	if err != nil {
		return err
	}
	defer svc.Close()

	e := New(Deps{
		Store:     svc.Store,
		Blob:      svc.Blob,
		Publisher: svc.Publisher,
		Pipe:      svc.Pipeline,
		Search:    svc.Search,
		Secret:    svc.Secret,
		Uploads:   cfg.Uploads,
	})

	addr := cfg.Server.Address
	if addr == "" {
		addr = ":8080"
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = e.Shutdown(shutdownCtx)
	}()
	if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
