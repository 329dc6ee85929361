package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flushes/flushes/atproto/auth/oauth"
	"github.com/flushes/flushes/atproto/identity"
	"github.com/flushes/flushes/flushes"

	"github.com/gorilla/sessions"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	slogecho "github.com/samber/slog-echo"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type ServerConfig struct {
	Bind string
	// Public hostname. Empty means localhost development mode.
	Hostname      string
	SessionSecret string
	// Registers request metrics on the default prometheus registry; only one server per process may set this.
	Metrics bool
}

type Server struct {
	echo        *echo.Echo
	httpd       *http.Server
	logger      *slog.Logger
	cookieStore *sessions.CookieStore

	OAuth    *oauth.ClientApp
	Flushes  *flushes.Service
	Identity identity.AccountResolver
}

func NewServer(config ServerConfig, oauthApp *oauth.ClientApp, svc *flushes.Service, ident identity.AccountResolver) *Server {
	logger := slog.Default().With("subsystem", "server")
	e := echo.New()

	// httpd
	var (
		httpTimeout        = 1 * time.Minute
		httpMaxHeaderBytes = 1 * (1024 * 1024)
	)

	cookieStore := sessions.NewCookieStore([]byte(config.SessionSecret))
	cookieStore.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   30 * 24 * 60 * 60,
		HttpOnly: true,
		Secure:   config.Hostname != "",
		SameSite: http.SameSiteLaxMode,
	}

	srv := &Server{
		echo:        e,
		logger:      logger,
		cookieStore: cookieStore,
		OAuth:       oauthApp,
		Flushes:     svc,
		Identity:    ident,
	}
	srv.httpd = &http.Server{
		Handler:        otelhttp.NewHandler(srv, "flushes"),
		Addr:           config.Bind,
		WriteTimeout:   httpTimeout,
		ReadTimeout:    httpTimeout,
		MaxHeaderBytes: httpMaxHeaderBytes,
	}

	e.HideBanner = true
	e.Use(slogecho.New(logger))
	e.Use(middleware.Recover())
	if config.Metrics {
		e.Use(echoprometheus.NewMiddleware("flushes"))
	}
	e.Use(middleware.BodyLimit("64K"))
	e.Use(session.Middleware(cookieStore))
	e.HTTPErrorHandler = srv.errorHandler
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "SAMEORIGIN",
		HSTSMaxAge:         31536000, // 365 days
	}))

	e.GET("/", srv.WebHome)
	e.GET("/_health", srv.HandleHealthCheck)
	e.GET("/metrics", echoprometheus.NewHandler())

	e.GET("/oauth/client-metadata.json", srv.HandleClientMetadata)
	e.GET("/oauth/login", srv.HandleLogin)
	e.POST("/oauth/login", srv.HandleLogin)
	e.GET("/oauth/callback", srv.HandleCallback)
	e.GET("/oauth/refresh", srv.HandleRefresh)
	e.GET("/oauth/logout", srv.HandleLogout)

	e.GET("/api/feed", srv.HandleFeed)
	e.GET("/api/me", srv.HandleMe)
	e.GET("/api/resolve", srv.HandleResolve)
	e.POST("/api/flushes", srv.HandlePostFlush)
	e.PUT("/api/flushes/:rkey", srv.HandleUpdateFlush)
	e.DELETE("/api/flushes/:rkey", srv.HandleDeleteFlush)

	return srv
}

func (srv *Server) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	srv.echo.ServeHTTP(rw, req)
}

func (srv *Server) Shutdown() error {
	srv.logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.httpd.Shutdown(ctx)
}

func oauthConfig(cctx *cli.Context) oauth.ClientConfig {
	scopes := cctx.StringSlice("scope")
	hostname := cctx.String("hostname")

	var config oauth.ClientConfig
	if hostname == "" {
		config = oauth.NewLocalhostConfig(
			fmt.Sprintf("http://127.0.0.1%s/oauth/callback", cctx.String("bind")),
			scopes,
		)
		slog.Info("configuring localhost OAuth client", "CallbackURL", config.CallbackURL)
	} else {
		config = oauth.NewPublicConfig(
			fmt.Sprintf("https://%s/oauth/client-metadata.json", hostname),
			fmt.Sprintf("https://%s/oauth/callback", hostname),
			scopes,
		)
	}
	config.UserAgent = "flushes/" + version
	config.Network.CanonicalAuthServer = cctx.String("auth-server")
	return config
}

func serve(cctx *cli.Context) error {
	logger, err := configLogger(cctx)
	if err != nil {
		return err
	}

	stopTracing, err := setupTracing(cctx, logger)
	if err != nil {
		return err
	}
	defer stopTracing()

	db, err := openDatabase(cctx, logger)
	if err != nil {
		return err
	}
	authStore, err := configAuthStore(cctx, db)
	if err != nil {
		return err
	}
	ident, err := configIdentity(cctx)
	if err != nil {
		return err
	}

	config := oauthConfig(cctx)
	oauthApp := oauth.NewClientApp(&config, authStore, ident, nil)

	feedStore, err := flushes.NewStore(db)
	if err != nil {
		return err
	}
	svc := flushes.NewService(feedStore, flushes.NewFeedCache(256, cctx.Duration("feed-cache-ttl")))

	srv := NewServer(ServerConfig{
		Bind:          cctx.String("bind"),
		Hostname:      cctx.String("hostname"),
		SessionSecret: cctx.String("session-secret"),
		Metrics:       true,
	}, oauthApp, svc, ident)

	// Start the server
	logger.Info("starting server", "bind", srv.httpd.Addr, "version", version)
	go func() {
		if err := srv.httpd.ListenAndServe(); err != nil {
			if !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server shutting down unexpectedly", "err", err)
			}
		}
	}()

	// Wait for a signal to exit.
	exitSignals := make(chan os.Signal, 1)
	signal.Notify(exitSignals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exitSignals
	logger.Info("received OS exit signal", "signal", sig)

	if err := srv.Shutdown(); err != nil {
		logger.Error("HTTP server shutdown error", "err", err)
	}
	if err := oauthApp.Close(); err != nil {
		logger.Error("closing OAuth client", "err", err)
	}
	if sqldb, err := db.DB(); err == nil {
		sqldb.Close()
	}
	logger.Info("graceful shutdown complete")
	return nil
}
