package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/flushes/flushes/atproto/auth/oauth"
	"github.com/flushes/flushes/atproto/auth/oauth/gormstore"
	"github.com/flushes/flushes/atproto/auth/oauth/redisstore"
	"github.com/flushes/flushes/atproto/identity"
	"github.com/flushes/flushes/atproto/identity/redisdir"
	"github.com/flushes/flushes/flushes"
	"github.com/flushes/flushes/util/cliutil"

	"github.com/adrg/xdg"
	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"
	"gorm.io/gorm"
	"gorm.io/plugin/opentelemetry/tracing"
)

var version = versioninfo.Short()

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "flushes",
		Usage:   "post what you're up to, from the smallest room in the house",
		Version: version,
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			EnvVars: []string{"FLUSHES_LOG_LEVEL", "LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "log output format: text or json",
			EnvVars: []string{"FLUSHES_LOG_FMT"},
		},
		&cli.StringFlag{
			Name:    "db-url",
			Usage:   "database connection string for the feed index and OAuth sessions (default: sqlite file in the user data directory)",
			EnvVars: []string{"FLUSHES_DB_URL", "DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			Value:   40,
			EnvVars: []string{"FLUSHES_MAX_DB_CONNECTIONS"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "if set, OAuth sessions and identity lookups are kept in redis (eg: redis://localhost:6379/0)",
			EnvVars: []string{"FLUSHES_REDIS_URL", "REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "plc-host",
			Usage:   "method, hostname, and port of PLC registry",
			Value:   "https://plc.directory",
			EnvVars: []string{"ATP_PLC_HOST"},
		},
		&cli.StringFlag{
			Name:    "handle-resolver-host",
			Usage:   "service used for com.atproto.identity.resolveHandle",
			Value:   "https://bsky.social",
			EnvVars: []string{"FLUSHES_HANDLE_RESOLVER_HOST"},
		},
		&cli.StringFlag{
			Name:    "otel-exporter-otlp-endpoint",
			Usage:   "if set, traces are exported over OTLP HTTP (eg: http://localhost:4318)",
			EnvVars: []string{"OTEL_EXPORTER_OTLP_ENDPOINT"},
		},
	}

	app.Commands = []*cli.Command{
		&cli.Command{
			Name:   "serve",
			Usage:  "run the web server",
			Action: serve,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "bind",
					Usage:   "local IP/port to bind to",
					Value:   ":8080",
					EnvVars: []string{"FLUSHES_BIND"},
				},
				&cli.StringFlag{
					Name:    "hostname",
					Usage:   "public host name for this client (if not localhost dev mode)",
					EnvVars: []string{"FLUSHES_HOSTNAME", "CLIENT_HOSTNAME"},
				},
				&cli.StringFlag{
					Name:     "session-secret",
					Usage:    "random string/token used for session cookie security",
					Required: true,
					EnvVars:  []string{"FLUSHES_SESSION_SECRET", "SESSION_SECRET"},
				},
				&cli.StringFlag{
					Name:    "auth-server",
					Usage:   "authorization server for accounts on the main network, or with no resolvable PDS",
					Value:   "https://bsky.social",
					EnvVars: []string{"FLUSHES_AUTH_SERVER"},
				},
				&cli.StringSliceFlag{
					Name:    "scope",
					Usage:   "OAuth scopes to request",
					Value:   cli.NewStringSlice("atproto", "transition:generic"),
					EnvVars: []string{"FLUSHES_OAUTH_SCOPE"},
				},
				&cli.DurationFlag{
					Name:    "feed-cache-ttl",
					Usage:   "how long global feed pages are served from memory",
					Value:   flushes.DefaultFeedCacheTTL,
					EnvVars: []string{"FLUSHES_FEED_CACHE_TTL"},
				},
			},
		},
		&cli.Command{
			Name:      "backfill",
			Usage:     "index the flushes of the given accounts from their PDS",
			ArgsUsage: "<handle-or-did>...",
			Action:    runBackfill,
		},
		&cli.Command{
			Name:   "prune-sessions",
			Usage:  "delete expired auth requests, and OAuth sessions idle for longer than max-idle",
			Action: runPruneSessions,
			Flags: []cli.Flag{
				&cli.DurationFlag{
					Name:  "max-idle",
					Value: 30 * 24 * time.Hour,
				},
			},
		},
	}

	return app.Run(args)
}

func configLogger(cctx *cli.Context) (*slog.Logger, error) {
	return cliutil.SetupSlog(cliutil.LogOptions{
		LogLevel:  cctx.String("log-level"),
		LogFormat: cctx.String("log-format"),
	})
}

func defaultDatabaseURL() (string, error) {
	fPath, err := xdg.DataFile("flushes/flushes.sqlite")
	if err != nil {
		return "", err
	}
	return "sqlite://" + fPath, nil
}

func openDatabase(cctx *cli.Context, logger *slog.Logger) (*gorm.DB, error) {
	dburl := cctx.String("db-url")
	if dburl == "" {
		var err error
		if dburl, err = defaultDatabaseURL(); err != nil {
			return nil, err
		}
	}
	db, err := cliutil.SetupDatabase(dburl, cctx.Int("max-db-connections"), logger)
	if err != nil {
		return nil, err
	}
	if err := db.Use(tracing.NewPlugin()); err != nil {
		return nil, err
	}
	return db, nil
}

func configIdentity(cctx *cli.Context) (identity.AccountResolver, error) {
	base := identity.NewResolver(cctx.String("handle-resolver-host"), cctx.String("plc-host"))
	if redisURL := cctx.String("redis-url"); redisURL != "" {
		return redisdir.NewRedisResolver(base, redisURL, 24*time.Hour, 2*time.Minute, 10_000)
	}
	return identity.NewCachingResolver(base, 10_000, 24*time.Hour, 2*time.Minute), nil
}

func configAuthStore(cctx *cli.Context, db *gorm.DB) (oauth.ClientAuthStore, error) {
	if redisURL := cctx.String("redis-url"); redisURL != "" {
		return redisstore.NewStore(redisURL, 30*24*time.Hour, 30*time.Minute)
	}
	return gormstore.NewStore(db)
}

func runBackfill(cctx *cli.Context) error {
	ctx := cctx.Context
	logger, err := configLogger(cctx)
	if err != nil {
		return err
	}
	if cctx.Args().Len() == 0 {
		return fmt.Errorf("need at least one account to backfill")
	}

	db, err := openDatabase(cctx, logger)
	if err != nil {
		return err
	}
	store, err := flushes.NewStore(db)
	if err != nil {
		return err
	}
	ident, err := configIdentity(cctx)
	if err != nil {
		return err
	}

	var accounts []identity.Account
	for _, raw := range cctx.Args().Slice() {
		out, err := ident.Resolve(ctx, raw)
		if err != nil {
			return err
		}
		if out.IsDegraded() {
			logger.Warn("could not fully resolve account", "identifier", raw, "err", out.Cause())
		}
		accounts = append(accounts, out.Value())
	}

	svc := flushes.NewService(store, nil)
	n, err := svc.Backfill(ctx, accounts)
	logger.Info("backfill finished", "accounts", len(accounts), "indexed", n)
	return err
}

func runPruneSessions(cctx *cli.Context) error {
	logger, err := configLogger(cctx)
	if err != nil {
		return err
	}
	if cctx.String("redis-url") != "" {
		// redis keys expire on their own
		logger.Info("sessions are stored in redis; nothing to prune")
		return nil
	}
	db, err := openDatabase(cctx, logger)
	if err != nil {
		return err
	}
	store, err := gormstore.NewStore(db)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cctx.Context, 5*time.Minute)
	defer cancel()
	n, err := store.Prune(ctx, cctx.Duration("max-idle"))
	if err != nil {
		return err
	}
	logger.Info("pruned OAuth state", "rows", n)
	return nil
}
