// Package app wires the configured components into a running control plane.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/victorgomez09/inkwell/internal/audit"
	"github.com/victorgomez09/inkwell/internal/auth/database"
	"github.com/victorgomez09/inkwell/internal/auth/handlers"
	authmw "github.com/victorgomez09/inkwell/internal/auth/middleware"
	"github.com/victorgomez09/inkwell/internal/auth/service"
	"github.com/victorgomez09/inkwell/internal/clock"
	"github.com/victorgomez09/inkwell/internal/config"
	"github.com/victorgomez09/inkwell/internal/crypto"
	"github.com/victorgomez09/inkwell/internal/flags"
	"github.com/victorgomez09/inkwell/internal/health"
	"github.com/victorgomez09/inkwell/internal/logger"
	"github.com/victorgomez09/inkwell/internal/mail"
	"github.com/victorgomez09/inkwell/internal/maintenance"
	"github.com/victorgomez09/inkwell/internal/ratelimit"
	"github.com/victorgomez09/inkwell/internal/secrets"
	"github.com/victorgomez09/inkwell/internal/server"
	"github.com/victorgomez09/inkwell/internal/shutdown"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Options override parts of the wiring. Every field is optional.
type Options struct {
	Logs   *logger.Manager
	Clock  clock.Clock
	Mailer mail.Mailer // Replaces the SMTP or log mailer chosen from config.
	Audit  audit.Sink  // Receives every event in addition to the database.
}

// App holds the wired components.
type App struct {
	Config   *config.Config
	DB       *database.DB
	Sessions *service.SessionService
	Auth     *service.AuthService
	Keys     *service.APIKeyManager
	Limiter  *ratelimit.Limiter
	Flags    *flags.Service
	Secrets  *secrets.Service
	Health   *health.Checker
	Janitor  *maintenance.Janitor
	Server   *server.Server

	shutdown *shutdown.Manager
	logger   *zap.Logger
}

func (o Options) log(name string) *zap.Logger {
	if o.Logs == nil {
		return zap.NewNop()
	}
	return o.Logs.Logger(name)
}

// New opens the database and builds every service on top of it. On error
// whatever was already opened is closed again.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *App, err error) {
	clk := clock.OrSystem(opts.Clock)
	a := &App{
		Config:   cfg,
		shutdown: shutdown.NewManager(opts.log("inkwell")),
		logger:   opts.log("inkwell"),
	}
	defer func() {
		if err != nil {
			a.shutdown.Shutdown(context.WithoutCancel(ctx))
		}
	}()

	a.DB, err = database.Open(ctx, cfg.Database, opts.log("database"))
	if err != nil {
		return nil, err
	}
	a.shutdown.RegisterCloser("database", a.DB.Close)

	sinks := audit.MultiSink{audit.NewLogSink(opts.log("audit"))}
	persisted := audit.NewAsyncSink(a.DB, opts.log("audit"), 0)
	a.shutdown.RegisterShutdown("audit", persisted.Shutdown)
	sinks = append(sinks, persisted)
	if opts.Audit != nil {
		sinks = append(sinks, opts.Audit)
	}

	mailer := opts.Mailer
	if mailer == nil {
		if cfg.Mail.Enabled() {
			if mailer, err = mail.NewSMTPMailer(cfg.Mail, opts.log("mail")); err != nil {
				return nil, err
			}
		} else {
			a.logger.Warn("no mail host configured, emails are only logged")
			mailer = mail.NewLogMailer(opts.log("mail"))
		}
	}

	a.Sessions, err = service.NewSessionService(a.DB, a.DB, service.SessionConfig{
		Secret: []byte(cfg.Auth.JWTSecret),
		TTL:    cfg.Auth.SessionTTL,
		Issuer: cfg.Auth.Issuer,
	}, clk, sinks, opts.log("sessions"))
	if err != nil {
		return nil, err
	}

	oneTime := service.NewOneTimeTokenService(a.DB, nil, clk, opts.log("tokens"))
	a.Keys = service.NewAPIKeyManager(a.DB, nil, clk, sinks, opts.log("api_keys"))
	a.shutdown.RegisterShutdown("api key touches", func(context.Context) error {
		a.Keys.Wait()
		return nil
	})

	a.Auth = service.NewAuthService(cfg.Auth.AuthConfig, service.AuthDeps{
		Users:    a.DB,
		Sessions: a.Sessions,
		Tokens:   oneTime,
		Mailer:   mailer,
		Composer: mail.NewComposer(cfg.Mail.BaseURL),
		Clock:    clk,
		Audit:    sinks,
		Logger:   opts.log("auth"),
	})

	a.Limiter, err = ratelimit.NewLimiter(a.DB.RateLimitStore(), cfg.RateLimits,
		ratelimit.WithClock(clk),
		ratelimit.WithAudit(sinks),
		ratelimit.WithLogger(opts.log("ratelimit")))
	if err != nil {
		return nil, err
	}

	a.Flags = flags.NewService(a.DB, nil, clk, sinks, opts.log("flags"))

	provider, err := crypto.NewLocalProviderFromSpecs(cfg.Secrets.KeySpecs())
	if err != nil {
		return nil, fmt.Errorf("secrets keyring: %w", err)
	}
	a.Secrets = secrets.NewService(a.DB, provider, clk, sinks, opts.log("secrets"))

	a.Health = health.NewChecker(cfg.Health, opts.log("health"))
	a.Health.Register("database", a.DB.Ping)

	a.Janitor = maintenance.NewJanitor(a.DB, a.Limiter, a.Secrets, maintenance.Config{
		Interval:         cfg.Maintenance.Interval,
		SecretMaxAgeDays: cfg.Maintenance.SecretMaxAgeDays,
	}, clk, opts.log("maintenance"))

	handler, err := server.NewRouter(server.Routes{
		Auth: handlers.NewAuthHandler(a.Auth, a.Sessions, opts.log("handlers")),
		Keys: handlers.NewAPIKeyHandler(a.Keys, opts.log("handlers")),
		Admin: handlers.NewAdminHandler(handlers.AdminDeps{
			Auth:         a.Auth,
			Flags:        a.Flags,
			Secrets:      a.Secrets,
			Audit:        a.DB,
			DefaultKeyID: cfg.Secrets.DefaultKeyID,
			Logger:       opts.log("handlers"),
		}),
		AuthMW: authmw.NewAuthMiddleware(authmw.Deps{
			Sessions: a.Sessions,
			Keys:     a.Keys,
			Users:    a.Auth,
			Flags:    a.Flags,
			Limiter:  a.Limiter,
			Logger:   opts.log("middleware"),
		}),
		Health: a.Health.Handler(),
	}, cfg.Server, opts.log("http"))
	if err != nil {
		return nil, err
	}

	a.Server, err = server.New(cfg.Server, handler, opts.log("http"))
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Handler is the routed HTTP handler.
func (a *App) Handler() http.Handler {
	return a.Server.Handler()
}

// Run serves HTTP and runs the background workers until ctx is cancelled or
// one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	a.Health.Start(ctx)
	defer a.Health.Stop()

	g.Go(func() error { return a.Server.Run(ctx) })
	g.Go(func() error { return a.Janitor.Run(ctx) })

	return g.Wait()
}

// Shutdown releases everything New opened, in reverse order.
func (a *App) Shutdown(ctx context.Context) error {
	return a.shutdown.Shutdown(ctx)
}
