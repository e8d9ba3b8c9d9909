// Package cliapp bundles the process's long-lived collaborators (store,
// effector registry, audit log, orchestrator) into a single App value that
// the CLI root command builds once and every subcommand reads back out of
// its context. It is a separate package from internal/cli so that both the
// root command (which constructs an App) and internal/cli/commands (which
// consumes one) can import it without a cycle.
package cliapp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bartekus/sentrygate/internal/audit"
	"github.com/bartekus/sentrygate/internal/config"
	"github.com/bartekus/sentrygate/internal/effector"
	"github.com/bartekus/sentrygate/internal/effector/echo"
	"github.com/bartekus/sentrygate/internal/effector/fs"
	"github.com/bartekus/sentrygate/internal/effector/network"
	"github.com/bartekus/sentrygate/internal/effector/shell"
	"github.com/bartekus/sentrygate/internal/logging"
	"github.com/bartekus/sentrygate/internal/model"
	"github.com/bartekus/sentrygate/internal/orchestrator"
	"github.com/bartekus/sentrygate/internal/store"
)

// App bundles the process's long-lived collaborators, built once at
// startup and threaded through every subcommand via the command's context.
type App struct {
	Store        store.Store
	Registry     *effector.Registry
	Audit        *audit.Log
	Orchestrator *orchestrator.Orchestrator
	Logger       logging.Logger
	Process      *config.Process
}

type contextKey struct{}

// New opens the store, registers the built-in effectors in deterministic
// order, and seeds Settings on a fresh database from the seed file at
// seedPath (or DefaultSeed() if seedPath is empty or missing).
func New(ctx context.Context, proc *config.Process, seedPath string, verbose bool) (*App, error) {
	logger := logging.NewLogger(verbose)

	s, err := store.Open(ctx, proc.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	reg := effector.NewRegistry(logger)
	reg.Register(fs.New())
	reg.Register(shell.New())
	reg.Register(network.New())
	reg.Register(echo.New())

	if err := seedSettings(ctx, s, seedPath); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("seeding settings: %w", err)
	}

	auditLog := audit.New(s)
	orch := orchestrator.New(s, reg, auditLog, logger)

	return &App{
		Store:        s,
		Registry:     reg,
		Audit:        auditLog,
		Orchestrator: orch,
		Logger:       logger,
		Process:      proc,
	}, nil
}

// seedSettings populates allowed_roots/shell_allowlist/safe_mode the first
// time the database is opened, leaving existing values untouched on
// subsequent runs.
func seedSettings(ctx context.Context, s store.Store, seedPath string) error {
	if _, err := s.GetSetting(ctx, model.SettingSafeMode); err == nil {
		return nil
	} else if err != store.ErrNotFound {
		return err
	}

	seed := config.DefaultSeed()
	if seedPath != "" {
		loaded, err := config.LoadSeed(seedPath)
		if err != nil && err != config.ErrSeedNotFound {
			return err
		}
		if err == nil {
			seed = loaded
		}
	}

	roots, err := json.Marshal(seed.AllowedRoots)
	if err != nil {
		return err
	}
	allowlist, err := json.Marshal(seed.ShellAllowlist)
	if err != nil {
		return err
	}
	safeMode, err := json.Marshal(seed.SafeMode)
	if err != nil {
		return err
	}

	if err := s.PutSetting(ctx, model.SettingAllowedRoots, roots); err != nil {
		return err
	}
	if err := s.PutSetting(ctx, model.SettingShellAllowlist, allowlist); err != nil {
		return err
	}
	return s.PutSetting(ctx, model.SettingSafeMode, safeMode)
}

// WithApp returns a context carrying app, retrievable by FromContext.
func WithApp(ctx context.Context, app *App) context.Context {
	return context.WithValue(ctx, contextKey{}, app)
}

// FromContext retrieves the App a root command stashed in ctx.
func FromContext(ctx context.Context) (*App, error) {
	app, ok := ctx.Value(contextKey{}).(*App)
	if !ok || app == nil {
		return nil, fmt.Errorf("no app in context: command must run under the sentrygate root command")
	}
	return app, nil
}
