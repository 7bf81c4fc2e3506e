package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"watchlist-analyzer/internal/alerting"
	"watchlist-analyzer/internal/analysis"
	"watchlist-analyzer/internal/cache"
	"watchlist-analyzer/internal/config"
	"watchlist-analyzer/internal/job"
	"watchlist-analyzer/internal/scheduler"
	"watchlist-analyzer/internal/server"
	"watchlist-analyzer/internal/storage"
	"watchlist-analyzer/internal/upstream"
	"watchlist-analyzer/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

func (a *App) out() io.Writer {
	if a.Out == nil {
		return os.Stdout
	}
	return a.Out
}

func (a *App) openStore(ctx context.Context) (storage.Backend, func(), error) {
	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s store: %w", a.Config.Database.Driver, err)
	}
	return store, store.Close, nil
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

// newUpstream wires the API client behind the token cache and returns the
// sector cache that shares it.
func (a *App) newUpstream(sessions cache.SessionReader) (*upstream.Client, *cache.SectorCache) {
	tokens := cache.NewTokenCache(sessions, cache.TokenOptions{
		SessionKey: a.Config.Upstream.TokenSessionKey,
		Fallback:   a.Config.Upstream.FallbackToken,
	}, a.Logger)

	client := upstream.NewClient(upstream.Options{
		BaseURL:   a.Config.Upstream.BaseURL,
		Origin:    a.Config.Upstream.Origin,
		Referer:   a.Config.Upstream.Referer,
		UserAgent: a.Config.Upstream.UserAgent,
		Timeout:   a.Config.Upstream.RequestTimeout,
	}, tokens, a.Logger)

	return client, cache.NewSectorCache(client, nil, a.Logger)
}

// newJob builds the analysis job over store. groupID overrides the configured
// watchlist group when non-zero.
func (a *App) newJob(store storage.Backend, groupID int64) (*job.Job, error) {
	loc, err := a.Config.Location()
	if err != nil {
		return nil, err
	}
	policy, err := analysis.ParsePolicy(a.Config.Job.DegenerateBook)
	if err != nil {
		return nil, err
	}
	if groupID == 0 {
		groupID = a.Config.Job.WatchlistGroupID
	}

	client, sectors := a.newUpstream(store)
	deps := job.Deps{
		Upstream: client,
		Sectors:  sectors,
		Store:    store,
		Runs:     store,
	}
	if notifier := a.newNotifier(); notifier != nil {
		deps.Notifier = notifier
	}

	return job.New(deps, job.Options{
		Name:        a.Config.Job.Name,
		GroupID:     groupID,
		Concurrency: a.Config.Job.Concurrency,
		Deadline:    a.Config.Job.Deadline,
		Policy:      policy,
		LockKey:     a.Config.Scheduler.AdvisoryLockKey,
		Location:    loc,
	}, a.Logger), nil
}

// Run executes the long-running service: the HTTP trigger and the daily scheduler.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if !a.Config.Server.Enabled && !a.Config.Scheduler.Enabled {
		return errors.New("both server and scheduler are disabled; nothing to run")
	}

	a.Logger.Info().
		Str("version", version.String()).
		Bool("server", a.Config.Server.Enabled).
		Bool("scheduler", a.Config.Scheduler.Enabled).
		Msg("starting watchlist analyzer")

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	analyzer, err := a.newJob(store, 0)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.Config.Server.Enabled {
		srv := server.New(server.Config{
			Addr:         a.Config.Server.Addr,
			ReadTimeout:  a.Config.Server.ReadTimeout,
			WriteTimeout: a.Config.Server.WriteTimeout,
			Runner:       analyzer,
			Analyses:     store,
			Runs:         store,
			JobName:      analyzer.Name(),
			Logger:       a.Logger,
		})
		g.Go(srv.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if a.Config.Scheduler.Enabled {
		loc, err := a.Config.Location()
		if err != nil {
			return err
		}
		sched, err := scheduler.New(scheduler.Options{
			Spec:       a.Config.Scheduler.Cron,
			Location:   loc,
			RunOnStart: a.Config.Scheduler.RunOnStart,
		}, a.Logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			err := sched.Run(gctx, func(ctx context.Context, fired time.Time) error {
				_, err := analyzer.Run(ctx)
				if errors.Is(err, job.ErrAlreadyRunning) {
					a.Logger.Info().Time("fired", fired).Msg("scheduled run skipped; previous run still active")
					return nil
				}
				return err
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("watchlist analyzer stopped")
	return nil
}

// Migrate applies the storage schema.
func (a *App) Migrate(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.Migrate(ctx); err != nil {
		return err
	}
	fmt.Fprintf(a.out(), "schema applied (%s)\n", a.Config.Database.Driver)
	return nil
}

// SetToken stores the upstream bearer token in the session table.
func (a *App) SetToken(ctx context.Context, token string) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.UpsertSessionValue(ctx, a.Config.Upstream.TokenSessionKey, token); err != nil {
		return err
	}
	a.Logger.Info().Str("key", a.Config.Upstream.TokenSessionKey).Msg("upstream token stored")
	return nil
}

// AnalyzeOptions configure a one-off run.
type AnalyzeOptions struct {
	GroupID int64
	JSON    bool
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Tickers []string
	Sector  string
	From    *time.Time
	To      *time.Time
	Status  string
	Limit   int
	Latest  bool
}

// RunsOptions configure the runs command.
type RunsOptions struct {
	Limit int
	All   bool
}
