package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dikkadev/websubhub/internal/api"
	"github.com/dikkadev/websubhub/internal/clock"
	"github.com/dikkadev/websubhub/internal/db"
	"github.com/dikkadev/websubhub/internal/httpclient"
	"github.com/dikkadev/websubhub/internal/inbox"
	"github.com/dikkadev/websubhub/internal/jobs"
	"github.com/dikkadev/websubhub/internal/origins"
	"github.com/dikkadev/websubhub/internal/service"
	cli "github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

const (
	readinessMaxElapsed = time.Minute
	shutdownTimeout     = 10 * time.Second
)

var serveCmd = &cli.Command{
	Name:  "serve",
	Usage: "run the hub endpoint and the background jobs",
	Flags: append([]cli.Flag{
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for HTTP",
			Value:   ":8080",
			EnvVars: []string{"HUB_BIND"},
		},
		&cli.DurationFlag{
			Name:    "job-poll-interval",
			Usage:   "how often due jobs are looked for",
			Value:   jobs.DEFAULT_POLL_INTERVAL,
			EnvVars: []string{"HUB_JOB_POLL_INTERVAL"},
		},
		&cli.BoolFlag{
			Name:    "no-jobs",
			Usage:   "only serve HTTP; another process runs the jobs",
			EnvVars: []string{"HUB_NO_JOBS"},
		},
		&cli.StringFlag{
			Name:    "publish-inbox-dir",
			Usage:   "directory watched for ping files listing topics to publish; disabled when empty",
			EnvVars: []string{"HUB_PUBLISH_INBOX_DIR"},
		},
		&cli.StringFlag{
			Name:    "publish-error-dir",
			Usage:   "directory refused ping files are moved to",
			Value:   "data/inbox-errors",
			EnvVars: []string{"HUB_PUBLISH_ERROR_DIR"},
		},
	}, hubFlags...),
	Action: func(cctx *cli.Context) error {
		ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		logger := slog.Default()

		store, err := openStore(ctx, cctx.String("database-url"), logger)
		if err != nil {
			return err
		}
		defer store.Close()

		source, watch, err := originsSource(cctx, logger)
		if err != nil {
			return err
		}

		svc := service.New(store, source, clock.Real{}, logger)
		srv := &http.Server{
			Addr:              cctx.String("bind"),
			Handler:           api.MakeHandler(svc, store, logger),
			ReadHeaderTimeout: 10 * time.Second,
		}

		var runner *jobs.Runner
		if !cctx.Bool("no-jobs") {
			runner = jobs.NewRunner(store, jobs.Jobs(jobDeps(cctx, store, source, logger)),
				jobs.WithPollInterval(cctx.Duration("job-poll-interval")),
				jobs.WithRunnerLogger(logger),
			)
		}

		var pings *inbox.Handler
		if dir := cctx.String("publish-inbox-dir"); dir != "" {
			pings, err = inbox.NewHandler(dir, cctx.String("publish-error-dir"), svc, logger)
			if err != nil {
				return err
			}
		}

		g, ctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			logger.Info("Starting HTTP server", "bind", srv.Addr, "version", version)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		if watch != nil {
			g.Go(func() error {
				return watch(ctx)
			})
		}
		if runner != nil {
			g.Go(func() error {
				return runner.Run(ctx)
			})
		}
		if pings != nil {
			g.Go(func() error {
				return pings.Start(ctx)
			})
		}

		return g.Wait()
	},
}

// openStore connects to the database, waiting for it to come up, and
// applies pending migrations.
func openStore(ctx context.Context, url string, logger *slog.Logger) (*db.LibSQL, error) {
	store, err := db.NewLibSQL(url)
	if err != nil {
		return nil, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = readinessMaxElapsed
	err = backoff.RetryNotify(func() error {
		return store.Ping(ctx)
	}, backoff.WithContext(bo, ctx), func(err error, next time.Duration) {
		logger.Warn("Database not ready, retrying", "err", err, "next", next)
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	if err := store.Initialize(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// originsSource returns the allowlist source configured by flags, and the
// watcher to run alongside when it is file backed.
func originsSource(cctx *cli.Context, logger *slog.Logger) (origins.Source, func(context.Context) error, error) {
	path := cctx.String("allowed-topic-origins-file")
	if path == "" {
		source := origins.NewStatic(cctx.String("allowed-topic-origins"))
		if source.Allowlist().IsPublic() {
			logger.Info("Running as a public hub")
		}
		return source, nil, nil
	}

	fs, err := origins.NewFileSource(path, logger)
	if err != nil {
		return nil, nil, err
	}
	return fs, fs.Watch, nil
}

func jobDeps(cctx *cli.Context, store *db.LibSQL, source origins.Source, logger *slog.Logger) jobs.Deps {
	client := httpclient.New(
		httpclient.WithTimeout(cctx.Duration("http-timeout")),
		httpclient.WithMaxRetries(cctx.Int("http-retries")),
		httpclient.WithUserAgent("websubhub/"+version),
		httpclient.WithLogger(logger),
	)
	return jobs.Deps{
		Store:   store,
		Client:  client,
		Clock:   clock.Real{},
		Origins: source,
		HubURL:  cctx.String("hub-url"),
		Logger:  logger,
	}
}
