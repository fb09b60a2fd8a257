package main

import (
	"fmt"
	"log/slog"

	"github.com/dikkadev/websubhub/internal/db"
	"github.com/dikkadev/websubhub/internal/jobs"
	migrate "github.com/rubenv/sql-migrate"
	cli "github.com/urfave/cli/v2"
)

var migrateCmd = &cli.Command{
	Name:  "migrate",
	Usage: "apply (or roll back) database migrations",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "down",
			Usage: "roll back all migrations",
		},
	},
	Action: func(cctx *cli.Context) error {
		store, err := db.NewLibSQL(cctx.String("database-url"))
		if err != nil {
			return err
		}
		defer store.Close()

		dir := migrate.Up
		if cctx.Bool("down") {
			dir = migrate.Down
		}
		n, err := store.Migrate(cctx.Context, dir)
		if err != nil {
			return err
		}
		slog.Info("Migrations applied", "count", n, "down", cctx.Bool("down"))
		return nil
	},
}

var jobsCmd = &cli.Command{
	Name:  "jobs",
	Usage: "manage the periodic jobs",
	Subcommands: []*cli.Command{
		{
			Name:  "install",
			Usage: "schedule the first run of every job that is not installed yet",
			Flags: hubFlags,
			Action: func(cctx *cli.Context) error {
				runner, closeStore, err := newRunner(cctx)
				if err != nil {
					return err
				}
				defer closeStore()
				return runner.Install(cctx.Context)
			},
		},
		{
			Name:      "run",
			Usage:     "perform one job right away",
			ArgsUsage: "<" + jobs.ProcessSubscriptionsName + "|" + jobs.ProcessContentsName + "|" + jobs.CleanerName + ">",
			Flags:     hubFlags,
			Action: func(cctx *cli.Context) error {
				if cctx.NArg() != 1 {
					return cli.Exit("expected exactly one job name", 1)
				}
				runner, closeStore, err := newRunner(cctx)
				if err != nil {
					return err
				}
				defer closeStore()

				name := cctx.Args().First()
				if err := runner.RunNow(cctx.Context, name); err != nil {
					return fmt.Errorf("job %s: %w", name, err)
				}
				slog.Info("Job done", "job", name)
				return nil
			},
		},
	},
}

func newRunner(cctx *cli.Context) (*jobs.Runner, func() error, error) {
	logger := slog.Default()
	store, err := openStore(cctx.Context, cctx.String("database-url"), logger)
	if err != nil {
		return nil, nil, err
	}

	source, _, err := originsSource(cctx, logger)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	runner := jobs.NewRunner(store, jobs.Jobs(jobDeps(cctx, store, source, logger)), jobs.WithRunnerLogger(logger))
	return runner, store.Close, nil
}
