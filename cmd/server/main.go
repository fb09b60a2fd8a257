package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"github.com/dikkadev/prettyslog"
	cli "github.com/urfave/cli/v2"
)

var version = "dev"

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("Exiting", "err", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	app := cli.App{
		Name:    "websubhub",
		Usage:   "WebSub hub: subscriptions, intent verification and content distribution",
		Version: version,
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "SQLite file (file:...) or libSQL (libsql://, https://) database URL",
			Value:   "file:data/hub.db",
			EnvVars: []string{"HUB_DATABASE_URL", "DATABASE_URL"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity (debug, info, warn, error)",
			Value:   "info",
			EnvVars: []string{"HUB_LOG_LEVEL", "LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "log output format (pretty, json)",
			Value:   "pretty",
			EnvVars: []string{"HUB_LOG_FORMAT"},
		},
	}

	app.Before = func(cctx *cli.Context) error {
		logger, err := configLogger(cctx.String("log-level"), cctx.String("log-format"))
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		return nil
	}

	app.Commands = []*cli.Command{
		serveCmd,
		migrateCmd,
		jobsCmd,
	}

	return app.Run(args)
}

// hubFlags configure the parts of the hub shared by serve and jobs.
var hubFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "hub-url",
		Usage:   "public absolute URL of this hub, advertised in Link headers",
		Value:   "http://localhost:8080/",
		EnvVars: []string{"HUB_URL"},
	},
	&cli.StringFlag{
		Name:    "allowed-topic-origins",
		Usage:   "comma separated topic URL prefixes this hub serves; empty for a public hub",
		EnvVars: []string{"HUB_ALLOWED_TOPIC_ORIGINS"},
	},
	&cli.StringFlag{
		Name:    "allowed-topic-origins-file",
		Usage:   "file with allowed topic URL prefixes, reloaded on change; overrides --allowed-topic-origins",
		EnvVars: []string{"HUB_ALLOWED_TOPIC_ORIGINS_FILE"},
	},
	&cli.DurationFlag{
		Name:    "http-timeout",
		Usage:   "timeout of outbound verification, fetch and delivery requests",
		Value:   5 * time.Second,
		EnvVars: []string{"HUB_HTTP_TIMEOUT"},
	},
	&cli.IntFlag{
		Name:    "http-retries",
		Usage:   "immediate retries of failed outbound requests",
		Value:   0,
		EnvVars: []string{"HUB_HTTP_RETRIES"},
	},
}

func configLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info", "":
		lvl = slog.LevelInfo
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %q", level)
	}

	switch strings.ToLower(format) {
	case "pretty", "":
		return slog.New(prettyslog.NewPrettyslogHandler("websubhub", prettyslog.WithLevel(lvl))), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})), nil
	default:
		return nil, fmt.Errorf("unknown log format: %q", format)
	}
}
