package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"

	"github.com/bluesky-social/gatekeep/engine"
	"github.com/bluesky-social/gatekeep/federation"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "gatekeep",
		Usage:   "membership verification daemon for federated group moderation",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "platform-host",
			Usage:   "base URL of the chat platform bot API",
			Value:   "https://api.telegram.org",
			EnvVars: []string{"GATEKEEP_PLATFORM_HOST"},
		},
		&cli.StringFlag{
			Name:    "platform-token",
			Usage:   "bot token for the chat platform",
			EnvVars: []string{"GATEKEEP_PLATFORM_TOKEN"},
		},
		&cli.Float64Flag{
			Name:    "platform-rate-limit",
			Usage:   "max requests per second to the chat platform",
			Value:   25,
			EnvVars: []string{"GATEKEEP_PLATFORM_RATE_LIMIT"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis connection URL; enables redis-backed state, counters, flags and federation channels",
			EnvVars: []string{"GATEKEEP_REDIS_URL", "REDIS_URL"},
		},
	}

	app.Commands = []*cli.Command{
		runCmd,
	}

	return app.Run(args)
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the service",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for HTTP APIs",
			Value:   ":3999",
			EnvVars: []string{"GATEKEEP_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":3998",
			EnvVars: []string{"GATEKEEP_METRICS_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "api-token",
			Usage:   "bearer token required on /v1 routes; empty disables auth",
			EnvVars: []string{"GATEKEEP_API_TOKEN"},
		},
		&cli.Int64Flag{
			Name:     "holding-area",
			Usage:    "chat id of the holding area where challenges are issued",
			Required: true,
			EnvVars:  []string{"GATEKEEP_HOLDING_AREA"},
		},
		&cli.StringFlag{
			Name:    "state-dir",
			Usage:   "directory for state snapshots when redis is not configured",
			Value:   "data/gatekeep",
			EnvVars: []string{"GATEKEEP_STATE_DIR"},
		},
		&cli.StringFlag{
			Name:    "sets-json-file",
			Usage:   "JSON file of operator sets (trusted-users, exempt-groups)",
			EnvVars: []string{"GATEKEEP_SETS_JSON_FILE"},
		},
		&cli.StringFlag{
			Name:    "federation-tag",
			Usage:   "this service's tag in the federation",
			Value:   federation.TagCaptcha,
			EnvVars: []string{"GATEKEEP_FEDERATION_TAG"},
		},
		&cli.StringFlag{
			Name:    "federation-secret",
			Usage:   "shared secret for sealing files sent to siblings",
			EnvVars: []string{"GATEKEEP_FEDERATION_SECRET"},
		},
		&cli.StringFlag{
			Name:    "federation-channel",
			Value:   "exchange",
			EnvVars: []string{"GATEKEEP_FEDERATION_CHANNEL"},
		},
		&cli.StringFlag{
			Name:    "federation-fallback-channel",
			Value:   "hide",
			EnvVars: []string{"GATEKEEP_FEDERATION_FALLBACK_CHANNEL"},
		},
		&cli.StringFlag{
			Name:    "slack-webhook-url",
			Usage:   "full URL of slack webhook for operator reports",
			EnvVars: []string{"SLACK_WEBHOOK_URL"},
		},
		&cli.DurationFlag{
			Name:    "challenge-timeout",
			Value:   engine.DefaultConfig().ChallengeTimeout,
			EnvVars: []string{"GATEKEEP_CHALLENGE_TIMEOUT"},
		},
		&cli.IntFlag{
			Name:    "limit-flood",
			Usage:   "wait list size above which a group floods",
			Value:   engine.DefaultConfig().LimitFlood,
			EnvVars: []string{"GATEKEEP_LIMIT_FLOOD"},
		},
		&cli.StringFlag{
			Name:    "locale",
			Value:   engine.DefaultConfig().Locale,
			EnvVars: []string{"GATEKEEP_LOCALE"},
		},
		&cli.Int64Flag{
			Name:    "workers",
			Usage:   "max concurrent deferred announcement tasks",
			Value:   engine.DefaultConfig().Workers,
			EnvVars: []string{"GATEKEEP_WORKERS"},
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
		slog.SetDefault(logger)

		shutdownOTEL := configOTEL("gatekeep")
		defer shutdownOTEL()

		ecfg := engine.DefaultConfig()
		ecfg.HoldingArea = cctx.Int64("holding-area")
		ecfg.ChallengeTimeout = cctx.Duration("challenge-timeout")
		ecfg.LimitFlood = cctx.Int("limit-flood")
		ecfg.Locale = cctx.String("locale")
		ecfg.Workers = cctx.Int64("workers")
		ecfg.ScoreSource = cctx.String("federation-tag")

		fcfg := federation.DefaultConfig()
		fcfg.Self = cctx.String("federation-tag")
		fcfg.Secret = []byte(cctx.String("federation-secret"))

		srv, err := NewServer(Config{
			Logger:          logger,
			Bind:            cctx.String("bind"),
			MetricsListen:   cctx.String("metrics-listen"),
			APIToken:        cctx.String("api-token"),
			PlatformHost:    cctx.String("platform-host"),
			PlatformToken:   cctx.String("platform-token"),
			PlatformRate:    cctx.Float64("platform-rate-limit"),
			RedisURL:        cctx.String("redis-url"),
			StateDir:        cctx.String("state-dir"),
			SetsFileJSON:    cctx.String("sets-json-file"),
			SlackWebhookURL: cctx.String("slack-webhook-url"),
			PrimaryChannel:  cctx.String("federation-channel"),
			FallbackChannel: cctx.String("federation-fallback-channel"),
			Engine:          ecfg,
			Federation:      fcfg,
		})
		if err != nil {
			return err
		}

		if err := srv.Run(ctx); err != nil {
			return fmt.Errorf("failed to run gatekeep service: %w", err)
		}
		return nil
	},
}
