package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"

	"github.com/mikoto-social/mikoto/events"
	"github.com/mikoto-social/mikoto/federation"
	"github.com/mikoto-social/mikoto/internal/delay"
	"github.com/mikoto-social/mikoto/messaging"
	"github.com/mikoto-social/mikoto/models"
	"github.com/mikoto-social/mikoto/notes"
	"github.com/mikoto-social/mikoto/notifs"
	"github.com/mikoto-social/mikoto/roles"
	"github.com/mikoto-social/mikoto/server"
	"github.com/mikoto-social/mikoto/stream"
	"github.com/mikoto-social/mikoto/util/cliutil"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	app := cli.App{
		Name:    "mikoto",
		Usage:   "streaming fan-out and chat daemon",
		Version: versioninfo.Short(),
	}

	app.Commands = []*cli.Command{
		&serveCmd,
	}

	return app.Run(args)
}

var serveCmd = cli.Command{
	Name:   "serve",
	Usage:  "run the streaming gateway",
	Action: Serve,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Value:   "sqlite://data/mikoto/mikoto.sqlite",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			Value:   40,
			EnvVars: []string{"MAX_DB_CONNECTIONS"},
		},
		&cli.StringFlag{
			Name:    "api-listen",
			Value:   ":3000",
			EnvVars: []string{"MIKOTO_API_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "base-url",
			Usage:   "public base URL of this instance, used in activity ids",
			Value:   "http://localhost:3000",
			EnvVars: []string{"MIKOTO_BASE_URL"},
		},
		&cli.StringFlag{
			Name:     "jwt-secret",
			Usage:    "secret for verifying access tokens",
			Required: true,
			EnvVars:  []string{"MIKOTO_JWT_SECRET"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "optional redis to bridge events across processes",
			EnvVars: []string{"MIKOTO_REDIS_URL"},
		},
		&cli.BoolFlag{
			Name:    "ltl-available",
			Usage:   "whether the local timeline is open by default",
			Value:   true,
			EnvVars: []string{"MIKOTO_LTL_AVAILABLE"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			EnvVars: []string{"MIKOTO_LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "log-format",
			EnvVars: []string{"MIKOTO_LOG_FMT"},
		},
	},
}

func Serve(cctx *cli.Context) error {
	logger, err := cliutil.SetupSlog(cliutil.LogOptions{
		LogLevel:  cctx.String("log-level"),
		LogFormat: cctx.String("log-format"),
	})
	if err != nil {
		return err
	}

	db, err := cliutil.SetupDatabase(cctx.String("database-url"), cctx.Int("max-db-connections"))
	if err != nil {
		return err
	}
	if err := models.AutoMigrateAll(db); err != nil {
		return err
	}

	notifman, err := notifs.NewNotificationManager(db)
	if err != nil {
		return err
	}

	roleSvc, err := roles.NewService(db, roles.Policies{
		LTLAvailable:  cctx.Bool("ltl-available"),
		CanPublicNote: true,
	})
	if err != nil {
		return err
	}

	em := events.NewEventManager()

	var bridge *events.RedisBridge
	if redisURL := cctx.String("redis-url"); redisURL != "" {
		bridge, err = events.NewRedisBridge(em, redisURL, "mikoto:events")
		if err != nil {
			return err
		}
	}

	go em.Run()

	bridgeCtx, stopBridge := context.WithCancel(context.Background())
	defer stopBridge()
	if bridge != nil {
		go func() {
			if err := bridge.Run(bridgeCtx); err != nil {
				logger.Error("redis bridge stopped", "err", err)
			}
		}()
	}

	dispatcher := stream.NewDispatcher(em)
	if err := dispatcher.Start(context.Background()); err != nil {
		return err
	}

	sched := delay.NewScheduler()
	deliverer := federation.NewDeliverer(federation.DefaultDelivererConfig())
	renderer := federation.NewRenderer(cctx.String("base-url"))
	chat := messaging.NewService(db, em, notifman, notifs.NullPusher{}, renderer, deliverer, sched)

	srv := server.NewServer(db, em, notifman, chat, &stream.Deps{
		Events:     em,
		Notes:      notes.NewStore(db),
		Roles:      roleSvc,
		Groups:     chat,
		Dispatcher: dispatcher,
		Log:        logger,
	}, server.Config{
		JWTSecret: cctx.String("jwt-secret"),
	})

	apiErr := make(chan error, 1)
	go func() {
		apiErr <- srv.RunAPI(cctx.String("api-listen"))
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-signals:
		logger.Info("received signal, shutting down", "signal", sig)
	case err := <-apiErr:
		logger.Error("api server shut down unexpectedly", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown failed", "err", err)
	}

	stopBridge()
	dispatcher.Shutdown()
	sched.Shutdown()
	deliverer.Shutdown()
	em.Shutdown()

	logger.Info("shutdown complete")
	return nil
}
