package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"

	"github.com/shipboard-chat/shipboard"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

type config struct {
	BindAddr        string        `envconfig:"BINDADDR" default:"0.0.0.0:8844"`
	DB              string        `envconfig:"DB" required:"true"`
	Redis           string        `envconfig:"REDIS" default:"redis://localhost:6379/0"`
	Secret          string        `envconfig:"SECRET" required:"true"`
	SentryDSN       string        `envconfig:"SENTRY_DSN"`
	CacheTTL        time.Duration `envconfig:"CACHE_TTL" default:"30m"`
	FanoutWorkers   int           `envconfig:"FANOUT_WORKERS" default:"128"`
	EventBufferSize int           `envconfig:"EVENT_BUFFER" default:"1024"`
}

func main() {
	var cfg config
	if err := envconfig.Process("shipboard", &cfg); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	// flag overrides for local dev
	bindAddr := flag.String("bind", cfg.BindAddr, "address to listen on")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()
	if *debug {
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:     cfg.SentryDSN,
			Release: "shipboard@" + shipboard.Version,
		}); err != nil {
			logger.Fatal().Err(err).Msg("failed to initialise sentry")
		}
		defer sentry.Flush(2 * time.Second)
	}

	app, err := shipboard.Setup(cfg.DB, cfg.Redis, []byte(cfg.Secret), shipboard.Opts{
		CacheTTL:        cfg.CacheTTL,
		FanoutWorkers:   cfg.FanoutWorkers,
		EventBufferSize: cfg.EventBufferSize,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up server")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	shipboard.RunServer(ctx, app, *bindAddr)
}
