// Command crymatch runs the matchmaking roles selected by configuration:
// a Director, a Matchmaker, or both (Standalone). The RPC surface is
// provided by the embedding deployment; this binary owns the control
// plane.
package main

import (
	"context"
	"flag"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"crymatch/appconfig"
	"crymatch/audit"
	"crymatch/backoff"
	"crymatch/channel"
	"crymatch/compressor"
	"crymatch/crypter"
	"crymatch/director"
	"crymatch/matchmaker"
	"crymatch/mysql"
	"crymatch/plugin"
	"crymatch/state"
	"crymatch/ticket"
)

var log = logrus.WithFields(logrus.Fields{"app": "crymatch", "component": "main"})

func main() {
	configPath := flag.String("config", "", "path to the JSON configuration file")
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := appconfig.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := buildState(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to build state backend")
	}
	defer func() {
		if closer, ok := st.(state.Closer); ok {
			_ = closer.Close()
		}
	}()

	codec, err := buildCodec(cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to build payload codec")
	}

	var recorder director.MatchRecorder
	var sink *audit.Sink
	if cfg.MySQLDSN != "" {
		db, err := mysql.NewClient(cfg.MySQLDSN)
		if err != nil {
			log.WithError(err).Fatal("invalid mysql dsn")
		}
		defer db.Close()
		sink = audit.NewSink(db, time.Second)
		recorder = sink
		go sink.Run(ctx)
	}

	log.WithFields(logrus.Fields{
		"mode":            cfg.Mode,
		"listen_endpoint": cfg.ListenEndpoint,
		"tls":             cfg.TLSEnabled(),
	}).Info("starting")

	var stopped []<-chan struct{}

	if cfg.Mode == appconfig.ModeDirector || cfg.Mode == appconfig.ModeStandalone {
		d := director.New(st, codec, recorder, director.Config{
			UpdateDelay:              cfg.DirectorUpdateDelay,
			MaxDowntimeBeforeOffline: cfg.MaxDowntimeBeforeOffline,
			PoolCapacity:             cfg.MatchmakerPoolCapacity,
		})
		done := make(chan struct{})
		stopped = append(stopped, done)
		go func() {
			defer close(done)
			if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				if errors.Is(err, director.ErrLeaderConflict) {
					log.WithError(err).Fatal("another director is active")
				}
				log.WithError(err).Error("director stopped")
			}
		}()
	}

	if cfg.Mode == appconfig.ModeMatchmaker || cfg.Mode == appconfig.ModeStandalone {
		mm := matchmaker.New(st, codec, plugin.NewRegistry(nil), matchmaker.Config{
			Workers:                  cfg.MatchmakerThreads,
			UpdateDelay:              cfg.MatchmakerUpdateDelay,
			MaxDowntimeBeforeOffline: cfg.MaxDowntimeBeforeOffline,
			MinGatherTime:            cfg.MatchmakerMinGatherTime,
			PoolCapacity:             cfg.MatchmakerPoolCapacity,
			MaxMatchFailures:         cfg.MaxMatchFailures,
		})
		done := make(chan struct{})
		stopped = append(stopped, done)
		go func() {
			defer close(done)
			if err := mm.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Error("matchmaker stopped")
			}
		}()
	}

	if len(stopped) == 0 {
		log.Fatal("no role selected")
	}

	// Any role exiting early is a reason to bring the whole process down.
	select {
	case <-ctx.Done():
	case <-channel.Or(stopped...):
		stop()
	}
	for _, done := range stopped {
		<-done
	}
	log.Info("shut down")
}

// buildState returns the configured backend, dialing Redis with
// exponential-backoff retries so a deploy-time race with the Redis
// container doesn't kill the process.
func buildState(ctx context.Context, cfg *appconfig.Config) (state.State, error) {
	if !cfg.UseRedis {
		return state.NewMemory(), nil
	}

	rcfg, err := parseRedisOptions(cfg.RedisConfigurationOptions)
	if err != nil {
		return nil, err
	}

	bw := backoff.NewBackoff(ctx, time.Second, 0.5, 2, 5)
	bw.SetDoOperation(func() (any, error) {
		return state.NewRedis(ctx, rcfg)
	})
	bw.SetNotify(func(err error, wait time.Duration) {
		log.WithError(err).Warnf("redis dial failed, retrying in %s", wait)
	})
	res, err := bw.Exec()
	if err != nil {
		return nil, err
	}
	return res.(*state.Redis), nil
}

// parseRedisOptions understands "host:port[,password=...][,db=N]".
func parseRedisOptions(options string) (state.RedisConfig, error) {
	cfg := state.RedisConfig{
		DialTimeout:           5 * time.Second,
		ReadTimeout:           3 * time.Second,
		WriteTimeout:          3 * time.Second,
		PoolSize:              16,
		PoolTimeout:           5 * time.Second,
		DialMaxBackoffTimeout: 30 * time.Second,
	}

	parts := strings.Split(options, ",")
	cfg.Addr = strings.TrimSpace(parts[0])
	if cfg.Addr == "" {
		return cfg, errors.New("redis configuration options missing address")
	}
	for _, part := range parts[1:] {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			return cfg, errors.Newf("malformed redis option %q", part)
		}
		switch key {
		case "password":
			cfg.Password = value
		case "db":
			db, err := strconv.Atoi(value)
			if err != nil {
				return cfg, errors.Newf("malformed redis db %q", value)
			}
			cfg.DB = db
		default:
			return cfg, errors.Newf("unknown redis option %q", key)
		}
	}
	return cfg, nil
}

// buildCodec assembles the payload pipeline from configuration:
// JSON shape, selected compression, optional AES at rest.
func buildCodec(cfg *appconfig.Config) (*ticket.Codec, error) {
	var comp compressor.Compresser
	switch cfg.StateCompression {
	case "lz4":
		comp = compressor.Lz4Compressor{}
	case "zstd":
		comp = &compressor.ZstdCompressor{}
	default:
		comp = compressor.NoneCompressor{}
	}

	var cr crypter.Crypter
	if cfg.StateAESKey != "" {
		var err error
		cr, err = crypter.NewAes(cfg.StateAESKey, cfg.StateAESIV)
		if err != nil {
			return nil, err
		}
	}
	return ticket.NewCodec(comp, cr), nil
}
