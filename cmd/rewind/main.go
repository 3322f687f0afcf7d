package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	gormlogger "gorm.io/gorm/logger"

	"github.com/wilhg/rewind/internal/config"
	"github.com/wilhg/rewind/pkg/otel"
	"github.com/wilhg/rewind/pkg/store"
	"github.com/wilhg/rewind/pkg/store/entstore"
	"github.com/wilhg/rewind/pkg/store/gormstore"
	"github.com/wilhg/rewind/pkg/store/memstore"
	"github.com/wilhg/rewind/pkg/store/redisstore"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

const usage = `usage: rewind [-config file] <command> [flags]

commands:
  record   capture a session and store it
  list     list stored sessions
  show     print the metadata of a session
  replay   play a stored session back
  export   write a session as a JSON document
  import   store a session from a JSON document
  delete   remove a stored session
`

var errUsage = errors.New("invalid usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	switch {
	case err == nil:
	case errors.Is(err, flag.ErrHelp):
	case errors.Is(err, errUsage):
		os.Exit(2)
	default:
		log.Error().Err(err).Msg("rewind failed")
		os.Exit(1)
	}
}

// app is what every subcommand needs: configuration and the process streams.
type app struct {
	cfg    *config.Config
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("rewind", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	var (
		showVersion bool
		configPath  string
	)
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&configPath, "config", getEnv("REWIND_CONFIG", ""), "TOML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if showVersion {
		fmt.Fprintf(stdout, "rewind %s (commit=%s, date=%s)\n", version, commit, date)
		return nil
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errUsage
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setupLogging(cfg.Log, stderr)

	if cfg.Trace.Stdout {
		shutdown, err := otel.Init(ctx, otel.Config{ServiceVersion: version, Writer: stderr, SampleRatio: cfg.Trace.SampleRatio})
		if err != nil {
			return fmt.Errorf("otel init: %w", err)
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	a := &app{cfg: cfg, stdin: stdin, stdout: stdout, stderr: stderr}
	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "record":
		return a.record(ctx, rest)
	case "list":
		return a.list(ctx, rest)
	case "show":
		return a.show(ctx, rest)
	case "replay":
		return a.replay(ctx, rest)
	case "export":
		return a.export(ctx, rest)
	case "import":
		return a.importDoc(ctx, rest)
	case "delete":
		return a.remove(ctx, rest)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		fs.Usage()
		return errUsage
	}
}

func setupLogging(cfg config.LogConfig, w io.Writer) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if strings.EqualFold(cfg.Format, "text") {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(w).With().Timestamp().Logger()
	}
}

// openBackend connects the configured session store. SQL stores are migrated.
func openBackend(ctx context.Context, cfg *config.Config) (store.Backend, error) {
	switch cfg.Storage.Backend {
	case config.StorageEnt:
		st, err := entstore.Open(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return st, nil
	case config.StorageGorm:
		lvl := gormlogger.Silent
		if zerolog.GlobalLevel() <= zerolog.DebugLevel {
			lvl = gormlogger.Info
		}
		st, err := gormstore.Open(cfg.Storage.DatabaseURL, gormstore.WithLogger(gormlogger.Default.LogMode(lvl)))
		if err != nil {
			return nil, err
		}
		return st, nil
	case config.StorageRedis:
		st, err := redisstore.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return memstore.New(), nil
	}
}

func getEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
