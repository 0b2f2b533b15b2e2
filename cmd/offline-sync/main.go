// Command offline-sync runs the local-first synchronization engine and
// inspects its local database.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
)

var version = "dev"

// CLI is the command line.
type CLI struct {
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error"`
	LogFormat string `help:"Log format (text, json)." default:"text" enum:"text,json"`
	DB        string `help:"Path to the local database." default:"./offline-sync.db" type:"path"`

	Serve       ServeCmd       `cmd:"" help:"Run the sync engine and the local HTTP surface."`
	Pending     PendingCmd     `cmd:"" help:"List mutations awaiting delivery."`
	DeadLetters DeadLettersCmd `cmd:"" name:"dead-letters" help:"List, retry or discard dead-lettered mutations."`
	Cache       CacheCmd       `cmd:"" help:"Manage the read cache."`
	CheckIn     CheckInCmd     `cmd:"" name:"checkin" help:"Queue a check-in into a slot."`
	Version     VersionCmd     `cmd:"" help:"Print the version."`
}

// Globals is bound into every command's Run method.
type Globals struct {
	Logger *slog.Logger
	DB     string
	Stdout io.Writer
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("offline-sync"),
		kong.Description("Local-first synchronization engine: read cache, durable outbox and sync orchestrator."),
		kong.UsageOnError(),
		kong.DefaultEnvars("OFFLINE_SYNC"),
	)

	logger, err := newLogger(os.Stderr, cli.LogLevel, cli.LogFormat)
	kctx.FatalIfErrorf(err)
	slog.SetDefault(logger)

	err = kctx.Run(&Globals{Logger: logger, DB: cli.DB, Stdout: os.Stdout})
	kctx.FatalIfErrorf(err)
}

func newLogger(w io.Writer, logLevel, logFormat string) (*slog.Logger, error) {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", logLevel)
	}

	var handler slog.Handler
	switch logFormat {
	case "text":
		handler = tint.NewHandler(w, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", logFormat)
	}
	return slog.New(handler), nil
}

// VersionCmd prints the version.
type VersionCmd struct{}

func (c *VersionCmd) Run(g *Globals) error {
	_, err := fmt.Fprintln(g.Stdout, version)
	return err
}
