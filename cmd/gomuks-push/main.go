package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/gomuks/gomuks-push/pkg/config"
)

const version = "0.1.0"

type contextKey int

const (
	contextKeyConfig contextKey = iota
	contextKeyLogger
)

func getConfig(ctx *cli.Context) *config.FileConfig {
	return ctx.Context.Value(contextKeyConfig).(*config.FileConfig)
}

func getLogger(ctx *cli.Context) *zerolog.Logger {
	return ctx.Context.Value(contextKeyLogger).(*zerolog.Logger)
}

func prepareApp(ctx *cli.Context) error {
	cfg, err := config.LoadConfig(ctx.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	level := cfg.Level()
	if ctx.IsSet("log-level") {
		level, err = zerolog.ParseLevel(ctx.String("log-level"))
		if err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
	}
	log := zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.DateTime,
	}).With().Timestamp().Logger().Level(level)
	newCtx := context.WithValue(ctx.Context, contextKeyConfig, cfg)
	newCtx = context.WithValue(newCtx, contextKeyLogger, &log)
	ctx.Context = log.WithContext(newCtx)
	return nil
}

func requiresKey(ctx *cli.Context) error {
	if err := prepareApp(ctx); err != nil {
		return err
	}
	if getConfig(ctx).PushKey() == nil {
		return fmt.Errorf("no push encryption key configured, run 'gomuks-push keygen' first")
	}
	return nil
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "gomuks-push",
		Usage:   "Decrypt and display gomuks push notifications",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to config file",
				Value: config.DefaultPath(),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override the log level from the config file",
			},
		},
		Commands: []*cli.Command{
			keygenCommand,
			encryptCommand,
			decryptCommand,
			processCommand,
			runCommand,
			tokenCommand,
			clearCacheCommand,
			{
				Name:  "example-config",
				Usage: "Print an example config file",
				Action: func(ctx *cli.Context) error {
					fmt.Print(config.ExampleConfig)
					return nil
				},
			},
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
