package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/gomuks/gomuks-push/pkg/config"
	"github.com/gomuks/gomuks-push/pkg/pushdata"
)

var runCommand = &cli.Command{
	Name:    "run",
	Aliases: []string{"watch"},
	Usage:   "Handle envelopes from stdin until interrupted",
	Before:  prepareApp,
	Action:  cmdRun,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "metrics-addr",
			Usage: "Address to serve Prometheus metrics on, e.g. 127.0.0.1:9090",
		},
		&cli.BoolFlag{
			Name:  "no-reload",
			Usage: "Don't reload the config file when it changes",
		},
	},
}

var tokenCommand = &cli.Command{
	Name:      "token",
	Usage:     "Store a new push token",
	ArgsUsage: "TOKEN",
	Before:    prepareApp,
	Action:    cmdToken,
}

func cmdRun(ctx *cli.Context) error {
	a, err := setupPipeline(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	log := getLogger(ctx)

	runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	eg, egCtx := errgroup.WithContext(runCtx)

	envelopes := make(chan pushdata.Envelope, 16)
	// Not part of the group: reading stdin can't be interrupted.
	go func() {
		defer close(envelopes)
		if err := readEnvelopes(egCtx, os.Stdin, envelopes); err != nil && !errors.Is(err, context.Canceled) {
			log.Err(err).Msg("Failed to read envelopes")
		}
	}()
	eg.Go(func() error {
		// Everything else stops once stdin is exhausted.
		defer stop()
		err := a.pipeline.Run(egCtx, envelopes)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if !ctx.Bool("no-reload") {
		eg.Go(func() error {
			return config.Watch(egCtx, getConfig(ctx).Path, *log, func(cfg *config.FileConfig) {
				a.pipeline.SetConfig(cfg.PipelineConfig())
			})
		})
	}
	if addr := ctx.String("metrics-addr"); addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           promhttp.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		eg.Go(func() error {
			log.Info().Str("address", addr).Msg("Serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		})
		eg.Go(func() error {
			<-egCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	return eg.Wait()
}

func cmdToken(ctx *cli.Context) error {
	token := ctx.Args().First()
	if token == "" {
		return fmt.Errorf("you must specify a token")
	}
	a, err := setupPipeline(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	if err = a.pipeline.HandleToken(ctx.Context, token); err != nil {
		return err
	}
	fmt.Printf("Push token saved to %s\n", getConfig(ctx).Path)
	return nil
}
