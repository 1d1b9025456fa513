package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/gomuks/gomuks-push/pkg/pushdata"
)

var processCommand = &cli.Command{
	Name:      "process",
	Usage:     "Run envelopes through the full pipeline and log the resulting notifications",
	ArgsUsage: "[FILE...]",
	Before:    prepareApp,
	Action:    cmdProcess,
}

func cmdProcess(ctx *cli.Context) error {
	a, err := setupPipeline(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	var envelopes []pushdata.Envelope
	if ctx.NArg() == 0 {
		ch := make(chan pushdata.Envelope)
		go func() {
			defer close(ch)
			if err := readEnvelopes(ctx.Context, os.Stdin, ch); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to read stdin: %v\n", err)
			}
		}()
		for env := range ch {
			envelopes = append(envelopes, env)
		}
	}
	for _, path := range ctx.Args().Slice() {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		env, err := pushdata.ParseEnvelope(data)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
		envelopes = append(envelopes, env)
	}

	failed := 0
	for _, env := range envelopes {
		if a.pipeline.Handle(ctx.Context, env) != nil {
			failed++
		}
	}
	a.pipeline.Wait()
	fmt.Printf("Processed %d envelopes, %d dropped, %d notifications visible\n",
		len(envelopes), failed, len(a.tray.Visible()))
	if failed > 0 {
		return fmt.Errorf("%d envelopes were dropped", failed)
	}
	return nil
}
