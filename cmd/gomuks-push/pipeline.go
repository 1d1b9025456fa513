package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"
	"go.mau.fi/util/dbutil"

	"github.com/gomuks/gomuks-push/pkg/avatar"
	"github.com/gomuks/gomuks-push/pkg/notification"
	"github.com/gomuks/gomuks-push/pkg/notifid"
	"github.com/gomuks/gomuks-push/pkg/pipeline"
	"github.com/gomuks/gomuks-push/pkg/pushdata"
)

// maxEnvelopeLine bounds one line of envelope input.
const maxEnvelopeLine = 1024 * 1024

type app struct {
	pipeline *pipeline.Pipeline
	tray     *notification.LogTray
	db       *dbutil.Database
}

func (a *app) Close() {
	a.pipeline.Wait()
	if a.db != nil {
		_ = a.db.Close()
	}
}

func setupPipeline(ctx *cli.Context) (*app, error) {
	cfg := getConfig(ctx)
	log := *getLogger(ctx)
	a := &app{tray: notification.NewLogTray(log)}

	ids := notifid.NewTable(log)
	if cfg.Database != "" {
		var err error
		a.db, err = notifid.OpenDatabase(cfg.Database)
		if err != nil {
			return nil, err
		}
		ids, err = notifid.OpenTable(ctx.Context, a.db, log)
		if err != nil {
			_ = a.db.Close()
			return nil, err
		}
	}
	assembler := notification.NewAssembler(log)
	if cfg.MaxHistory > 0 {
		assembler.MaxHistory = cfg.MaxHistory
	}
	var err error
	a.pipeline, err = pipeline.New(pipeline.Params{
		Config:    cfg.PipelineConfig(),
		Avatars:   avatar.NewCache(cfg.AvatarOptions("gomuks-push/"+version), log),
		Assembler: assembler,
		IDs:       ids,
		Tray:      a.tray,
		Shortcuts: a.tray,
		SaveToken: func(_ context.Context, token string) error {
			cfg.PushToken = token
			return cfg.Save()
		},
	}, log)
	if err != nil {
		if a.db != nil {
			_ = a.db.Close()
		}
		return nil, err
	}
	return a, nil
}

// readEnvelopes parses one envelope per non-empty line and sends them to the
// channel until the reader is exhausted or the context is cancelled.
func readEnvelopes(ctx context.Context, r io.Reader, out chan<- pushdata.Envelope) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEnvelopeLine)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		env, err := pushdata.ParseEnvelope(scanner.Bytes())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: skipping line %d: %v\n", line, err)
			continue
		}
		select {
		case out <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return scanner.Err()
}
