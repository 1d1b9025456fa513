package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/gomuks/gomuks-push/pkg/avatar"
)

var clearCacheCommand = &cli.Command{
	Name:   "clear-cache",
	Usage:  "Delete all cached avatars",
	Before: prepareApp,
	Action: cmdClearCache,
}

func cmdClearCache(ctx *cli.Context) error {
	cache := avatar.NewCache(getConfig(ctx).AvatarOptions("gomuks-push/"+version), *getLogger(ctx))
	if err := cache.Clear(); err != nil {
		return err
	}
	fmt.Fprintf(ctx.App.Writer, "Cleared avatar cache at %s\n", cache.Dir())
	return nil
}
