package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/tliron/commonlog"

	"github.com/chazu/hotswap/codeload"
	"github.com/chazu/hotswap/permission"
	"github.com/chazu/hotswap/watch"
)

var log = commonlog.GetLogger("hotswap")

var (
	restoreFirst bool

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the workers and reload modules from watch.dirs on change",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
)

func init() {
	serveCmd.Flags().BoolVar(&restoreFirst, "restore", false, "reinstall archived code before watching")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, r, err := openRuntime()
	if err != nil {
		return err
	}
	dirs := cfg.WatchDirs()
	if len(dirs) == 0 {
		return fmt.Errorf("no watch.dirs configured")
	}

	requester := r.NewRequester()
	if restoreFirst {
		res, err := r.Restore(ctx, requester)
		if err != nil {
			return err
		}
		log.Noticef("restored %d module(s)", len(res))
	}

	w, err := watch.New(dirs, cfg.Watch.Extension, cfg.Debounce(), func(ctx context.Context, path string) error {
		res, err := r.LoadFile(ctx, requester, path)
		if err != nil {
			return err
		}
		if err := purgeOld(ctx, r, requester, res); err != nil {
			log.Warningf("purging %s: %v", res.Name, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}
	log.Noticef("watching %v with %d worker(s)", dirs, r.Scheduler.Len())

	<-ctx.Done()
	log.Notice("shutting down")
	return w.Stop()
}

// purgeOld frees the old-code position of a module that was just
// reloaded, so its next reload can demote the current code. While old code
// is still in use the purge is retried with backoff.
func purgeOld(ctx context.Context, r *codeload.Runtime, requester permission.Requester, res *codeload.Result) error {
	if err := res.Barrier.Wait(ctx); err != nil {
		return err
	}
	delay := 10 * time.Millisecond
	for {
		_, err := r.Purge(ctx, requester, res.Identity)
		switch {
		case err == nil, errors.Is(err, codeload.ErrNoOldCode):
			return nil
		case !errors.Is(err, codeload.ErrOldCodeInUse):
			return err
		}
		log.Debugf("old code of %s in use, retrying in %s", res.Name, delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(2*delay, time.Second)
	}
}
