// hotswap CLI - loads module binaries into a running code runtime and
// keeps them current as they change on disk.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/dc0d/onexit"
	"github.com/spf13/cobra"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/hotswap/codeload"
	"github.com/chazu/hotswap/config"
)

var (
	// cfgFile overrides the hotswap.toml lookup
	cfgFile string
	// verbosity is added to log.verbosity from the configuration
	verbosity int

	rootCmd = &cobra.Command{
		Use:   "hotswap",
		Short: "Atomic hot code replacement runtime",
		Long: `hotswap loads compiled module binaries into a three-slot code index and
swaps them in atomically: callers never observe a partially installed
batch, and old code is reclaimed only after every worker has moved on.

Examples:
  hotswap load lists.beam maps.beam   Load modules and print the slots
  hotswap serve                       Reload modules from watch.dirs on change
  hotswap archive list                Show archived generations
  hotswap restore                     Reinstall the latest archived code`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is the nearest "+config.FileName+")")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "increase log verbosity")

	rootCmd.AddCommand(loadCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(restoreCmd)

	onexit.Register(closeRuntime)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	closeRuntime()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads --config, or the nearest hotswap.toml above the
// working directory, and configures logging from it.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if cfgFile != "" {
		cfg, err = config.Load(cfgFile)
	} else {
		cfg, err = config.FindAndLoad(".")
	}
	if err != nil {
		return nil, err
	}
	commonlog.Configure(cfg.Log.Verbosity+verbosity, cfg.LogFile())
	return cfg, nil
}

var (
	runtimeMu   sync.Mutex
	runtimeInst *codeload.Runtime
)

// openRuntime builds the runtime for the running command. It is closed
// when the command returns or the process is interrupted.
func openRuntime() (*config.Config, *codeload.Runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	r, err := codeload.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	runtimeMu.Lock()
	runtimeInst = r
	runtimeMu.Unlock()
	return cfg, r, nil
}

func closeRuntime() {
	runtimeMu.Lock()
	r := runtimeInst
	runtimeInst = nil
	runtimeMu.Unlock()
	if r == nil {
		return
	}
	if err := r.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: closing runtime: %v\n", err)
	}
}
