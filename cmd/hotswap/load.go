package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chazu/hotswap/codeload"
)

var (
	onLoad bool

	loadCmd = &cobra.Command{
		Use:   "load <file>...",
		Short: "Load module binaries in one staging cycle",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runLoad,
	}

	infoCmd = &cobra.Command{
		Use:   "info",
		Short: "Show the code index and slot tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, r, err := openRuntime()
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), r.Info())
			return nil
		},
	}
)

func init() {
	loadCmd.Flags().BoolVar(&onLoad, "on-load", false, "install and immediately finish the init hook of each module")
}

func runLoad(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	_, r, err := openRuntime()
	if err != nil {
		return err
	}

	var reqs []codeload.Request
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		reqs = append(reqs, codeload.Request{Binary: data, Path: path, OnLoad: onLoad})
	}

	requester := r.NewRequester()
	results, err := r.LoadBatch(ctx, requester, reqs)
	if err != nil {
		return err
	}
	for _, res := range results {
		if onLoad {
			if _, err := r.FinishOnLoad(ctx, requester, res.Identity, true); err != nil {
				return err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%-24s slot %d  %016x  cycle %s\n", res.Name, res.Slot, res.Checksum(), res.Cycle)
	}
	if err := r.Wait(ctx); err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), r.Info())
	return nil
}
