package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/chazu/hotswap/archive"
	"github.com/chazu/hotswap/codeload"
)

var (
	archiveCmd = &cobra.Command{
		Use:   "archive",
		Short: "Inspect and move archived generations",
	}

	archiveListCmd = &cobra.Command{
		Use:   "list",
		Short: "List archived modules with their latest generation",
		Args:  cobra.NoArgs,
		RunE:  runArchiveList,
	}

	archiveExportCmd = &cobra.Command{
		Use:   "export <module> <file>",
		Short: "Write the latest archived generation of a module to a file",
		Args:  cobra.ExactArgs(2),
		RunE:  runArchiveExport,
	}

	archiveImportCmd = &cobra.Command{
		Use:   "import <file>...",
		Short: "Load exported generations",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runArchiveImport,
	}

	restoreCmd = &cobra.Command{
		Use:   "restore",
		Short: "Reinstall the latest archived generation of every module",
		Args:  cobra.NoArgs,
		RunE:  runRestore,
	}
)

func init() {
	archiveCmd.AddCommand(archiveListCmd)
	archiveCmd.AddCommand(archiveExportCmd)
	archiveCmd.AddCommand(archiveImportCmd)
}

func openArchive() (*codeload.Runtime, *archive.Archive, error) {
	_, r, err := openRuntime()
	if err != nil {
		return nil, nil, err
	}
	if r.Archive == nil {
		return nil, nil, fmt.Errorf("%w (set archive.enabled)", codeload.ErrNoArchive)
	}
	return r, r.Archive, nil
}

func runArchiveList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	_, a, err := openArchive()
	if err != nil {
		return err
	}
	names, err := a.Names(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODULE\tGENERATIONS\tCHECKSUM\tLOADED")
	for _, name := range names {
		n, err := a.Count(ctx, name)
		if err != nil {
			return err
		}
		e, err := a.Latest(ctx, name)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%d\t%016x\t%s\n", name, n, e.Checksum, e.LoadedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func runArchiveExport(cmd *cobra.Command, args []string) error {
	_, a, err := openArchive()
	if err != nil {
		return err
	}
	e, err := a.Latest(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	if err := archive.WriteFile(args[1], e); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "exported %s (%016x) to %s\n", e.Name, e.Checksum, args[1])
	return nil
}

func runArchiveImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	_, r, err := openRuntime()
	if err != nil {
		return err
	}

	var reqs []codeload.Request
	for _, path := range args {
		e, err := archive.ReadFile(path)
		if err != nil {
			return err
		}
		reqs = append(reqs, codeload.Request{Binary: e.Binary, Path: path})
	}
	results, err := r.LoadBatch(ctx, r.NewRequester(), reqs)
	if err != nil {
		return err
	}
	for _, res := range results {
		fmt.Fprintf(cmd.OutOrStdout(), "%-24s slot %d  %016x\n", res.Name, res.Slot, res.Checksum())
	}
	return r.Wait(ctx)
}

func runRestore(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	r, _, err := openArchive()
	if err != nil {
		return err
	}
	results, err := r.Restore(ctx, r.NewRequester())
	if err != nil {
		return err
	}
	for _, res := range results {
		fmt.Fprintf(cmd.OutOrStdout(), "restored %-24s %016x\n", res.Name, res.Checksum())
	}
	if err := r.Wait(ctx); err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), r.Info())
	return nil
}
