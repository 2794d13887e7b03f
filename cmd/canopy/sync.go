package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	csync "github.com/hyperengineering/canopy/internal/sync"
	"github.com/hyperengineering/canopy/internal/types"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push local drafts and deletions to the census API",
	Long: "Push every pending draft and deletion, parents before children. Items the\n" +
		"server refuses stay queued and are listed by the failures command.",
	Args: cobra.NoArgs,
	RunE: runSync,
}

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Refresh local state from the census API",
	Long:  "Download every kind from the server. Local drafts and deletions are kept.",
	Args:  cobra.NoArgs,
	RunE:  runPull,
}

func runSync(cmd *cobra.Command, args []string) (err error) {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.close(); err == nil {
			err = cerr
		}
	}()

	report, syncErr := s.ws.Sync(cmd.Context())
	out := cmd.OutOrStdout()
	if jsonOutput {
		if err := printJSON(out, report); err != nil {
			return err
		}
		return syncErr
	}
	printReport(out, report)
	if report.Failed() > 0 {
		fmt.Fprintf(out, "\n%d item(s) did not sync; run 'canopy failures list' for details.\n", report.Failed())
	}
	return syncErr
}

func printReport(out io.Writer, report csync.Report) {
	w := newTabWriter(out)
	fmt.Fprintln(w, "KIND\tCREATED\tUPDATED\tDELETED\tFAILED\tTIME")
	for _, k := range report.Kinds {
		if k.Skipped {
			fmt.Fprintf(w, "%s\t-\t-\t-\t-\tskipped\n", k.Kind)
			continue
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%s\n",
			k.Kind, k.Created, k.Updated, k.Deleted, k.Failed(), k.Duration.Round(time.Millisecond))
	}
	w.Flush()
}

func runPull(cmd *cobra.Command, args []string) (err error) {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.close(); err == nil {
			err = cerr
		}
	}()

	counts, pullErr := s.ws.Refresh(cmd.Context())
	out := cmd.OutOrStdout()
	if jsonOutput {
		if err := printJSON(out, counts); err != nil {
			return err
		}
		return pullErr
	}
	w := newTabWriter(out)
	fmt.Fprintln(w, "KIND\tRECEIVED")
	for _, kind := range types.Kinds() {
		if n, ok := counts[kind]; ok {
			fmt.Fprintf(w, "%s\t%d\n", kind, n)
		}
	}
	w.Flush()
	return pullErr
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}
