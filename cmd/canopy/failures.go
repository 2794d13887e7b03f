package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/canopy/internal/types"
)

var failuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "Inspect and dismiss items that failed to sync",
}

var failuresListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the items that failed their last sync pass",
	Args:  cobra.NoArgs,
	RunE:  runFailuresList,
}

var failuresClearCmd = &cobra.Command{
	Use:   "clear [kind]",
	Short: "Dismiss failure notices",
	Long: "Dismiss the failure notices of one kind, or of every kind when none is\n" +
		"given. The failed items stay queued and are retried by the next sync.",
	Args: cobra.MaximumNArgs(1),
	RunE: runFailuresClear,
}

func init() {
	failuresCmd.AddCommand(failuresListCmd)
	failuresCmd.AddCommand(failuresClearCmd)
}

func runFailuresList(cmd *cobra.Command, args []string) (err error) {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.close(); err == nil {
			err = cerr
		}
	}()

	groups := s.ws.FailureSummary()
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, groups)
	}
	if len(groups) == 0 {
		fmt.Fprintln(out, "No sync failures.")
		return nil
	}

	w := newTabWriter(out)
	fmt.Fprintln(w, "KIND\tID\tOPERATION\tRECORD\tREASON")
	for _, g := range groups {
		for _, item := range g.Items {
			op := "save"
			if item.Deletion {
				op = "delete"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", g.Kind, item.ID, op, orDash(item.Context), orDash(item.Reason))
		}
	}
	return w.Flush()
}

func runFailuresClear(cmd *cobra.Command, args []string) (err error) {
	kinds := types.Kinds()
	if len(args) == 1 {
		kind, err := types.ParseKind(args[0])
		if err != nil {
			return err
		}
		kinds = []types.Kind{kind}
	}

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.close(); err == nil {
			err = cerr
		}
	}()

	for _, kind := range kinds {
		if err := s.ws.Orchestrator().Acknowledge(kind); err != nil {
			return err
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cleared failure notices for %d kind(s).\n", len(kinds))
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
