package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/canopy/internal/workspace"
)

var statusCheck bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local entities, drafts and sync state per kind",
	Long: "Show local entities, drafts and sync state per kind. With --check the\n" +
		"command fails when anything is unsynced or the local state is inconsistent.",
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusCheck, "check", false,
		"Exit non-zero when drafts or deletions are pending")
}

type statusOutput struct {
	DeviceID   string                 `json:"device_id"`
	Pending    bool                   `json:"pending"`
	Kinds      []workspace.KindStatus `json:"kinds"`
	Violations []string               `json:"invariant_violations,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) (err error) {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.close(); err == nil {
			err = cerr
		}
	}()

	st := statusOutput{
		DeviceID:   s.ws.DeviceID(),
		Pending:    s.ws.Pending(),
		Kinds:      s.ws.Status(),
		Violations: s.ws.CheckInvariants(),
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		err = printJSON(out, st)
	} else {
		fmt.Fprintf(out, "Device:  %s\n", st.DeviceID)
		fmt.Fprintf(out, "Backend: %s\n\n", s.cfg.Client.BackendURL)
		w := newTabWriter(out)
		fmt.Fprintln(w, "KIND\tENTITIES\tDRAFTS\tDELETIONS\tFAILED\tSTATE")
		for _, k := range st.Kinds {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%s\n",
				k.Kind, k.Entities, k.Drafts, k.LocalDeletions, k.Failed, k.State)
		}
		w.Flush()
		for _, v := range st.Violations {
			fmt.Fprintf(out, "inconsistent: %s\n", v)
		}
	}
	if err != nil || !statusCheck {
		return err
	}

	switch {
	case len(st.Violations) > 0:
		return fmt.Errorf("local state has %d inconsistencies", len(st.Violations))
	case st.Pending:
		return errors.New("unsynced drafts or deletions pending")
	}
	return nil
}
