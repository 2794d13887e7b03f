package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/canopy/internal/workspace"
)

var (
	purgeForce bool
	purgeYes   bool
)

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Discard all local census state, as on logout",
	Long: "Discard every local record, draft, deletion and failure notice. When backup\n" +
		"storage is configured the state file is uploaded first and a download link\n" +
		"is printed; a failed upload aborts the purge unless --force is given.",
	Args: cobra.NoArgs,
	RunE: runPurge,
}

func init() {
	purgeCmd.Flags().BoolVar(&purgeForce, "force", false,
		"Purge even when the state backup fails")
	purgeCmd.Flags().BoolVarP(&purgeYes, "yes", "y", false,
		"Skip confirmation prompt")
}

func runPurge(cmd *cobra.Command, args []string) (err error) {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.close(); err == nil {
			err = cerr
		}
	}()

	// Interactive confirmation unless --yes, and only when something would be lost.
	if !purgeYes && s.ws.Pending() {
		errOut := cmd.ErrOrStderr()
		fmt.Fprintln(errOut, "WARNING: unsynced drafts or deletions will be discarded.")
		fmt.Fprint(errOut, "Type 'purge' to confirm: ")

		input, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read confirmation: %w", err)
		}
		if strings.TrimSpace(input) != "purge" {
			fmt.Fprintln(errOut, "Aborted.")
			return nil
		}
	}

	ctx := cmd.Context()
	result, err := s.ws.Reset(ctx, purgeForce)
	if err != nil {
		if errors.Is(err, workspace.ErrBackupFailed) {
			return fmt.Errorf("%w (use --force to purge without a backup)", err)
		}
		return err
	}

	var link string
	if result.BackupKey != "" {
		if link, err = s.ws.BackupURL(ctx, result.BackupKey); err != nil {
			s.logger.Warn("backup link unavailable", "component", "purge", "key", result.BackupKey, "error", err)
			err = nil
		}
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, map[string]any{
			"discarded":  result.Discarded,
			"backup_key": result.BackupKey,
			"backup_url": link,
		})
	}
	fmt.Fprintf(out, "Local state purged; %d unsynced item(s) discarded.\n", result.Discarded)
	if result.BackupKey != "" {
		fmt.Fprintf(out, "Backup: %s\n", result.BackupKey)
	}
	if link != "" {
		fmt.Fprintf(out, "Download: %s\n", link)
	}
	return nil
}
