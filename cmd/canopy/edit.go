package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/canopy/internal/types"
)

var editCmd = &cobra.Command{
	Use:   "edit",
	Short: "Change local census records",
	Long:  "Record local changes as drafts. Nothing reaches the server until the next sync.",
}

var editUpsertCmd = &cobra.Command{
	Use:   "upsert <kind> [json|-]",
	Short: "Create or update a record as a local draft",
	Long: "Store a JSON record as a local draft and print its id. A record without an\n" +
		"id gets a new local id. The JSON is read from stdin when omitted or \"-\".",
	Args: cobra.RangeArgs(1, 2),
	RunE: runEditUpsert,
}

var editDeleteCmd = &cobra.Command{
	Use:   "delete <kind> <id>...",
	Short: "Delete records locally and queue server deletions",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runEditDelete,
}

func init() {
	editCmd.AddCommand(editUpsertCmd)
	editCmd.AddCommand(editDeleteCmd)
}

func runEditUpsert(cmd *cobra.Command, args []string) (err error) {
	kind, err := types.ParseKind(args[0])
	if err != nil {
		return err
	}

	var payload []byte
	if len(args) == 2 && args[1] != "-" {
		payload = []byte(args[1])
	} else {
		if payload, err = io.ReadAll(cmd.InOrStdin()); err != nil {
			return fmt.Errorf("read record: %w", err)
		}
	}
	if strings.TrimSpace(string(payload)) == "" {
		return fmt.Errorf("no %s record given", kind)
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

	id, err := s.ws.Upsert(kind, payload)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"kind": kind, "id": id})
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}

func runEditDelete(cmd *cobra.Command, args []string) (err error) {
	kind, err := types.ParseKind(args[0])
	if err != nil {
		return err
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

	queued, err := s.ws.Delete(kind, args[1:]...)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"kind": kind, "queued": queued})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted locally; %d %s deletion(s) queued for the server.\n", len(queued), kind)
	return nil
}
