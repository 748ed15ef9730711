package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aweris/cardmd/internal/store"
)

var pullCmd = &cobra.Command{
	Use:   "pull <ref>",
	Short: "Restore the token from a registry",
	Long:  "Pull a token backup from an OCI registry and replace the local software token with it.",
	Args:  cobra.ExactArgs(1),
	RunE:  runPull,
}

func init() {
	rootCmd.AddCommand(pullCmd)
}

func runPull(cmd *cobra.Command, args []string) error {
	r, err := newRemote(args[0])
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Pulling %s...\n", r)
	snap, err := r.Pull(cmd.Context())
	if err != nil {
		return fmt.Errorf("pull failed: %w", err)
	}

	dir := getTokenDir()
	if err := store.Restore(dir, snap.Files); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Restored token %s into %s\n", snap.Serial, dir)
	return nil
}
