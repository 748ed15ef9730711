package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aweris/cardmd/internal/remote"
	"github.com/aweris/cardmd/internal/store"
)

var pushCmd = &cobra.Command{
	Use:   "push <ref>",
	Short: "Back up the token to a registry",
	Long:  "Push the software token files to an OCI registry as one zstd layer per file group.",
	Args:  cobra.ExactArgs(1),
	RunE:  runPush,
}

func init() {
	rootCmd.AddCommand(pushCmd)
}

func newRemote(ref string) (*remote.OCIRemote, error) {
	r, err := remote.NewOCIRemote(ref, remote.StaticAuthenticator{
		Username: viper.GetString("remote.username"),
		Password: viper.GetString("remote.password"),
	})
	if err != nil {
		return nil, err
	}
	r.SetConcurrency(viper.GetInt("remote.concurrency"))
	return r, nil
}

func runPush(cmd *cobra.Command, args []string) (err error) {
	ref := args[0]
	dir := getTokenDir()

	files, err := store.Export(dir)
	if err != nil {
		return err
	}

	st, err := store.OpenLocal(dir, storeOptions()...)
	if err != nil {
		return err
	}
	info, err := st.TokenInfo(cmd.Context())
	if cerr := st.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	r, err := newRemote(ref)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Pushing token %s to %s...\n", info.SerialNumber, r)
	if err := r.Push(cmd.Context(), remote.Snapshot{Serial: info.SerialNumber, Files: files}); err != nil {
		return fmt.Errorf("push failed: %w", err)
	}
	return nil
}
