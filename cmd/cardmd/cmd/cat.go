package cmd

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var catCmd = &cobra.Command{
	Use:   "cat [dir] <file>",
	Short: "Print a card file",
	Long:  "Print the content of a card file as a hex dump, or raw with --raw.",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runCat,
}

func init() {
	catCmd.Flags().Bool("raw", false, "write the bytes unchanged")
	rootCmd.AddCommand(catCmd)
}

func runCat(cmd *cobra.Command, args []string) (err error) {
	dir, name := "", args[0]
	if len(args) == 2 {
		dir, name = args[0], args[1]
	}
	raw, _ := cmd.Flags().GetBool("raw")

	ctx := cmd.Context()
	card, err := openCard(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := card.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	data, err := card.ReadFile(ctx, dir, name)
	if err != nil {
		return err
	}
	if raw {
		_, err = os.Stdout.Write(data)
		return err
	}
	fmt.Print(hex.Dump(data))
	return nil
}
