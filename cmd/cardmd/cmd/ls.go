package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var lsCmd = &cobra.Command{
	Use:   "ls [dir]",
	Short: "List card files",
	Long:  "List the files of a card directory (the root when omitted) with their size and access condition.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLs,
}

func init() {
	rootCmd.AddCommand(lsCmd)
}

func runLs(cmd *cobra.Command, args []string) (err error) {
	dir := ""
	if len(args) > 0 {
		dir = args[0]
	}

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

	names, err := card.EnumFiles(ctx, dir)
	if err != nil {
		return err
	}
	for _, name := range names {
		info, err := card.GetFileInfo(ctx, dir, name)
		if err != nil {
			return err
		}
		fmt.Printf("%-8s\t%d\t%s\n", name, info.Size(), info.Access())
	}

	if len(names) == 0 {
		fmt.Println("(no files)")
	}
	return nil
}
