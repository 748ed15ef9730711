package cmd

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aweris/cardmd/internal/store"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a software token",
	Long:  "Create a software token in the token directory, protected by a user PIN and an optional SO PIN.",
	Args:  cobra.NoArgs,
	RunE:  runInit,
}

func init() {
	initCmd.Flags().String("label", "cardmd", "token label")
	initCmd.Flags().String("serial", "", "hex serial number (default: random)")
	initCmd.Flags().Bool("so-pin", false, "also prompt for an SO PIN")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	label, _ := cmd.Flags().GetString("label")
	serial, _ := cmd.Flags().GetString("serial")
	withSO, _ := cmd.Flags().GetBool("so-pin")

	userPIN, err := readPIN("New user PIN: ")
	if err != nil {
		return err
	}
	if len(userPIN) < 4 || len(userPIN) > 12 {
		return fmt.Errorf("user PIN must be 4 to 12 characters")
	}
	if os.Getenv("CARDMD_PIN") == "" {
		confirm, err := readPIN("Repeat user PIN: ")
		if err != nil {
			return err
		}
		if !bytes.Equal(userPIN, confirm) {
			return fmt.Errorf("PINs do not match")
		}
	}

	var soPIN []byte
	if withSO {
		if soPIN, err = readPIN("New SO PIN: "); err != nil {
			return err
		}
	}

	dir := getTokenDir()
	err = store.Init(dir, store.InitArgs{
		Label:   label,
		Serial:  serial,
		UserPIN: userPIN,
		SOPIN:   soPIN,
	}, storeOptions()...)
	if err != nil {
		return fmt.Errorf("init failed: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Token created in %s\n", dir)
	return nil
}
