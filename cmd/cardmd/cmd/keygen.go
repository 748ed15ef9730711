package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aweris/cardmd"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a key in a container",
	Long:  "Generate an RSA key on the card in the given (or first free) container slot and record it in the container map.",
	Args:  cobra.NoArgs,
	RunE:  runKeygen,
}

func init() {
	keygenCmd.Flags().Int("slot", -1, "container slot (default: first free)")
	keygenCmd.Flags().Int("bits", 2048, "RSA modulus length")
	keygenCmd.Flags().Bool("sign", false, "signature key instead of key exchange")
	keygenCmd.Flags().Bool("default", false, "mark the container as default")
	rootCmd.AddCommand(keygenCmd)
}

func freeSlot(ctx context.Context, card *cardmd.Card) (int, error) {
	containers, err := card.Containers(ctx)
	if err != nil {
		return 0, err
	}
	for _, c := range containers {
		if c.PrivateKey == nil {
			return c.Index, nil
		}
	}
	return 0, errors.New("no free container slot")
}

func runKeygen(cmd *cobra.Command, args []string) (err error) {
	slot, _ := cmd.Flags().GetInt("slot")
	bits, _ := cmd.Flags().GetInt("bits")
	signKey, _ := cmd.Flags().GetBool("sign")
	makeDefault, _ := cmd.Flags().GetBool("default")

	spec := cardmd.KeyExchange
	if signKey {
		spec = cardmd.Signature
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

	if slot < 0 {
		if slot, err = freeSlot(ctx, card); err != nil {
			return err
		}
	}
	if err := login(ctx, card); err != nil {
		return err
	}

	if err := card.CreateContainer(ctx, slot, cardmd.KeyGen, spec, bits, nil); err != nil {
		return fmt.Errorf("keygen failed: %w", err)
	}

	// The host owns the container map; write it back so it is persisted.
	cmap, err := card.ReadFile(ctx, cardmd.DirContainers, cardmd.FileContainerMap)
	if err != nil {
		return err
	}
	if makeDefault {
		cmap = cardmd.SetDefaultContainer(cmap, slot)
	}
	if err := card.WriteFile(ctx, cardmd.DirContainers, cardmd.FileContainerMap, cmap); err != nil {
		return err
	}
	if err := card.Deauthenticate(ctx, cardmd.RoleUser); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Generated %d-bit %s key in container %02d\n", bits, spec, slot)
	return nil
}
