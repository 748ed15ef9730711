package cmd

import (
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aweris/cardmd"
)

var signCmd = &cobra.Command{
	Use:   "sign <slot> <hex digest>",
	Short: "Sign a digest with a container key",
	Long:  "Sign a hex-encoded digest with the key of a container and print the big-endian signature in hex.",
	Args:  cobra.ExactArgs(2),
	RunE:  runSign,
}

var signHashes = map[string]cardmd.HashAlg{
	"md5sha1": cardmd.HashMD5SHA1,
	"md5":     cardmd.HashMD5,
	"sha1":    cardmd.HashSHA1,
	"none":    cardmd.HashNone,
}

func init() {
	signCmd.Flags().String("hash", "md5sha1", "digest algorithm: md5sha1, md5, sha1, none")
	rootCmd.AddCommand(signCmd)
}

func runSign(cmd *cobra.Command, args []string) (err error) {
	var slot int
	if _, err := fmt.Sscanf(args[0], "%d", &slot); err != nil {
		return fmt.Errorf("invalid slot %q", args[0])
	}
	digest, err := hex.DecodeString(args[1])
	if err != nil {
		return fmt.Errorf("invalid digest: %w", err)
	}
	hashName, _ := cmd.Flags().GetString("hash")
	hash, ok := signHashes[strings.ToLower(hashName)]
	if !ok {
		return fmt.Errorf("unknown hash %q", hashName)
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

	if err := login(ctx, card); err != nil {
		return err
	}

	// The card takes and returns host (little-endian) byte order.
	slices.Reverse(digest)
	sig, err := card.Sign(ctx, cardmd.SignRequest{Slot: slot, Data: digest, Hash: hash})
	if err != nil {
		return fmt.Errorf("sign failed: %w", err)
	}
	slices.Reverse(sig)

	fmt.Println(hex.EncodeToString(sig))
	return card.Deauthenticate(ctx, cardmd.RoleUser)
}
