package cmd

import (
	"encoding/hex"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aweris/cardmd"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show card properties and containers",
	Args:  cobra.NoArgs,
	RunE:  runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

type containerView struct {
	Slot     int    `yaml:"slot"`
	GUID     string `yaml:"guid"`
	Default  bool   `yaml:"default,omitempty"`
	SignBits int    `yaml:"sign_bits,omitempty"`
	KeyXBits int    `yaml:"keyx_bits,omitempty"`
	HasCert  bool   `yaml:"certificate,omitempty"`
}

type cardView struct {
	Serial             string          `yaml:"serial"`
	CardID             string          `yaml:"card_id"`
	ReadOnly           bool            `yaml:"read_only"`
	SupportsEnrollment bool            `yaml:"supports_enrollment"`
	FreeContainers     int             `yaml:"free_containers"`
	MaxContainers      int             `yaml:"max_containers"`
	KeySizes           map[string]any  `yaml:"key_sizes"`
	Containers         []containerView `yaml:"containers"`
}

func runInfo(cmd *cobra.Command, args []string) (err error) {
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

	serial, err := card.SerialNumber(ctx)
	if err != nil {
		return err
	}
	id, err := card.CardIdentifier(ctx)
	if err != nil {
		return err
	}
	free, err := card.QueryFreeSpace(ctx, cardmd.FreeSpaceVersion)
	if err != nil {
		return err
	}

	view := cardView{
		Serial:             hex.EncodeToString(serial),
		CardID:             hex.EncodeToString(id),
		ReadOnly:           card.ReadOnly(),
		SupportsEnrollment: card.SupportsEnrollment(),
		FreeContainers:     free.KeyContainersAvailable,
		MaxContainers:      free.MaxKeyContainers,
		KeySizes:           map[string]any{},
	}
	for _, spec := range []cardmd.KeySpec{cardmd.Signature, cardmd.KeyExchange} {
		sizes, err := card.QueryKeySizes(ctx, spec, cardmd.KeySizesVersion)
		if err != nil {
			return err
		}
		view.KeySizes[spec.String()] = map[string]int{
			"min": sizes.Minimum, "default": sizes.Default, "max": sizes.Maximum,
		}
	}

	containers, err := card.Containers(ctx)
	if err != nil {
		return err
	}
	for _, c := range containers {
		if !c.Valid() {
			continue
		}
		view.Containers = append(view.Containers, containerView{
			Slot:     c.Index,
			GUID:     c.GUID,
			Default:  c.Default(),
			SignBits: c.SizeSign,
			KeyXBits: c.SizeKeyExchange,
			HasCert:  c.Certificate != nil,
		})
	}

	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(view)
}
