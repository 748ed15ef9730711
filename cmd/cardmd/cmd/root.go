package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/aweris/cardmd"
	"github.com/aweris/cardmd/internal/logging"
	"github.com/aweris/cardmd/internal/remote"
	"github.com/aweris/cardmd/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "cardmd",
	Short: "Smart-card minidriver engine CLI",
	Long:  "CLI for driving a software smart card through the minidriver engine and backing it up to OCI registries.",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default: ~/.config/cardmd/config.yaml)")
	rootCmd.PersistentFlags().String("token-dir", "", "software token directory (default: ~/.local/share/cardmd/token)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")

	viper.BindPFlag("token_dir", rootCmd.PersistentFlags().Lookup("token-dir"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	if cfg := rootCmd.PersistentFlags().Lookup("config").Value.String(); cfg != "" {
		viper.SetConfigFile(cfg)
	} else {
		viper.AddConfigPath(configDir())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("CARDMD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	viper.SetDefault("token_dir", defaultTokenDir())
	viper.SetDefault("log_level", "warn")
	viper.SetDefault("scrypt_work_factor", store.DefaultScryptWorkFactor)
	viper.SetDefault("remote.concurrency", remote.DefaultConcurrency)

	viper.ReadInConfig()
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "cardmd")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "cardmd")
	}
	return ".cardmd"
}

func defaultTokenDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "cardmd", "token")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "cardmd", "token")
	}
	return filepath.Join(".cardmd", "token")
}

func getTokenDir() string {
	return viper.GetString("token_dir")
}

func newLogger() cardmd.Logger {
	return logging.NewText(os.Stderr, viper.GetString("log_level"))
}

func storeOptions() []store.LocalOption {
	return []store.LocalOption{
		store.WithScryptWorkFactor(viper.GetInt("scrypt_work_factor")),
	}
}

// softTokenModel lets the software token persist its container map and
// cardcf when no card models are configured.
var softTokenModel = cardmd.CardModel{
	Name:               "cardmd software token",
	ATR:                fmt.Sprintf("%x", store.DefaultATR),
	ReadOnly:           boolPtr(false),
	SupportsEnrollment: boolPtr(true),
}

func boolPtr(b bool) *bool { return &b }

func cardModels() ([]cardmd.CardModel, error) {
	var models []cardmd.CardModel
	if err := viper.UnmarshalKey("card_models", &models); err != nil {
		return nil, fmt.Errorf("parse card_models: %w", err)
	}
	if len(models) == 0 {
		models = []cardmd.CardModel{softTokenModel}
	}
	return models, nil
}

// openCard opens a session on the software token.
func openCard(ctx context.Context) (*cardmd.Card, error) {
	models, err := cardModels()
	if err != nil {
		return nil, err
	}
	connector := store.LocalConnector{Dir: getTokenDir(), Options: storeOptions()}
	return cardmd.Open(ctx, connector, cardmd.Handles{Context: 1, Card: 1},
		cardmd.WithLogger(newLogger()),
		cardmd.WithCardModels(models...),
	)
}

// readPIN takes the PIN from CARDMD_PIN, the terminal, or the first line
// of stdin.
func readPIN(prompt string) ([]byte, error) {
	if pin := viper.GetString("pin"); pin != "" {
		return []byte(pin), nil
	}
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		pin, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("read pin: %w", err)
		}
		return pin, nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return nil, fmt.Errorf("read pin: %w", err)
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}

// login authenticates the user role on card.
func login(ctx context.Context, card *cardmd.Card) error {
	pin, err := readPIN("User PIN: ")
	if err != nil {
		return err
	}
	return card.AuthenticatePin(ctx, cardmd.RoleUser, pin)
}
