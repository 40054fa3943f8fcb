package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tandembrowse/tandem/internal/config"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a config file with secure defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			if output == "" {
				output = "tandemd.json"
			}
			return writeDefaultConfig(output)
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./tandemd.json)")
	return cmd
}

func writeDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite", path)
	}

	secret, err := config.GenerateRandomSecret()
	if err != nil {
		return fmt.Errorf("generate JWT secret: %w", err)
	}

	cfg := config.Config{
		Server: config.ServerConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"*"},
		},
		Auth: config.AuthConfig{
			Provider:  "builtin",
			JWTSecret: secret,
		},
		Storage: config.StorageConfig{
			Driver: "sqlite",
			DSN:    "tandem.db",
		},
		Provider: config.ProviderConfig{
			BaseURL: "https://engine.hyperbeam.com",
			APIKey:  os.Getenv("TANDEM_PROVIDER_API_KEY"),
		},
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("Wrote %s\n", path)
	if cfg.Provider.APIKey == "" {
		fmt.Println("Set provider.api_key (or TANDEM_PROVIDER_API_KEY before running init) to your session provider API key.")
	}
	return nil
}
