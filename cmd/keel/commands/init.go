package commands

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	sshpkg "golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"

	"github.com/keelhq/keel/pkg/config"
)

const defaultConfigFile = "keel.yaml"

func newInitCommand() *cobra.Command {
	var (
		dataDir string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a Keel workspace",
		Long: `Initialize a workspace with a configuration file, a migrated database,
catalog and policy directories, and an SSH key for remote tasks.`,
		Example: `  # Initialize in ./data with ./keel.yaml
  keel init

  # Initialize with a custom config path
  keel init --dir /var/lib/keel --config /etc/keel/keel.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			path := configPath
			if path == "" {
				path = defaultConfigFile
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
			}

			log.Info().Str("dir", dataDir).Str("config", path).Msg("Initializing workspace")

			dirs := []string{
				dataDir,
				filepath.Join(dataDir, "catalog"),
				filepath.Join(dataDir, "policies"),
				filepath.Join(dataDir, "plugins"),
				filepath.Join(dataDir, "keys"),
			}
			for _, dir := range dirs {
				if err := os.MkdirAll(dir, 0o700); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", dir, err)
				}
				fmt.Fprintf(out, "Created directory %s\n", dir)
			}

			cfg := config.Default()
			cfg.Database.Path = filepath.Join(dataDir, "keel.db")
			cfg.Catalog.Path = filepath.Join(dataDir, "catalog")
			cfg.Catalog.Watch = true
			cfg.Policy.Dir = filepath.Join(dataDir, "policies")
			cfg.Policy.Watch = true
			cfg.Plugins.Dir = filepath.Join(dataDir, "plugins")
			cfg.Audit.File = filepath.Join(dataDir, "audit.ndjson")
			cfg.SSH.KeyPath = filepath.Join(dataDir, "keys", "id_ed25519")

			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			if err := store.Close(); err != nil {
				return err
			}
			fmt.Fprintf(out, "Initialized database %s\n", cfg.Database.Path)

			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to encode config: %w", err)
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
			fmt.Fprintf(out, "Wrote config %s\n", path)

			created, err := ensureKeyPair(cfg.SSH.KeyPath)
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(out, "Generated SSH key %s\n", cfg.SSH.KeyPath)
			} else {
				fmt.Fprintf(out, "SSH key %s already exists\n", cfg.SSH.KeyPath)
			}

			fmt.Fprintf(out, "\nNext steps:\n")
			fmt.Fprintf(out, "  1. Add resource types to %s\n", cfg.Catalog.Path)
			fmt.Fprintf(out, "  2. keel serve -c %s\n", path)
			fmt.Fprintf(out, "  3. keel apply -c %s -f delta.yaml\n", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "dir", "data", "workspace data directory")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")

	return cmd
}

// ensureKeyPair writes an ed25519 key pair to keyPath and keyPath.pub unless
// the private key already exists.
func ensureKeyPair(keyPath string) (bool, error) {
	if _, err := os.Stat(keyPath); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, err
	}

	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return false, fmt.Errorf("failed to generate keypair: %w", err)
	}

	block, err := sshpkg.MarshalPrivateKey(privKey, "keel")
	if err != nil {
		return false, fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		return false, fmt.Errorf("failed to write private key: %w", err)
	}

	sshPubKey, err := sshpkg.NewPublicKey(pubKey)
	if err != nil {
		return false, fmt.Errorf("failed to create SSH public key: %w", err)
	}
	if err := os.WriteFile(keyPath+".pub", sshpkg.MarshalAuthorizedKey(sshPubKey), 0o644); err != nil {
		return false, fmt.Errorf("failed to write public key: %w", err)
	}
	return true, nil
}
