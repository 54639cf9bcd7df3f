package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/blufio/blufio/internal/config"
	"github.com/blufio/blufio/internal/store"
	"github.com/blufio/blufio/internal/vault"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage vault secrets and the vault passphrase",
	}
	cmd.AddCommand(
		newSetSecretCommand(),
		newListSecretsCommand(),
		newDeleteSecretCommand(),
		newChangePassphraseCommand(),
	)
	return cmd
}

// withVault opens the store, unlocks (or on demand creates) the vault,
// runs fn, and cleans up.
func withVault(ctx context.Context, createIfMissing bool, fn func(ctx context.Context, v *vault.Vault) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	st, err := store.Open(ctx, cfg.Storage.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	exists, err := vault.Exists(ctx, st)
	if err != nil {
		return err
	}

	var v *vault.Vault
	switch {
	case exists:
		pass, err := readPassphrase("Vault passphrase: ")
		if err != nil {
			return err
		}
		v, err = vault.Unlock(ctx, st, pass)
		if err != nil {
			return err
		}
	case createIfMissing:
		pass, err := readPassphrase("No vault exists yet. New vault passphrase: ")
		if err != nil {
			return err
		}
		params := vault.KDFParams{
			MemoryCost:  uint32(cfg.Vault.KDFMemoryCostKB),
			Iterations:  uint32(cfg.Vault.KDFIterations),
			Parallelism: uint32(cfg.Vault.KDFParallelism),
		}
		v, err = vault.Create(ctx, st, pass, params)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("no vault exists; create one with `blufio config set-secret`")
	}
	defer v.Lock()

	return fn(ctx, v)
}

// readPassphrase returns the vault passphrase from the environment
// when set, prompting on the terminal otherwise.
func readPassphrase(prompt string) (string, error) {
	if pass, ok := config.VaultPassphraseFromEnv(); ok {
		return pass, nil
	}
	return readLine(prompt)
}

func readLine(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func newSetSecretCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set-secret <name>",
		Short: "Store a named secret in the vault",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd.Context(), true, func(ctx context.Context, v *vault.Vault) error {
				value, err := readLine(fmt.Sprintf("Value for %q: ", args[0]))
				if err != nil {
					return err
				}
				if err := v.StoreSecret(ctx, args[0], value); err != nil {
					return err
				}
				fmt.Printf("secret %q stored\n", args[0])
				return nil
			})
		},
	}
}

func newListSecretsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list-secrets",
		Short: "List stored secret names with masked previews",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd.Context(), false, func(ctx context.Context, v *vault.Vault) error {
				previews, err := v.ListSecrets(ctx)
				if err != nil {
					return err
				}
				if len(previews) == 0 {
					fmt.Println("no secrets stored")
					return nil
				}
				for _, p := range previews {
					fmt.Printf("%-30s %s\n", p.Name, p.Preview)
				}
				return nil
			})
		},
	}
}

func newDeleteSecretCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-secret <name>",
		Short: "Delete a named secret from the vault",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd.Context(), false, func(ctx context.Context, v *vault.Vault) error {
				if err := v.DeleteSecret(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("secret %q deleted\n", args[0])
				return nil
			})
		},
	}
}

func newChangePassphraseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "change-passphrase",
		Short: "Re-wrap the vault master key under a new passphrase",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd.Context(), false, func(ctx context.Context, v *vault.Vault) error {
				newPass, err := readLine("New passphrase: ")
				if err != nil {
					return err
				}
				confirm, err := readLine("Confirm new passphrase: ")
				if err != nil {
					return err
				}
				if newPass != confirm {
					return fmt.Errorf("passphrases do not match")
				}
				if err := v.ChangePassphrase(ctx, newPass); err != nil {
					return err
				}
				fmt.Println("passphrase changed; existing secrets were not re-encrypted")
				return nil
			})
		},
	}
}
