package main

import (
	"crypto/rand"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"onionsocks/internal/config"
	"onionsocks/internal/onion"
)

func NewKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create a node identity",
		Long: `keygen writes a new Curve25519 identity for a relay node and prints its
public key and fingerprint. An existing identity is kept unless --force is
given.`,
		RunE: runKeygenCmd,
	}

	cmd.Flags().StringP("output", "o", config.DefaultIdentityFile(), "Identity file to write")
	cmd.Flags().BoolP("force", "f", false, "Overwrite an existing identity")

	return cmd
}

func runKeygenCmd(cmd *cobra.Command, _ []string) error {
	path, err := cmd.Flags().GetString("output")
	if err != nil {
		return err
	}
	force, err := cmd.Flags().GetBool("force")
	if err != nil {
		return err
	}

	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("identity already exists: %s (use -f to overwrite)", path)
		}
	}

	id, err := onion.GenerateIdentity(rand.Reader)
	if err != nil {
		return err
	}
	if err := id.Save(path); err != nil {
		return fmt.Errorf("save identity: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "identity:    %s\n", path)
	fmt.Fprintf(cmd.OutOrStdout(), "public key:  %s\n", id.PublicKeyString())
	fmt.Fprintf(cmd.OutOrStdout(), "fingerprint: %s\n", id.Fingerprint())
	return nil
}
