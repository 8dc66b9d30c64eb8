package main

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"AttestGate/internal/replica"
	"AttestGate/internal/signing"
)

func keygenCommand() *cobra.Command {
	var keyPath, id, address string

	c := &cobra.Command{
		Use:   "keygen",
		Short: "Create or load a node key and print its roster entry",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			entry, err := rosterEntry(keyPath, id, address)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(entry, "", "  ")
			if err != nil {
				return err
			}

			fmt.Fprintln(c.OutOrStdout(), string(out))
			return nil
		},
	}

	c.Flags().StringVar(&keyPath, "key", "node.key", "Ed25519 private key path (generated if missing)")
	c.Flags().StringVar(&id, "id", "NODE_0", "Node id")
	c.Flags().StringVar(&address, "address", "127.0.0.1:9000", "QUIC address other nodes dial")

	return c
}

// rosterEntry loads or creates the key at keyPath and describes the node.
func rosterEntry(keyPath, id, address string) (replica.MemberConfig, error) {
	priv, err := loadOrGenerateKey(keyPath)
	if err != nil {
		return replica.MemberConfig{}, fmt.Errorf("load key:\n%w", err)
	}

	vote, err := signing.DeriveFromED25519(priv)
	if err != nil {
		return replica.MemberConfig{}, fmt.Errorf("derive vote key:\n%w", err)
	}

	return replica.Entry(id, address, priv.Public().(ed25519.PublicKey), vote), nil
}
