package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"AttestGate/internal/attestation"
)

func fingerprintCommand() *cobra.Command {
	var file string
	var submittedAt int64
	var showPayload bool

	c := &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the digest of an attestation JSON without submitting it",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			a, err := readAttestation(file, c.InOrStdin())
			if err != nil {
				return err
			}

			if submittedAt == 0 {
				submittedAt = time.Now().Unix()
			}

			canonical, err := attestation.Canonical(a, submittedAt)
			if err != nil {
				return err
			}

			out := c.OutOrStdout()
			fmt.Fprintf(out, "digest:       %s\n", attestation.Sum(canonical))
			fmt.Fprintf(out, "submitted_at: %d\n", submittedAt)
			if showPayload {
				fmt.Fprintf(out, "payload:      %s\n", canonical)
			}

			return nil
		},
	}

	c.Flags().StringVar(&file, "file", "-", "Attestation JSON file, - for stdin")
	c.Flags().Int64Var(&submittedAt, "submitted-at", 0, "Unix submission time (now when 0)")
	c.Flags().BoolVar(&showPayload, "payload", false, "Also print the canonical payload")

	return c
}

// readAttestation decodes an attestation from path, or from stdin for "-".
func readAttestation(path string, stdin io.Reader) (*attestation.Attestation, error) {
	var data []byte
	var err error

	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read attestation:\n%w", err)
	}

	return attestation.DecodeJSON(data)
}
