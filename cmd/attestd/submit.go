package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"AttestGate/client"
	"AttestGate/internal/submission"
)

func submitCommand() *cobra.Command {
	var node, file, requestID string
	var submittedAt int64

	c := &cobra.Command{
		Use:   "submit",
		Short: "Submit an attestation JSON to a running node",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			a, err := readAttestation(file, c.InOrStdin())
			if err != nil {
				return err
			}

			cl := client.NewClient(node)

			var out *submission.Outcome
			if submittedAt != 0 {
				out, err = cl.SubmitAt(a, submittedAt, requestID)
			} else {
				out, err = cl.Submit(a)
			}

			if out != nil {
				data, _ := json.MarshalIndent(out, "", "  ")
				fmt.Fprintln(c.OutOrStdout(), string(data))
			}

			return err
		},
	}

	c.Flags().StringVar(&node, "node", "127.0.0.1:8080", "Node HTTP address")
	c.Flags().StringVar(&file, "file", "-", "Attestation JSON file, - for stdin")
	c.Flags().Int64Var(&submittedAt, "submitted-at", 0, "Pinned Unix submission time for idempotent retries")
	c.Flags().StringVar(&requestID, "request-id", "", "Request id sent as X-Request-Id (with --submitted-at)")

	return c
}
