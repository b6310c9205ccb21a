package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/felipepmaragno/chat-relay/internal/auth"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token [token]",
		Short: "Generate an API token and the bcrypt hash for API_TOKEN_HASH",
		Long: "Generate a random API token, or hash the given one, and print the value to put " +
			"in API_TOKEN_HASH. Only the hash is stored by the server.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token := ""
			if len(args) == 1 {
				token = args[0]
			} else {
				generated, err := auth.GenerateToken()
				if err != nil {
					return err
				}
				token = generated
			}

			hash, err := auth.HashToken(token)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(args) == 0 {
				fmt.Fprintf(out, "token:          %s\n", token)
			}
			fmt.Fprintf(out, "API_TOKEN_HASH: %s\n", hash)
			return nil
		},
	}
	return cmd
}
