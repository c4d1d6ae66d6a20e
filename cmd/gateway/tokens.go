package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"o2y-gateway/internal/auth"
	"o2y-gateway/internal/config"
)

func newTokensCmd(configPath *string) *cobra.Command {
	tokens := &cobra.Command{
		Use:   "tokens",
		Short: "Manage gateway access tokens",
	}

	var count int
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Issue new tokens and append them to the tokens file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			issued, err := auth.GenerateTokens(cfg.Auth.TokensFile, count, time.Now())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "issued %d token(s) into %s\n", len(issued), cfg.Auth.TokensFile)
			for _, t := range issued {
				fmt.Fprintln(out, t)
			}
			return nil
		},
	}
	generate.Flags().IntVarP(&count, "count", "n", 1, "number of tokens to issue")

	tokens.AddCommand(generate)
	return tokens
}
