package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/prn-tf/bastion/internal/pkg/crypto"
)

func newTokenCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage API tokens",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "generate",
		Short: "Generate an API token and the hash to put in auth.token_hash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, err := crypto.GenerateToken()
			if err != nil {
				return err
			}
			hash, err := crypto.HashToken(token)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.output == "json" {
				return printJSON(out, map[string]string{"token": token, "token_hash": hash})
			}
			fmt.Fprintf(out, "Token:      %s\n", token)
			fmt.Fprintf(out, "Token hash: %s\n", hash)
			fmt.Fprintln(out, "\nThe token is shown once. Configure the hash as auth.token_hash (env: BASTION_AUTH_TOKEN_HASH).")
			return nil
		},
	})
	return cmd
}

func newVersionCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if opts.output == "json" {
				return printJSON(out, map[string]string{"version": Version, "build_time": BuildTime, "git_commit": GitCommit})
			}
			fmt.Fprintf(out, "bastion admin CLI\n")
			fmt.Fprintf(out, "Version: %s\n", Version)
			fmt.Fprintf(out, "Build Time: %s\n", BuildTime)
			fmt.Fprintf(out, "Git Commit: %s\n", GitCommit)
			return nil
		},
	}
}
