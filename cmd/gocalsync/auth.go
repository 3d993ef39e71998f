package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"gocalsync/internal/credentials"
	"gocalsync/internal/utils"
)

func newAuthCmd(opts *rootOptions) *cobra.Command {
	authCmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage the API token",
		Long: `Manage the API token sent to the server.

The token is looked up in this order:
  1. The OS keyring, under the server's host
  2. The GOCALSYNC_SERVER_TOKEN environment variable
  3. server.token in the config file`,
	}

	var token string
	loginCmd := &cobra.Command{
		Use:   "login",
		Short: "Store the API token in the OS keyring",
		Long: `Store the API token for the configured server in the OS keyring. Without
--token the token is read from stdin.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			host, err := credentials.HostOf(cfg.Server.URL)
			if err != nil {
				return err
			}
			if !credentials.IsAvailable() {
				return utils.WrapWithSuggestion(
					fmt.Errorf("the OS keyring is not available"),
					"Set "+credentials.TokenEnvVar+" or server.token in the config file instead")
			}

			out := cmd.OutOrStdout()
			if token == "" {
				fmt.Fprintf(out, "Token for %s: ", host)
				token, err = readLine(cmd.InOrStdin())
				if err != nil {
					return err
				}
			}
			if err := credentials.SetToken(host, token); err != nil {
				return err
			}
			fmt.Fprintf(out, "Stored token for %s in the keyring\n", host)
			return nil
		},
	}
	loginCmd.Flags().StringVar(&token, "token", "", "API token (read from stdin when omitted)")

	logoutCmd := &cobra.Command{
		Use:   "logout",
		Short: "Remove the API token from the OS keyring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			host, err := credentials.HostOf(cfg.Server.URL)
			if err != nil {
				return err
			}
			if err := credentials.DeleteToken(host); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed token for %s\n", host)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show where the API token comes from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, creds, err := opts.loadConfigWithToken()
			if err != nil {
				return err
			}
			return opts.render(cmd, creds, func(w io.Writer) error {
				if creds.Source == credentials.SourceNone {
					fmt.Fprintf(w, "No token for %s\n", creds.Host)
					return nil
				}
				fmt.Fprintf(w, "Token for %s from %s\n", creds.Host, creds.Source)
				return nil
			})
		},
	}

	authCmd.AddCommand(loginCmd, logoutCmd, statusCmd)
	return authCmd
}

func readLine(in io.Reader) (string, error) {
	line, err := bufio.NewReader(in).ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		if err != nil && err != io.EOF {
			return "", err
		}
		return "", fmt.Errorf("no token given")
	}
	return line, nil
}
