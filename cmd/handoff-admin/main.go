// ABOUTME: Admin CLI for handoff-gateway: login channels, service tokens, sessions and audit
// ABOUTME: Talks to the HTTP API with a bearer token and to the gRPC health service

package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

const banner = `
 _                     _          __  __
| |__   __ _ _ __   __| | ___  / _|/ _|
| '_ \ / _' | '_ \ / _' |/ _ \| |_| |_
| | | | (_| | | | | (_| | (_) |  _|  _|
|_| |_|\__,_|_| |_|\__,_|\___/|_| |_|
`

var version = "dev"

// options holds the global flags shared by every command.
type options struct {
	URL      string
	GRPCAddr string
	Token    string
	Timeout  time.Duration
}

func (o *options) client() *gatewayClient {
	return newGatewayClient(o.URL, o.Token)
}

func (o *options) requireToken() error {
	if o.Token == "" {
		return fmt.Errorf("no token (set HANDOFF_TOKEN, pass --token, or run handoff-gateway bootstrap)")
	}
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "handoff-admin",
		Short:         "handoff-admin drives a handoff-gateway from the command line",
		Long:          "A command-line client for opening login channels, authorizing them, minting and redeeming service tokens, and reading the audit log.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.URL, "url", envOr("HANDOFF_URL", "http://localhost:8080"), "gateway HTTP URL")
	rootCmd.PersistentFlags().StringVar(&opts.GRPCAddr, "grpc", envOr("HANDOFF_GRPC", "localhost:50051"), "gateway gRPC address")
	rootCmd.PersistentFlags().StringVar(&opts.Token, "token", getToken(), "bearer token (JWT or session token)")
	rootCmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "request timeout")

	rootCmd.AddCommand(
		newWatchCmd(opts),
		newAuthorizeCmd(opts),
		newIssueCmd(opts),
		newRedeemCmd(opts),
		newSessionCmd(opts),
		newAuditCmd(opts),
		newHealthCmd(opts),
	)

	rootCmd.SetHelpTemplate(banner + "\n" + rootCmd.HelpTemplate())
	return rootCmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getToken reads HANDOFF_TOKEN, then the token file written by bootstrap.
func getToken() string {
	if token := os.Getenv("HANDOFF_TOKEN"); token != "" {
		return token
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	data, err := os.ReadFile(filepath.Join(configDir, "handoff", "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// field prints an aligned "label: value" line.
func field(w io.Writer, label string, value any) {
	color.New(color.FgCyan).Fprintf(w, "  %-14s", label+":")
	fmt.Fprintf(w, "%v\n", value)
}
