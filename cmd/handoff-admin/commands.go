// ABOUTME: Cobra subcommands of handoff-admin
// ABOUTME: Each command maps onto one gateway endpoint or the gRPC health check

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/handoff-gateway/internal/gateway"
	"github.com/2389/handoff-gateway/internal/handoff"
)

// errStreamEnded is returned when a login channel closes without a session.
var errStreamEnded = errors.New("login channel closed without a session")

func newWatchCmd(opts *options) *cobra.Command {
	var resumeKey, resumeToken string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Open a login channel and wait for it to be authorized",
		Long: `Opens an anonymous login channel, prints its key, and waits until a
signed-in user runs "handoff-admin authorize <key>". The session token is
printed when it arrives. Use --resume with the printed resume token to
reattach to a channel after a dropped connection.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/login/channel"
			if resumeKey != "" {
				q := url.Values{"resume": {resumeKey}, "resume_token": {resumeToken}}
				path += "?" + q.Encode()
			}

			// Anonymous: the stream never carries the caller's token.
			c := newGatewayClient(opts.URL, "")
			out := cmd.OutOrStdout()
			signedIn := false

			err := c.stream(cmd.Context(), path, func(ev sseEvent) (bool, error) {
				switch ev.Event {
				case handoff.EventChannel:
					var info handoff.ChannelInfo
					if err := json.Unmarshal([]byte(ev.Data), &info); err != nil {
						return true, fmt.Errorf("parsing channel event: %w", err)
					}
					color.New(color.FgGreen).Fprintln(out, "  Login channel open")
					field(out, "Channel key", info.ChannelKey)
					field(out, "Expires", info.ExpiresAt.Local().Format(time.Kitchen))
					if info.ResumeToken != "" {
						field(out, "Resume token", info.ResumeToken)
					}
					fmt.Fprintf(out, "\n  Waiting for: handoff-admin authorize %s\n\n", info.ChannelKey)
					return false, nil

				case handoff.EventSession:
					var payload handoff.SessionPayload
					if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
						return true, fmt.Errorf("parsing session event: %w", err)
					}
					color.New(color.FgGreen).Fprintln(out, "  ✓ Signed in")
					field(out, "User", fmt.Sprintf("%s <%s>", payload.User.DisplayName, payload.User.Email))
					field(out, "Role", payload.User.Role)
					field(out, "Session token", payload.SessionToken)
					field(out, "Expires", payload.ExpiresAt.Local().Format(time.RFC1123))
					signedIn = true
					return true, nil

				case "expired":
					return true, errors.New("login channel expired")

				case "shutdown":
					return true, errors.New("gateway is shutting down")
				}
				return false, nil
			})
			if err == nil && !signedIn {
				return errStreamEnded
			}
			return err
		},
	}

	cmd.Flags().StringVar(&resumeKey, "resume", "", "channel key to resume")
	cmd.Flags().StringVar(&resumeToken, "resume-token", "", "resume token printed when the channel opened")
	return cmd
}

func newAuthorizeCmd(opts *options) *cobra.Command {
	var deviceInfo string

	cmd := &cobra.Command{
		Use:   "authorize <channel-key>",
		Short: "Grant a session to a waiting login channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.requireToken(); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()

			var resp gateway.AuthorizeChannelResponse
			path := "/v1/channels/" + url.PathEscape(args[0]) + "/authorize"
			if err := opts.client().do(ctx, http.MethodPost, path, gateway.AuthorizeChannelRequest{DeviceInfo: deviceInfo}, &resp); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if resp.Delivered {
				color.New(color.FgGreen).Fprintln(out, "  ✓ Session delivered")
			} else {
				color.New(color.FgYellow).Fprintln(out, "  Session created but the channel was gone before delivery")
			}
			field(out, "Session ID", resp.SessionID)
			field(out, "Expires", resp.ExpiresAt.Local().Format(time.RFC1123))
			return nil
		},
	}

	cmd.Flags().StringVar(&deviceInfo, "device", "handoff-admin", "device description recorded on the session")
	return cmd
}

func newIssueCmd(opts *options) *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "issue <scope>",
		Short: "Mint a single-use service token for a scope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.requireToken(); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()

			var issued handoff.IssuedToken
			if err := opts.client().do(ctx, http.MethodPost, "/v1/service-tokens", gateway.IssueTokenRequest{Scope: args[0]}, &issued); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if quiet {
				fmt.Fprintln(out, issued.Token)
				return nil
			}
			color.New(color.FgGreen).Fprintln(out, "  ✓ Service token issued")
			field(out, "Token", issued.Token)
			field(out, "Scope", issued.ScopeID)
			field(out, "Expires", issued.ExpiresAt.Local().Format(time.RFC1123))
			return nil
		},
	}

	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "print only the token")
	return cmd
}

func newRedeemCmd(opts *options) *cobra.Command {
	var scope string

	cmd := &cobra.Command{
		Use:   "redeem <token>",
		Short: "Redeem a service token and print its claims",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()

			// Redemption is anonymous; the token is the credential.
			c := newGatewayClient(opts.URL, "")
			var resp gateway.RedeemTokenResponse
			if err := c.do(ctx, http.MethodPost, "/v1/service-tokens/redeem", gateway.RedeemTokenRequest{Token: args[0], Scope: scope}, &resp); err != nil {
				return err
			}
			if resp.Claims == nil {
				return errors.New("gateway returned no claims")
			}

			out := cmd.OutOrStdout()
			color.New(color.FgGreen).Fprintln(out, "  ✓ Token redeemed")
			field(out, "Subject", resp.Claims.Subject)
			field(out, "Name", resp.Claims.Name)
			field(out, "Email", resp.Claims.Email)
			field(out, "Role", resp.Claims.Role)
			field(out, "Scope", resp.Claims.Scope)
			field(out, "Issued", resp.Claims.IssuedAt.Local().Format(time.RFC1123))
			return nil
		},
	}

	cmd.Flags().StringVar(&scope, "scope", "", "scope the token must carry")
	return cmd
}

func newSessionCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect or revoke the session behind --token",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Describe the current session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.requireToken(); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()

			var resp gateway.SessionResponse
			if err := opts.client().do(ctx, http.MethodGet, "/v1/session", nil, &resp); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			field(out, "Session ID", resp.SessionID)
			field(out, "User", fmt.Sprintf("%s <%s>", resp.User.DisplayName, resp.User.Email))
			field(out, "Role", resp.User.Role)
			if resp.DeviceInfo != "" {
				field(out, "Device", resp.DeviceInfo)
			}
			field(out, "Created", resp.CreatedAt.Local().Format(time.RFC1123))
			field(out, "Expires", resp.ExpiresAt.Local().Format(time.RFC1123))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:     "revoke",
		Aliases: []string{"logout"},
		Short:   "Revoke the current session",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.requireToken(); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()

			if err := opts.client().do(ctx, http.MethodDelete, "/v1/session", nil, nil); err != nil {
				return err
			}
			color.New(color.FgGreen).Fprintln(cmd.OutOrStdout(), "  ✓ Session revoked")
			return nil
		},
	})

	return cmd
}

func newAuditCmd(opts *options) *cobra.Command {
	var (
		since  time.Duration
		actor  string
		action string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List audit events (owner or admin)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.requireToken(); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()

			q := url.Values{}
			if since > 0 {
				q.Set("since", time.Now().Add(-since).UTC().Format(time.RFC3339))
			}
			if actor != "" {
				q.Set("actor", actor)
			}
			if action != "" {
				q.Set("action", action)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			path := "/v1/audit"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			var resp struct {
				Events []gateway.AuditEventResponse `json:"events"`
			}
			if err := opts.client().do(ctx, http.MethodGet, path, nil, &resp); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(resp.Events) == 0 {
				fmt.Fprintln(out, "No audit events found.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tACTION\tACTOR\tIP\tDESCRIPTION")
			for _, e := range resp.Events {
				actorID := e.ActorUserID
				if actorID == "" {
					actorID = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.Action, actorID, e.IPAddress, e.Description)
			}
			return w.Flush()
		},
	}

	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this (e.g. 24h)")
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor user ID")
	cmd.Flags().StringVar(&action, "action", "", "filter by action (channel_authorize, service_token_issue, service_token_redeem, session_revoke)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of events (default 100)")
	return cmd
}

func newHealthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the gateway's gRPC health service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()

			conn, err := grpc.NewClient(opts.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				return fmt.Errorf("connecting to %s: %w", opts.GRPCAddr, err)
			}
			defer conn.Close()

			resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{
				Service: gateway.HealthServiceName,
			})
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}

			out := cmd.OutOrStdout()
			field(out, "Gateway", opts.GRPCAddr)
			if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
				color.New(color.FgRed).Fprintln(out, "  "+resp.GetStatus().String())
				return fmt.Errorf("gateway is %s", resp.GetStatus())
			}
			color.New(color.FgGreen).Fprintln(out, "  SERVING")
			return nil
		},
	}
}
