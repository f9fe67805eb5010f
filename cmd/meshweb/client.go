package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/meshweb/pkg/httpclient"
)

type clientOptions struct {
	server  string
	timeout time.Duration
	config  httpclient.Config
}

func (o *clientOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.server, "server", "http://localhost:8080", "Node URL")
	cmd.Flags().DurationVar(&o.timeout, "timeout", 10*time.Second, "Request timeout")
}

func (o *clientOptions) newClient() (*httpclient.Client, error) {
	cfg := o.config
	cfg.ServerURL = o.server
	cfg.Timeout = o.timeout
	return httpclient.NewClient(cfg)
}

func newHealthCommand() *cobra.Command {
	opts := &clientOptions{}

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check node health",
		Long:  "Check the health status of a running node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.newClient()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			health, err := client.GetHealth(ctx)
			if err != nil {
				return fmt.Errorf("failed to check health: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Node: %s\n", health.NodeID)
			fmt.Fprintf(out, "Healthy: %t\n", health.Healthy)
			fmt.Fprintf(out, "Uptime: %s\n", health.Uptime.Round(time.Second))
			fmt.Fprintf(out, "Routes: %d\n", health.Routes)
			fmt.Fprintf(out, "Channels: %d\n", health.Channels)
			fmt.Fprintf(out, "Mounts: %v\n", health.Mounts)
			if health.Message != "" {
				fmt.Fprintf(out, "Message: %s\n", health.Message)
			}

			if !health.Healthy {
				return fmt.Errorf("node %s is not healthy", health.NodeID)
			}
			return nil
		},
	}

	opts.addFlags(cmd)
	cmd.Flags().StringVar(&opts.config.HealthPath, "path", "/health", "Health path on the node")
	return cmd
}

func newTokenCommand() *cobra.Command {
	opts := &clientOptions{}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Obtain a bearer token from a node",
		Long: `Obtain a JWT from the login handler of a node with auth enabled. The token
is printed on its own line so it can be captured by a shell.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.newClient()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			auth, err := client.Authenticate(ctx)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), auth.Token)
			fmt.Fprintf(cmd.ErrOrStderr(), "token for %s expires %s\n", auth.ClientID, auth.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}

	opts.addFlags(cmd)
	cmd.Flags().StringVar(&opts.config.ClientID, "client-id", "", "Client ID")
	cmd.Flags().StringVar(&opts.config.Secret, "secret", "", "Client secret")
	cmd.Flags().StringVar(&opts.config.LoginPath, "login-path", "/auth", "Login path on the node")
	_ = cmd.MarkFlagRequired("client-id")
	return cmd
}
