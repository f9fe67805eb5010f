package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/meshweb/internal/resolver"
	"github.com/rmacdonaldsmith/meshweb/internal/routetable"
)

func newResolveCommand() *cobra.Command {
	var channels []string

	cmd := &cobra.Command{
		Use:   "resolve METHOD PATH",
		Short: "Show which channel a request resolves to",
		Long: `Resolve METHOD PATH against a set of registered channels and print the
winning channel and residual arguments.`,
		Example: `  meshweb resolve GET /foo/bar --channel /:index --channel /foo:index`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			table := routetable.NewInMemoryRouteTable()
			defer table.Close()

			for _, ch := range channels {
				if err := table.Add(context.Background(), ch); err != nil {
					return err
				}
			}

			match := resolver.Resolve(args[1], args[0], table.Snapshot())
			out := cmd.OutOrStdout()
			if !match.Found {
				fmt.Fprintln(out, "not found")
				return fmt.Errorf("no channel for %s %s", strings.ToUpper(args[0]), args[1])
			}

			fmt.Fprintf(out, "channel: %s\n", match.Channel)
			fmt.Fprintf(out, "args: [%s]\n", strings.Join(match.Args, " "))
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&channels, "channel", nil, "Registered channel, e.g. /foo:index (repeatable)")
	return cmd
}
