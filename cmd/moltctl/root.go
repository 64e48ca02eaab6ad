package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/gliderlab/moltgate/pkg/config"
)

type rootOptions struct {
	url     string
	token   string
	timeout time.Duration
}

func (o *rootOptions) client() *client {
	return newClient(o.url, o.token, o.timeout)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:          "moltctl",
		Short:        "Operate a running moltgate gateway",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.url, "url", config.DefaultGatewayURL(), "Gateway base URL")
	cmd.PersistentFlags().StringVar(&opts.token, "token", "", "Internal token (X-Gateway-Token), if the gateway requires one")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 3*time.Minute, "Request timeout")

	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newCommandsCmd(opts))
	cmd.AddCommand(newEventsCmd(opts))
	cmd.AddCommand(newStatusCmd(opts))
	return cmd
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run <command> [args...]",
		Short: "Run an operator command, e.g. run telegram webhook status",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := opts.client().Run(cmd.Context(), args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), text)
			return nil
		},
	}
}

func newCommandsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "commands",
		Short: "List registered operator commands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := opts.client().Commands(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, c := range list {
				usage := "/" + c.Name
				if c.AcceptsArgs {
					usage += " [args]"
				}
				fmt.Fprintf(out, "%-24s %s\n", usage, c.Description)
			}
			return nil
		},
	}
}

func newEventsCmd(opts *rootOptions) *cobra.Command {
	var kind string
	var limit int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent journal events, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			events, err := opts.client().Events(cmd.Context(), kind, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(events) == 0 {
				fmt.Fprintln(out, "No events.")
				return nil
			}
			for _, e := range events {
				line := fmt.Sprintf("%s  %-20s chat=%s", e.CreatedAt.UTC().Format(time.RFC3339), e.Kind, e.ChatID)
				if e.Detail != "" {
					line += "  " + e.Detail
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "Filter by event kind (discipline_trigger, forward_failure, hint_sent)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum events to show (1-500)")
	return cmd
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show backend gateway status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), config.StatusProbeTimeout+5*time.Second)
			defer cancel()
			st, err := opts.client().Status(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Backend: %s\n", st.Status.Status)
			if st.ProcessID != 0 {
				fmt.Fprintf(out, "PID: %d\n", st.ProcessID)
			}
			if st.Error != "" {
				fmt.Fprintf(out, "Error: %s\n", st.Error)
			}
			if !st.OK {
				return fmt.Errorf("backend is not running")
			}
			return nil
		},
	}
}
