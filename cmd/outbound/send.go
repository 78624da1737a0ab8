package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/busybox42/outbound/internal/store"
	"github.com/spf13/cobra"
)

func newSendCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Manage sends and their delivery outcomes",
	}

	create := &cobra.Command{
		Use:   "create <send-id>",
		Short: "Create a send",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			statusName, _ := cmd.Flags().GetString("status")
			status, err := store.ParseSendStatus(statusName)
			if err != nil {
				return err
			}
			return c.withStore(cmd.Context(), func(s store.Store) error {
				if err := s.SaveSend(cmd.Context(), store.Send{ID: args[0], Status: status}); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created send %s (%s)\n", args[0], status)
				return nil
			})
		},
	}
	create.Flags().String("status", store.SendActive.String(), "initial status: active, paused or discard")

	status := &cobra.Command{
		Use:   "status <send-id> [active|paused|discard]",
		Short: "Show or change the status of a send",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd.Context(), func(s store.Store) error {
				if len(args) == 2 {
					st, err := store.ParseSendStatus(args[1])
					if err != nil {
						return err
					}
					if err := s.SetSendStatus(cmd.Context(), args[0], st); err != nil {
						return err
					}
				}
				send, err := s.GetSend(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", send.ID, send.Status)
				return nil
			})
		},
	}

	summary := &cobra.Command{
		Use:   "summary <send-id>",
		Short: "Summarize the delivery transactions of a send",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd.Context(), func(s store.Store) error {
				sum, err := s.GetSendSummary(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintf(w, "Attempts:\t%d\n", sum.Attempts())
				fmt.Fprintf(w, "Success:\t%d\n", sum.Success)
				fmt.Fprintf(w, "Deferred:\t%d\t(%.1f%%)\n", sum.Deferred, sum.DeferredPercent())
				fmt.Fprintf(w, "Throttled:\t%d\t(%.1f%%)\n", sum.Throttled, sum.ThrottledPercent())
				fmt.Fprintf(w, "Failed:\t%d\n", sum.Failed)
				fmt.Fprintf(w, "Timed out:\t%d\n", sum.TimedOut)
				fmt.Fprintf(w, "Discarded:\t%d\n", sum.Discarded)
				return w.Flush()
			})
		},
	}

	cmd.AddCommand(create, status, summary)
	return cmd
}
