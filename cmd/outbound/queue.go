package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/busybox42/outbound/internal/queue"
	"github.com/busybox42/outbound/internal/store"
	"github.com/spf13/cobra"
)

func newQueueCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the outbound queue",
		Long: `Queue operations work directly against the configured store. They are
safe to run while the engine is delivering: pickups lock what they return.`,
	}

	enqueue := &cobra.Command{
		Use:   "enqueue",
		Short: "Add a message to the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			req := queue.EnqueueRequest{}
			req.ID, _ = flags.GetString("id")
			req.SendID, _ = flags.GetString("send")
			req.MailFrom, _ = flags.GetString("from")
			req.RcptTo, _ = flags.GetStringSlice("rcpt")
			req.DataPath, _ = flags.GetString("data")
			req.IdentityGroupID, _ = flags.GetInt("group")
			if delay, _ := flags.GetDuration("delay"); delay > 0 {
				req.AttemptSendAfter = time.Now().Add(delay)
			}

			return c.withStore(cmd.Context(), func(s store.Store) error {
				id, err := queue.NewManager(s, c.cfg.QueueConfig()).Enqueue(cmd.Context(), req)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	enqueue.Flags().String("id", "", "message id (generated when empty)")
	enqueue.Flags().String("send", "", "send the message belongs to")
	enqueue.Flags().String("from", "", "envelope sender (empty for the null reverse-path)")
	enqueue.Flags().StringSlice("rcpt", nil, "envelope recipient (repeatable)")
	enqueue.Flags().String("data", "", "message body path, relative to the data directory")
	enqueue.Flags().Int("group", 0, "identity group (0 uses the default group)")
	enqueue.Flags().Duration("delay", 0, "hold the message back for this long")
	_ = enqueue.MarkFlagRequired("send")
	_ = enqueue.MarkFlagRequired("rcpt")
	_ = enqueue.MarkFlagRequired("data")

	pickup := &cobra.Command{
		Use:   "pickup",
		Short: "Lock and list due messages without delivering them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("max")
			discard, _ := cmd.Flags().GetBool("discard")
			return c.withStore(cmd.Context(), func(s store.Store) error {
				m := queue.NewManager(s, c.cfg.QueueConfig())
				var (
					batch []store.QueuedMessage
					err   error
				)
				if discard {
					batch, err = m.PickupForDiscarding(cmd.Context(), limit)
				} else {
					batch, err = m.PickupForSending(cmd.Context(), limit)
				}
				if err != nil {
					return err
				}
				printQueued(cmd.OutOrStdout(), batch)
				return nil
			})
		},
	}
	pickup.Flags().Int("max", 10, "maximum number of messages to lock")
	pickup.Flags().Bool("discard", false, "pick up messages of discarded sends")

	show := &cobra.Command{
		Use:   "show <message-id>",
		Short: "Show a queued message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd.Context(), func(s store.Store) error {
				qm, err := queue.NewManager(s, c.cfg.QueueConfig()).Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printMessage(cmd.OutOrStdout(), qm)
				return nil
			})
		},
	}

	release := &cobra.Command{
		Use:   "release <message-id>...",
		Short: "Release the lock on queued messages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd.Context(), func(s store.Store) error {
				m := queue.NewManager(s, c.cfg.QueueConfig())
				for _, id := range args {
					if err := m.ReleaseLock(cmd.Context(), id); err != nil {
						return fmt.Errorf("release %s: %w", id, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Released %s\n", id)
				}
				return nil
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <message-id>...",
		Short: "Delete messages from the queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd.Context(), func(s store.Store) error {
				m := queue.NewManager(s, c.cfg.QueueConfig())
				for _, id := range args {
					if err := m.Delete(cmd.Context(), id); err != nil {
						return fmt.Errorf("delete %s: %w", id, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", id)
				}
				return nil
			})
		},
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show queue statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd.Context(), func(s store.Store) error {
				st, err := queue.NewManager(s, c.cfg.QueueConfig()).Stats(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TOTAL\tLOCKED\tDUE")
				fmt.Fprintf(w, "%d\t%d\t%d\n", st.Total, st.Locked, st.Due)
				return w.Flush()
			})
		},
	}

	cmd.AddCommand(enqueue, pickup, show, release, del, stats)
	return cmd
}

func printQueued(out io.Writer, batch []store.QueuedMessage) {
	if len(batch) == 0 {
		fmt.Fprintln(out, "No messages picked up")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSEND\tFROM\tRECIPIENTS\tDEFERRED\tQUEUED")
	for _, qm := range batch {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
			qm.ID,
			qm.SendID,
			sender(qm.MailFrom),
			len(qm.RcptTo),
			qm.DeferredCount,
			qm.QueuedAt.Format(time.RFC3339))
	}
	w.Flush()
}

func printMessage(out io.Writer, qm *store.QueuedMessage) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%s\n", qm.ID)
	fmt.Fprintf(w, "Send:\t%s\n", qm.SendID)
	fmt.Fprintf(w, "From:\t%s\n", sender(qm.MailFrom))
	fmt.Fprintf(w, "To:\t%s\n", strings.Join(qm.RcptTo, ", "))
	fmt.Fprintf(w, "Data:\t%s\n", qm.DataPath)
	fmt.Fprintf(w, "Group:\t%d\n", qm.IdentityGroupID)
	fmt.Fprintf(w, "Queued:\t%s\n", qm.QueuedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Next attempt:\t%s\n", qm.AttemptSendAfter.Format(time.RFC3339))
	fmt.Fprintf(w, "Locked:\t%t\n", qm.Locked)
	fmt.Fprintf(w, "Deferred:\t%d\n", qm.DeferredCount)
	w.Flush()
}

func sender(from string) string {
	if from == "" {
		return "<>"
	}
	return from
}
