package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/busybox42/outbound/internal/mta"
	"github.com/busybox42/outbound/internal/rules"
	"github.com/busybox42/outbound/internal/store"
	"github.com/spf13/cobra"
)

var errFileRules = errors.New("rules are read from a file; edit it instead")

func newRulesCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and edit outbound patterns and rules",
	}

	resolve := &cobra.Command{
		Use:   "resolve <host>",
		Short: "Show the pattern and limits that apply to a destination host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			identityID, _ := cmd.Flags().GetInt("identity")
			registry, err := c.cfg.Registry()
			if err != nil {
				return err
			}
			identity, ok := registry.Identity(identityID)
			if !ok {
				return fmt.Errorf("unknown identity %d", identityID)
			}
			return c.withRules(cmd.Context(), func(e *rules.Engine) error {
				return printResolution(cmd, e, args[0], identity)
			})
		},
	}
	resolve.Flags().Int("identity", 1, "outbound identity id")

	list := &cobra.Command{
		Use:   "list",
		Short: "List patterns in evaluation order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRules(cmd.Context(), func(e *rules.Engine) error {
				patterns, err := e.Patterns(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tPRIORITY\tNAME\tKIND\tIDENTITY\tVALUE")
				for _, p := range patterns {
					ident := "*"
					if p.Restricted() {
						ident = fmt.Sprint(*p.IdentityID)
					}
					fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\n", p.ID, p.Priority, p.Name, p.Kind, ident, p.Value)
				}
				return w.Flush()
			})
		},
	}

	seed := &cobra.Command{
		Use:   "seed",
		Short: "Add the catch-all pattern when it is missing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.cfg.Rules.Source == "file" {
				return errFileRules
			}
			return c.withStore(cmd.Context(), func(s store.Store) error {
				added, err := store.EnsureDefaultPattern(cmd.Context(), s)
				if err != nil {
					return err
				}
				if added {
					fmt.Fprintln(cmd.OutOrStdout(), "Default pattern added")
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), "Default pattern already present")
				}
				return nil
			})
		},
	}

	addPattern := &cobra.Command{
		Use:   "add-pattern <id> <value>",
		Short: "Create or replace a pattern",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.cfg.Rules.Source == "file" {
				return errFileRules
			}
			p := rules.Pattern{Value: args[1]}
			if _, err := fmt.Sscan(args[0], &p.ID); err != nil {
				return fmt.Errorf("invalid pattern id %q", args[0])
			}
			kind, _ := cmd.Flags().GetString("kind")
			var err error
			if p.Kind, err = rules.ParsePatternKind(kind); err != nil {
				return err
			}
			p.Priority, _ = cmd.Flags().GetInt("priority")
			p.Name, _ = cmd.Flags().GetString("name")
			if cmd.Flags().Changed("identity") {
				id, _ := cmd.Flags().GetInt("identity")
				p.IdentityID = &id
			}
			return c.withStore(cmd.Context(), func(s store.Store) error {
				if err := s.SavePattern(cmd.Context(), p); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Saved pattern %d\n", p.ID)
				return nil
			})
		},
	}
	addPattern.Flags().String("kind", "regex", "regex or exact")
	addPattern.Flags().Int("priority", 100, "evaluation priority, lowest first")
	addPattern.Flags().String("name", "", "descriptive name")
	addPattern.Flags().Int("identity", 0, "restrict the pattern to one identity")

	addRule := &cobra.Command{
		Use:   "add-rule <pattern-id> <type> <value>",
		Short: "Attach a rule to a pattern",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.cfg.Rules.Source == "file" {
				return errFileRules
			}
			r := rules.Rule{Value: args[2]}
			if _, err := fmt.Sscan(args[0], &r.PatternID); err != nil {
				return fmt.Errorf("invalid pattern id %q", args[0])
			}
			var err error
			if r.Type, err = rules.ParseRuleType(args[1]); err != nil {
				return err
			}
			return c.withStore(cmd.Context(), func(s store.Store) error {
				if err := s.SaveRule(cmd.Context(), r); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Saved %s=%s on pattern %d\n", r.Type, r.Value, r.PatternID)
				return nil
			})
		},
	}

	cmd.AddCommand(resolve, list, seed, addPattern, addRule)
	return cmd
}

// withRules builds a rule engine over the configured source.
func (c *cli) withRules(ctx context.Context, fn func(*rules.Engine) error) error {
	if c.cfg.Rules.Source == "file" {
		return fn(rules.NewEngine(&rules.FileSource{Path: c.cfg.Rules.File}, rules.Config{}))
	}
	return c.withStore(ctx, func(s store.Store) error {
		return fn(rules.NewEngine(s, rules.Config{}))
	})
}

func printResolution(cmd *cobra.Command, e *rules.Engine, host string, identity mta.Identity) error {
	ctx := cmd.Context()
	list, patternID, err := e.GetRules(ctx, host, identity)
	if err != nil {
		return err
	}
	maxConns, err := e.GetMaxConnectionsToDestination(ctx, host, identity)
	if err != nil {
		return err
	}
	perConn, err := e.GetMaxMessagesPerConnection(ctx, host, identity)
	if err != nil {
		return err
	}
	perHour, err := e.GetMaxMessagesPerHour(ctx, host, identity)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Host:\t%s\n", mta.NormalizeHost(host))
	fmt.Fprintf(w, "Identity:\t%s\n", identity)
	fmt.Fprintf(w, "Pattern:\t%d\n", patternID)
	fmt.Fprintf(w, "Rules attached:\t%d\n", len(list))
	fmt.Fprintf(w, "Max connections:\t%d\n", maxConns)
	fmt.Fprintf(w, "Max messages per connection:\t%d\n", perConn)
	fmt.Fprintf(w, "Max messages per hour:\t%s\n", hourlyLimit(perHour))
	return w.Flush()
}

func hourlyLimit(n int) string {
	if n < 0 {
		return "unlimited"
	}
	return fmt.Sprint(n)
}
