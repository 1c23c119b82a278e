package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/prn-tf/bastion/internal/domain"
)

func newResolveCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <username|uuid|address>",
		Short: "Resolve an identifier to a stored identity",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(ctx context.Context, a *app, args []string) error {
			identity, err := a.core.Resolver.Resolve(ctx, args[0])
			if err != nil {
				return err
			}
			// Directory answers are stored in the background.
			a.core.WriteBack.Wait()

			out := map[string]any{"identity": domain.RefOf(identity)}
			var lines []string
			switch v := identity.(type) {
			case *domain.PlayerIdentity:
				history, err := a.core.Resolver.UsernameHistory(ctx, v)
				if err != nil {
					return err
				}
				out["username_history"] = history
				for _, e := range history.Entries {
					changed := "original"
					if e.ChangedAt != nil {
						changed = e.ChangedAt.UTC().Format("2006-01-02")
					}
					lines = append(lines, fmt.Sprintf("  %s (%s)", e.Username, changed))
				}
			case *domain.NetworkIdentity:
				audience, err := a.core.Resolver.Audience(ctx, v)
				if err != nil {
					return err
				}
				out["audience"] = audience
				for _, p := range audience {
					lines = append(lines, fmt.Sprintf("  %s (%s)", p.Username, p.UUID))
				}
			}

			w := a.out
			if opts.output == "json" {
				return printJSON(w, out)
			}
			fmt.Fprintf(w, "%s [id %d]\n", describeIdentity(identity), identity.StoreID())
			for _, line := range lines {
				fmt.Fprintln(w, line)
			}
			return nil
		}),
	}
}

func newHistoryCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "history <username|uuid|address>",
		Short: "List every punishment of a target",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(ctx context.Context, a *app, args []string) error {
			target, err := a.core.Resolver.Resolve(ctx, args[0])
			if err != nil {
				return err
			}
			list, err := a.core.Lifecycle.History(ctx, target.StoreID())
			if err != nil {
				return err
			}

			rows := make([]punishmentRow, 0, len(list))
			views := make([]map[string]any, 0, len(list))
			for _, p := range list {
				active := a.core.Lifecycle.CurrentlyApplies(p)
				rows = append(rows, punishmentRow{p: p, active: active})
				views = append(views, map[string]any{"punishment": p, "active": active})
			}
			a.core.WriteBack.Wait()

			w := a.out
			if opts.output == "json" {
				return printJSON(w, map[string]any{"target": domain.RefOf(target), "punishments": views})
			}
			return printPunishments(w, rows)
		}),
	}
}
