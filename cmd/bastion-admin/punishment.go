package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/prn-tf/bastion/internal/domain"
	"github.com/prn-tf/bastion/internal/service"
)

func newPunishCmd(opts *options) *cobra.Command {
	var (
		reason   string
		duration time.Duration
		punisher string
	)

	cmd := &cobra.Command{
		Use:   "punish <type> <target>",
		Short: "Create a punishment (ban, mute, warning, kick, note)",
		Example: `  bastion-admin punish ban Steve --reason griefing --duration 72h
  bastion-admin punish mute 203.0.113.5 --duration 30m`,
		Args: cobra.ExactArgs(2),
		RunE: withApp(opts, func(ctx context.Context, a *app, args []string) error {
			t, err := domain.ParsePunishmentType(args[0])
			if err != nil {
				return err
			}
			target, err := a.core.Resolver.Resolve(ctx, args[1])
			if err != nil {
				return err
			}
			by, err := resolveActor(ctx, a, punisher)
			if err != nil {
				return err
			}

			input := service.CreateInput{Type: t, Target: target, Punisher: by, Duration: duration}
			if reason != "" {
				input.Reason = &reason
			}
			p, err := a.core.Lifecycle.Create(ctx, input)
			if err != nil {
				return err
			}

			if opts.output == "json" {
				return printJSON(a.out, p)
			}
			fmt.Fprintf(a.out, "Created %s #%d for %s\n", p.Type, p.ID, describeIdentity(target))
			return nil
		}),
	}

	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Reason shown to the player")
	cmd.Flags().DurationVarP(&duration, "duration", "d", 0, "Duration; 0 is permanent")
	cmd.Flags().StringVar(&punisher, "by", "", "Punisher identifier; defaults to the console")
	return cmd
}

func newLiftCmd(opts *options) *cobra.Command {
	var liftedBy string

	cmd := &cobra.Command{
		Use:   "lift <id> | lift <type> <target>",
		Short: "Lift a punishment by id, or the active punishment of a type on a target",
		Example: `  bastion-admin lift 42
  bastion-admin lift mute Steve`,
		Args: cobra.RangeArgs(1, 2),
		RunE: withApp(opts, func(ctx context.Context, a *app, args []string) error {
			by, err := resolveActor(ctx, a, liftedBy)
			if err != nil {
				return err
			}

			var p *domain.Punishment
			if len(args) == 1 {
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid punishment id %q", args[0])
				}
				if p, err = a.core.Lifecycle.LiftByID(ctx, id, by); err != nil {
					return err
				}
			} else {
				t, err := domain.ParsePunishmentType(args[0])
				if err != nil {
					return err
				}
				target, err := a.core.Resolver.Resolve(ctx, args[1])
				if err != nil {
					return err
				}
				if p, err = a.core.Lifecycle.LiftActive(ctx, target, t, by); err != nil {
					return err
				}
			}

			if opts.output == "json" {
				return printJSON(a.out, p)
			}
			fmt.Fprintf(a.out, "Lifted %s #%d\n", p.Type, p.ID)
			return nil
		}),
	}

	cmd.Flags().StringVar(&liftedBy, "by", "", "Identifier of who lifts it; defaults to the console")
	return cmd
}

// resolveActor resolves a punisher identifier, treating an empty one as the console.
func resolveActor(ctx context.Context, a *app, key string) (domain.Identity, error) {
	if key == "" {
		return domain.Console, nil
	}
	identity, err := a.core.Resolver.Resolve(ctx, key)
	if errors.Is(err, domain.ErrIdentityNotFound) {
		return nil, fmt.Errorf("unknown punisher %q: %w", key, err)
	}
	return identity, err
}
