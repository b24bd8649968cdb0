package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/example/taxigrid/internal/models"
	"github.com/example/taxigrid/internal/orchestrator"
	"github.com/example/taxigrid/internal/pricing"
	"github.com/example/taxigrid/internal/proposal"
	"github.com/example/taxigrid/internal/ride"
)

const driverHelp = "commands: accept | decline | advance | move <x,y|landmark> | status | quit"

func (a *app) driver(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("driver", pflag.ContinueOnError)
	at := fs.String("at", "central-park", "starting cell, a landmark or x,y")
	if err := fs.Parse(args); err != nil {
		return err
	}
	pos, err := parsePlace(*at)
	if err != nil {
		return err
	}
	sess, err := a.openSession()
	if err != nil {
		return err
	}
	defer sess.Close()

	tariff := pricing.DefaultTariff()
	var o *orchestrator.Orchestrator
	o = a.orchestrator(sess, orchestrator.Config{
		OnProposal: func(p models.OrderProposal) {
			fmt.Fprintf(a.out, "proposal: ride %s pickup %d,%d (%s away)", p.RideID, p.Pickup.X, p.Pickup.Y, tariff.PickupETA(o.Presence().Position, p.Pickup))
			if p.Price != nil {
				fmt.Fprintf(a.out, " fare %.2f", *p.Price)
			}
			fmt.Fprintln(a.out)
		},
		OnServerError: func(n models.Notification) {
			fmt.Fprintf(a.out, "server error: %s\n", n.Data)
		},
	})
	defer o.Close()
	unsubscribe := o.OnRideChange(func(r models.Ride) {
		fmt.Fprintf(a.out, "ride %s is %s\n", r.ID, r.Status)
	})
	defer unsubscribe()

	if err := o.SwitchRole(ride.RoleDriver); err != nil {
		return err
	}
	if err := o.GoOnline(ctx, pos); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "online at %d,%d\n%s\n", pos.X, pos.Y, driverHelp)

	g, gctx := errgroup.WithContext(ctx)
	lines := a.readLines(gctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				done, err := a.driverCommand(gctx, o, line)
				if errors.Is(err, orchestrator.ErrClosed) {
					return err
				}
				switch {
				case err == nil:
				case orchestrator.IsRecoverable(err):
					fmt.Fprintln(a.out, "notice:", err)
				default:
					fmt.Fprintln(a.out, "error:", err)
				}
				if done {
					return nil
				}
			}
		}
	})
	err = g.Wait()
	o.GoOffline()
	return err
}

// driverCommand runs one line of operator input. It reports whether the
// session should end.
func (a *app) driverCommand(ctx context.Context, o *orchestrator.Orchestrator, line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	switch fields[0] {
	case "accept", "a":
		r, err := o.AcceptProposal(ctx)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(a.out, "accepted ride %s, head to %d,%d\n", r.ID, r.Pickup.X, r.Pickup.Y)
	case "decline", "d":
		if p, ok := o.DeclineProposal(); ok {
			fmt.Fprintf(a.out, "declined ride %s\n", p.RideID)
		} else {
			fmt.Fprintln(a.out, "no pending proposal")
		}
	case "advance", "n":
		r, err := o.AdvanceRide(ctx)
		if err != nil {
			return false, err
		}
		if r.Status.Terminal() {
			fmt.Fprintln(a.out, "ride finished, waiting for the next proposal")
		}
	case "move", "m":
		if len(fields) != 2 {
			return false, errors.New("usage: move <x,y|landmark>")
		}
		pos, err := parsePlace(fields[1])
		if err != nil {
			return false, err
		}
		o.Move(pos)
		fmt.Fprintf(a.out, "moved to %d,%d\n", pos.X, pos.Y)
	case "status", "s":
		p := o.Presence()
		fmt.Fprintf(a.out, "presence %s at %d,%d\n", p.NetworkStatus, p.Position.X, p.Position.Y)
		st, pending := o.ProposalState()
		if st == proposal.StatePendingDecision {
			fmt.Fprintf(a.out, "proposal %s awaiting decision\n", pending.RideID)
		} else if last := o.LastProposalOutcome(); last != proposal.OutcomeNone {
			fmt.Fprintf(a.out, "last proposal %s\n", last)
		}
		if r, ok := o.Ride(); ok {
			fmt.Fprintf(a.out, "ride %s is %s\n", r.ID, r.Status)
		}
	case "quit", "q", "exit":
		return true, nil
	default:
		fmt.Fprintln(a.out, driverHelp)
	}
	return false, nil
}

// readLines feeds stdin lines to the caller until EOF. The scanner cannot be
// interrupted, so the goroutine is abandoned on shutdown.
func (a *app) readLines(ctx context.Context) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(a.in)
		for sc.Scan() {
			select {
			case out <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
