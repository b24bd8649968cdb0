package main

import (
	"context"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/example/taxigrid/internal/models"
	"github.com/example/taxigrid/internal/orchestrator"
	"github.com/example/taxigrid/internal/pricing"
	"github.com/example/taxigrid/internal/ride"
	"github.com/example/taxigrid/internal/rideapi"
)

func (a *app) passenger(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("passenger", pflag.ContinueOnError)
	from := fs.String("from", "", "pickup, a landmark or x,y")
	to := fs.String("to", "", "destination, a landmark or x,y")
	estimate := fs.Bool("estimate", false, "print the fare estimate and exit")
	history := fs.Bool("history", false, "list past rides and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	sess, err := a.openSession()
	if err != nil {
		return err
	}
	defer sess.Close()

	if *history {
		return a.printHistory(ctx, sess)
	}
	if *from == "" || *to == "" {
		return fmt.Errorf("--from and --to are required")
	}
	pickup, err := parsePlace(*from)
	if err != nil {
		return err
	}
	dest, err := parsePlace(*to)
	if err != nil {
		return err
	}
	q := pricing.DefaultTariff().Quote(pickup, dest)
	fmt.Fprintf(a.out, "estimate: %d cells, about %s, fare %.2f\n", q.Distance, q.ETA, q.Price)
	if *estimate {
		return nil
	}

	o := a.orchestrator(sess, orchestrator.Config{
		OnServerError: func(n models.Notification) {
			fmt.Fprintf(a.out, "server error: %s\n", n.Data)
		},
	})
	defer o.Close()

	// The observer must not call back into the orchestrator, so it only
	// prints and signals.
	finished := make(chan models.Ride, 1)
	unsubscribe := o.OnRideChange(func(r models.Ride) {
		fmt.Fprintf(a.out, "ride %s is %s\n", r.ID, r.Status)
		if r.Status.Terminal() {
			select {
			case finished <- r:
			default:
			}
		}
	})
	defer unsubscribe()

	if err := o.SwitchRole(ride.RolePassenger); err != nil {
		return err
	}
	r, err := o.OrderRide(ctx, pickup, dest)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "ordered ride %s, waiting for a driver\n", r.ID)

	select {
	case r := <-finished:
		if r.Price != nil && r.Status == models.StatusCompleted {
			fmt.Fprintf(a.out, "charged %.2f\n", *r.Price)
		}
		return nil
	case <-ctx.Done():
		return nil
	}
}

func (a *app) printHistory(ctx context.Context, sess rideapi.TokenSource) error {
	rides, err := a.client(sess).ListRideHistory(ctx)
	if err != nil {
		return err
	}
	if len(rides) == 0 {
		fmt.Fprintln(a.out, "no rides yet")
	}
	for _, r := range rides {
		fmt.Fprintf(a.out, "%-6s %-18s %d,%d", r.ID, r.Status, r.Pickup.X, r.Pickup.Y)
		if r.Destination != nil {
			fmt.Fprintf(a.out, " -> %d,%d", r.Destination.X, r.Destination.Y)
		}
		if r.Price != nil {
			fmt.Fprintf(a.out, " %.2f", *r.Price)
		}
		fmt.Fprintln(a.out)
	}
	return nil
}
