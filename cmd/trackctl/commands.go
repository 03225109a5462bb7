package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/BearBump/ParcelSync/internal/models"
	"github.com/BearBump/ParcelSync/internal/services/reconciler"
	"github.com/BearBump/ParcelSync/internal/services/trackings"
	"github.com/pkg/errors"
)

const usage = `usage: trackctl [-config path] <command> [flags]

commands:
  update            refresh tracking for every eligible order
  update-unfetched  fetch orders that have no tracking record yet
  status            show stored record counts and the unfetched backlog
  backfill          migrate legacy tracking payloads into tracking records
  cleanup           delete tracking records (-ids, -older-than-days, -all)
  refresh           refresh one order (-order)
  assign            set a tracking number and fetch it (-order, -tracking)
`

var errUsage = errors.New("invalid usage")

type ctl struct {
	rec *reconciler.Reconciler
	trk *trackings.Service
	out io.Writer
	now func() time.Time
}

func (c *ctl) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		fmt.Fprint(c.out, usage)
		return errUsage
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "update":
		return c.update(ctx, models.ModeRefresh, rest)
	case "update-unfetched":
		return c.update(ctx, models.ModeUnfetched, rest)
	case "status":
		return c.status(ctx)
	case "backfill":
		return c.backfill(ctx, rest)
	case "cleanup":
		return c.cleanup(ctx, rest)
	case "refresh":
		return c.refresh(ctx, rest)
	case "assign":
		return c.assign(ctx, rest)
	case "help", "-h", "--help":
		fmt.Fprint(c.out, usage)
		return nil
	default:
		fmt.Fprintf(c.out, "unknown command %q\n\n%s", cmd, usage)
		return errUsage
	}
}

func newFlagSet(name string, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	return fs
}

func (c *ctl) update(ctx context.Context, mode models.SelectionMode, args []string) error {
	s := c.rec.Settings()
	fs := newFlagSet(string(mode), c.out)
	maxUpdates := fs.Int("max", s.MaxUpdates, "max orders per run (0 = unlimited)")
	parallel := fs.Bool("parallel", s.Parallel, "fetch a batch concurrently")
	excludeDelivered := fs.Bool("exclude-delivered", s.ExcludeDelivered, "skip orders already delivered")
	timeLimit := fs.Duration("time-limit", s.TimeLimit, "run time budget")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	s.Parallel = *parallel
	s.ExcludeDelivered = *excludeDelivered
	s.TimeLimit = *timeLimit
	c.rec.WithSettings(s).WithMaxUpdates(*maxUpdates)

	sum, err := c.rec.Run(ctx, mode)
	if err != nil {
		return err
	}
	return c.print(sum)
}

func (c *ctl) status(ctx context.Context) error {
	sum, err := c.rec.Summary(ctx)
	if err != nil {
		return err
	}
	s := c.rec.Settings()
	return c.print(map[string]any{
		"records":           sum.Records,
		"by_status":         sum.ByStatus,
		"unfetched_orders":  sum.UnfetchedOrders,
		"statuses":          s.Statuses,
		"exclude_delivered": s.ExcludeDelivered,
		"max_updates":       s.MaxUpdates,
		"parallel":          s.Parallel,
	})
}

func (c *ctl) backfill(ctx context.Context, args []string) error {
	fs := newFlagSet("backfill", c.out)
	limit := fs.Int("limit", 0, "max orders to scan (0 = all)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	sum, err := c.rec.Backfill(ctx, *limit)
	if err != nil {
		return err
	}
	return c.print(sum)
}

func (c *ctl) cleanup(ctx context.Context, args []string) error {
	fs := newFlagSet("cleanup", c.out)
	ids := fs.String("ids", "", "comma separated order ids")
	olderThan := fs.Int("older-than-days", 0, "only records last updated more than N days ago")
	all := fs.Bool("all", false, "delete every record")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	scope := models.CleanupScope{All: *all}
	if *ids != "" {
		parsed, err := parseIDs(*ids)
		if err != nil {
			return err
		}
		scope.OrderIDs = parsed
	}
	if *olderThan > 0 {
		cutoff := c.now().Add(-time.Duration(*olderThan) * 24 * time.Hour)
		scope.UpdatedBefore = &cutoff
	}
	if scope.Empty() {
		fmt.Fprintln(c.out, "cleanup needs -ids, -older-than-days or -all")
		return errUsage
	}

	n, err := c.trk.Delete(ctx, scope)
	if err != nil {
		return err
	}
	return c.print(map[string]int64{"deleted": n})
}

func (c *ctl) refresh(ctx context.Context, args []string) error {
	fs := newFlagSet("refresh", c.out)
	orderID := fs.Int64("order", 0, "order id")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *orderID <= 0 {
		fmt.Fprintln(c.out, "refresh needs -order")
		return errUsage
	}
	return c.print(c.rec.RefreshOrder(ctx, *orderID))
}

func (c *ctl) assign(ctx context.Context, args []string) error {
	fs := newFlagSet("assign", c.out)
	orderID := fs.Int64("order", 0, "order id")
	tn := fs.String("tracking", "", "tracking number")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *orderID <= 0 {
		fmt.Fprintln(c.out, "assign needs -order")
		return errUsage
	}
	res, err := c.rec.AssignTrackingNumber(ctx, *orderID, *tn)
	if err != nil {
		return err
	}
	return c.print(res)
}

func (c *ctl) print(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(v), "write output")
}

func parseIDs(s string) ([]int64, error) {
	parts := strings.Split(s, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil || id <= 0 {
			return nil, errors.Errorf("invalid order id %q", p)
		}
		out = append(out, id)
	}
	return out, nil
}
