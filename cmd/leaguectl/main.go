// Command leaguectl inspects and maintains a league engine database from the
// shell: it renders order books, positions and settings as tables and can
// run the expiry sweep without the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/atmx/league-engine/internal/config"
	"github.com/atmx/league-engine/internal/engine"
	"github.com/atmx/league-engine/internal/model"
	"github.com/atmx/league-engine/internal/store"
	"github.com/atmx/league-engine/internal/trade"
)

const usage = `usage: leaguectl [-config file] <command> [flags]

commands:
  markets   [-status OPEN]      list markets
  book      -market ID          aggregated resting order book
  trades    -market ID          executed trades
  positions -market ID          share holdings
  settings                      voting settings
  sweep     [-market ID]        resolve expired unreported markets NO
`

var errUsage = errors.New("invalid usage")

func main() {
	configPath := flag.String("config", os.Getenv("LEAGUE_CONFIG"), "path to TOML config file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Keep stdout for tables.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := store.Open(ctx, cfg.Database)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closeStore()

	c := &cli{eng: engine.New(st), out: os.Stdout}
	if err := c.dispatch(ctx, flag.Args()); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "leaguectl:", err)
		os.Exit(1)
	}
}

type cli struct {
	eng *engine.Engine
	out io.Writer
}

func (c *cli) dispatch(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, args := args[0], args[1:]

	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	marketID := fs.String("market", "", "market id")
	status := fs.String("status", "", "market status filter")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	needMarket := func() error {
		if *marketID == "" {
			return fmt.Errorf("%w: %s requires -market", errUsage, cmd)
		}
		return nil
	}

	switch cmd {
	case "markets":
		return c.markets(ctx, model.MarketStatus(*status))
	case "book":
		if err := needMarket(); err != nil {
			return err
		}
		return c.book(ctx, *marketID)
	case "trades":
		if err := needMarket(); err != nil {
			return err
		}
		return c.trades(ctx, *marketID)
	case "positions":
		if err := needMarket(); err != nil {
			return err
		}
		return c.positions(ctx, *marketID)
	case "settings":
		return c.settings(ctx)
	case "sweep":
		return c.sweep(ctx, *marketID)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func (c *cli) markets(ctx context.Context, status model.MarketStatus) error {
	ms, err := c.eng.Store().ListMarkets(ctx, store.MarketFilter{Status: status})
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(c.out)
	table.Header("ID", "League", "Status", "Outcome", "Closes", "Question")
	for _, m := range ms {
		table.Append(m.ID, m.LeagueID, string(m.Status), string(m.Outcome), formatTime(m.ClosesAt), m.Question)
	}
	return table.Render()
}

func (c *cli) book(ctx context.Context, marketID string) error {
	if _, err := c.eng.Store().GetMarket(ctx, marketID); err != nil {
		return err
	}
	orders, err := c.eng.Store().ListOrders(ctx, marketID)
	if err != nil {
		return err
	}
	book := trade.BuildBook(marketID, orders)

	table := tablewriter.NewWriter(c.out)
	table.Header("Kind", "Side", "Price", "Quantity", "Orders")
	for _, l := range book.Buys {
		table.Append("BUY", string(l.Side), itoa(l.Price), itoa(l.Quantity), strconv.Itoa(l.Orders))
	}
	for _, l := range book.Sells {
		table.Append("SELL", string(l.Side), itoa(l.Price), itoa(l.Quantity), strconv.Itoa(l.Orders))
	}
	return table.Render()
}

func (c *cli) trades(ctx context.Context, marketID string) error {
	ts, err := c.eng.Store().ListTrades(ctx, marketID)
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(c.out)
	table.Header("ID", "Kind", "YES", "NO", "Price", "Quantity", "At")
	for _, tr := range ts {
		table.Append(tr.ID, string(tr.Kind), tr.YesUserID, tr.NoUserID, itoa(tr.Price), itoa(tr.Quantity), tr.CreatedAt.UTC().Format(time.RFC3339))
	}
	return table.Render()
}

func (c *cli) positions(ctx context.Context, marketID string) error {
	ps, err := c.eng.Store().ListPositions(ctx, marketID)
	if err != nil {
		return err
	}
	var yes, no int64
	table := tablewriter.NewWriter(c.out)
	table.Header("User", "YES", "NO")
	for _, p := range ps {
		table.Append(p.UserID, itoa(p.YesShares), itoa(p.NoShares))
		yes += p.YesShares
		no += p.NoShares
	}
	table.Append("total", itoa(yes), itoa(no))
	return table.Render()
}

func (c *cli) settings(ctx context.Context) error {
	vs, err := c.eng.Store().GetVotingSettings(ctx)
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(c.out)
	table.Header("Setting", "Value")
	table.Append("yes_bloc_weight", vs.YesBlocWeight.String())
	table.Append("no_bloc_weight", vs.NoBlocWeight.String())
	table.Append("admin_weight", vs.AdminWeight.String())
	table.Append("stake_percentage", vs.StakePercentage.String())
	table.Append("no_report_timeout_minutes", strconv.Itoa(vs.NoReportTimeoutMinutes))
	table.Append("min_votes", strconv.Itoa(vs.MinVotes))
	return table.Render()
}

func (c *cli) sweep(ctx context.Context, marketID string) error {
	results, sweepErr := c.eng.SweepExpired(ctx, marketID)
	table := tablewriter.NewWriter(c.out)
	table.Header("Market", "Status", "Outcome", "Refunded", "Payout")
	for _, r := range results {
		s := r.Settlement
		table.Append(r.MarketID, string(s.Status), string(s.Outcome), itoa(s.TokensRefunded), itoa(s.Payout))
	}
	if err := table.Render(); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%d market(s) resolved\n", len(results))
	return sweepErr
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
