package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"

	"github.com/predex/engine/internal/model"
)

// Console writes notifications to a terminal. The default outbound channel
// for single-node deployments; production replaces it with a messaging
// adapter behind the same interface.
type Console struct {
	out io.Writer
}

// NewConsole creates a notifier writing to stdout.
func NewConsole() *Console {
	return &Console{out: os.Stdout}
}

// NewConsoleWriter creates a notifier for tests.
func NewConsoleWriter(w io.Writer) *Console {
	return &Console{out: w}
}

func stamp() string {
	return time.Now().Format("15:04:05")
}

// TradeOutcome prints one line per rejected intent and a fill table per
// committed one.
func (c *Console) TradeOutcome(_ context.Context, out model.TradeOutcome) error {
	if !out.Committed {
		_, err := fmt.Fprintf(c.out, "[%s] %s: %s %d rejected (%s)\n",
			stamp(), out.UserID, out.Action, out.Amount, out.Reason)
		return err
	}

	points := out.Cost
	label := "Cost"
	if out.Action == model.ActionSell {
		points = out.Proceeds
		label = "Proceeds"
	}

	fmt.Fprintf(c.out, "[%s] %s: %s %s on %q", stamp(), out.UserID, out.Action, out.Side, out.MarketTitle)
	if out.Method != "" {
		fmt.Fprintf(c.out, " (matched by %s)", out.Method)
	}
	fmt.Fprintln(c.out)
	table := tablewriter.NewWriter(c.out)
	table.Header("Shares", label, "Balance", "P(YES)")
	table.Append(
		out.Shares.String(),
		points.String(),
		out.NewBalance.String(),
		out.PriceYes.String(),
	)
	table.Render()
	return nil
}

// Resolution prints the user's payout for a resolved market.
func (c *Console) Resolution(_ context.Context, userID, marketTitle string, outcome bool, payout decimal.Decimal) error {
	result := "NO"
	if outcome {
		result = "YES"
	}
	_, err := fmt.Fprintf(c.out, "[%s] %s: %q resolved %s, payout %s points\n",
		stamp(), userID, marketTitle, result, payout.String())
	return err
}

// Text prints a free-form message.
func (c *Console) Text(_ context.Context, userID, msg string) error {
	_, err := fmt.Fprintf(c.out, "[%s] %s: %s\n", stamp(), userID, msg)
	return err
}
