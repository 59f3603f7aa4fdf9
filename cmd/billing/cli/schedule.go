package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ngsnet/billing/internal/billing/charges"
	"github.com/ngsnet/billing/internal/billing/cycle"
	"github.com/ngsnet/billing/internal/shared"
)

const dateLayout = "2006-01-02"

// NextDueOptions defines the flags of the next-due command.
type NextDueOptions struct {
	Anchor     string
	Now        string
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
	Clock      func() time.Time
}

// NextDueCommand prints the next due date for an anchor day.
func NextDueCommand(opts NextDueOptions) int {
	setStreams(&opts.Stdout, &opts.Stderr)
	anchor, err := time.Parse(dateLayout, strings.TrimSpace(opts.Anchor))
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "next-due: invalid --anchor %q (expected YYYY-MM-DD)\n", opts.Anchor)
		return 1
	}
	now := time.Now().UTC()
	if opts.Clock != nil {
		now = opts.Clock()
	}
	if opts.Now != "" {
		now, err = time.Parse(dateLayout, strings.TrimSpace(opts.Now))
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "next-due: invalid --now %q (expected YYYY-MM-DD)\n", opts.Now)
			return 1
		}
	}
	due := cycle.NextDueDate(anchor, now).Format(dateLayout)
	if opts.JSONOutput {
		return encode(opts.Stdout, opts.Stderr, "next-due", map[string]string{"next_due_date": due})
	}
	_, _ = fmt.Fprintln(opts.Stdout, due)
	return 0
}

// ChargesOptions defines the flags of the charges command. Amounts are
// decimal strings; empty means zero.
type ChargesOptions struct {
	BasePrice        string
	DeviceCount      int
	DeviceLimit      int
	ManualOvercharge string
	RebatePercent    string
	PreviousBalance  string
	DepositApplied   string
	ExtraDeviceRate  decimal.Decimal
	JSONOutput       bool
	Stdout           io.Writer
	Stderr           io.Writer
}

// ChargesCommand prints the charge breakdown for the given parameters.
func ChargesCommand(opts ChargesOptions) int {
	setStreams(&opts.Stdout, &opts.Stderr)
	v := &shared.ValidationError{}
	amount := func(field, s string) decimal.Decimal {
		if strings.TrimSpace(s) == "" {
			return decimal.Zero
		}
		d, err := decimal.NewFromString(strings.TrimSpace(s))
		if err != nil {
			v.Add(field, "must be a decimal number")
		}
		return d
	}
	in := charges.Input{
		BasePrice:         amount("base_price", opts.BasePrice),
		ClientDeviceCount: opts.DeviceCount,
		TierDeviceLimit:   opts.DeviceLimit,
		ManualOvercharge:  amount("unregistered_overcharge", opts.ManualOvercharge),
		RebatePercent:     amount("rebate", opts.RebatePercent),
		PreviousBalance:   amount("previous_balance", opts.PreviousBalance),
		DepositApplied:    amount("deposit_applied", opts.DepositApplied),
		ExtraDeviceRate:   opts.ExtraDeviceRate,
	}
	err := v.OrNil()
	if err == nil {
		err = charges.Validate(in)
	}
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "charges: %v\n", err)
		return 1
	}
	b := charges.Compute(in)
	if opts.JSONOutput {
		return encode(opts.Stdout, opts.Stderr, "charges", b)
	}
	renderChargesHuman(opts.Stdout, b)
	return 0
}

func renderChargesHuman(out io.Writer, b charges.Breakdown) {
	row := func(label string, d decimal.Decimal) {
		_, _ = fmt.Fprintf(out, "%-24s %14s\n", label, charges.FormatAmount(d))
	}
	row("Base price", b.BasePrice)
	row(fmt.Sprintf("Extra devices (%d x %s)", b.ExtraDevices, b.ExtraDeviceRate.String()), b.ExtraDeviceCharge)
	row("Unregistered overcharge", b.ManualOvercharge)
	row("Subtotal", b.ChargesSubtotal)
	row(fmt.Sprintf("Rebate (%s%%)", b.RebatePercent.String()), b.RebateAmount.Neg())
	row("Previous balance", b.PreviousBalance)
	row("Deposit applied", b.DepositApplied.Neg())
	row("Total", b.TotalAmount)
}

func encode(stdout, stderr io.Writer, cmd string, v any) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_, _ = fmt.Fprintf(stderr, "%s: encode json: %v\n", cmd, err)
		return 1
	}
	return 0
}

func setStreams(stdout, stderr *io.Writer) {
	if *stdout == nil {
		*stdout = os.Stdout
	}
	if *stderr == nil {
		*stderr = os.Stderr
	}
}
