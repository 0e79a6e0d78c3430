// Package printer defines the receipt-printing collaborator. Printing is
// always best-effort: a failed print never reverts a finished transaction.
package printer

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/openkasse/kassad/internal/types"
)

// Line is one printable receipt row.
type Line struct {
	Name       string
	Quantity   decimal.Decimal
	UnitPrice  decimal.Decimal
	TotalPrice decimal.Decimal
	Notes      string
}

// Receipt is the render-ready view of a finished transaction.
type Receipt struct {
	TransactionUUID string
	BusinessDate    string
	Lines           []Line
	TotalAmount     decimal.Decimal
	TaxAmount       decimal.Decimal
	PaymentType     string
	PaymentAmount   decimal.Decimal
}

// Printer hands a receipt to the physical printing path.
type Printer interface {
	PrintReceipt(ctx context.Context, r *Receipt) error
}

// LogPrinter writes receipts to the log. Used when no printer is configured.
type LogPrinter struct {
	log zerolog.Logger
}

func NewLogPrinter(logger zerolog.Logger) *LogPrinter {
	return &LogPrinter{log: logger.With().Str("component", "printer").Logger()}
}

func (p *LogPrinter) PrintReceipt(ctx context.Context, r *Receipt) error {
	p.log.Info().Str("transaction_uuid", r.TransactionUUID).
		Str("total", r.TotalAmount.StringFixed(2)).
		Int("lines", len(r.Lines)).Msg("Receipt printed to log")
	return nil
}

// NetworkPrinter sends a plain-text rendering to a TCP printer address.
type NetworkPrinter struct {
	address string
	timeout time.Duration
	log     zerolog.Logger
}

func NewNetworkPrinter(address string, timeout time.Duration, logger zerolog.Logger) *NetworkPrinter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NetworkPrinter{
		address: address,
		timeout: timeout,
		log:     logger.With().Str("component", "printer").Logger(),
	}
}

func (p *NetworkPrinter) PrintReceipt(ctx context.Context, r *Receipt) error {
	dialer := net.Dialer{Timeout: p.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", p.address)
	if err != nil {
		return types.WrapError(types.KindExternalTimeout, "printer unreachable", err)
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(p.timeout))
	if _, err := conn.Write([]byte(render(r))); err != nil {
		return types.WrapError(types.KindExternalTimeout, "printer write failed", err)
	}
	return nil
}

func render(r *Receipt) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Beleg %s\n%s\n", r.TransactionUUID, r.BusinessDate)
	for _, l := range r.Lines {
		fmt.Fprintf(&b, "%s x%s  %s", l.Name, l.Quantity.String(), l.TotalPrice.StringFixed(2))
		if l.Notes != "" {
			fmt.Fprintf(&b, "  [%s]", l.Notes)
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "Summe %s (MwSt %s)\n%s %s\n",
		r.TotalAmount.StringFixed(2), r.TaxAmount.StringFixed(2),
		r.PaymentType, r.PaymentAmount.StringFixed(2))
	return b.String()
}
