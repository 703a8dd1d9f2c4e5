package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/alejandrodnm/polyguard/internal/domain"
)

// Console implementa ports.Notifier y los informes del operador.
type Console struct {
	out   io.Writer
	table bool
}

// NewConsole crea un notificador que escribe a stdout. Con table=true cada
// notificación incluye el historial completo de la orden.
func NewConsole(table bool) *Console {
	return &Console{out: os.Stdout, table: table}
}

// NewConsoleWriter crea un notificador para tests.
func NewConsoleWriter(w io.Writer, table bool) *Console {
	return &Console{out: w, table: table}
}

// NotifyOrder imprime una línea por orden y, en modo tabla, su historial.
func (c *Console) NotifyOrder(_ context.Context, o domain.OrderLifecycle) error {
	fmt.Fprintln(c.out, c.summaryLine(o))
	if c.table {
		c.PrintHistory(o)
	}
	return nil
}

func (c *Console) summaryLine(o domain.OrderLifecycle) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s %s %s %s size %s/%s",
		o.UpdatedAt.Format("15:04:05"), stateIcon(o.CurrentState), o.CurrentState,
		shortID(o.OrderID), marketSide(o), num(o.FilledSize), num(o.RequestedSize))
	if o.FilledSize > 0 {
		fmt.Fprintf(&sb, " @ %.2f", o.AvgFillPrice)
	}
	if o.CLV != nil {
		fmt.Fprintf(&sb, " clv %+.2f", *o.CLV)
	}
	if o.LastError != "" {
		fmt.Fprintf(&sb, " | err: %s", truncate(o.LastError, 60))
	} else if n := len(o.StateHistory); n > 0 {
		fmt.Fprintf(&sb, " | %s", truncate(o.StateHistory[n-1].Reason, 60))
	}
	return sb.String()
}

// PrintHistory imprime la secuencia de transiciones de una orden.
func (c *Console) PrintHistory(o domain.OrderLifecycle) {
	fmt.Fprintf(c.out, "\n=== %s  %s (%s) signal %s ===\n", o.OrderID, marketSide(o), o.Strategy, o.SignalID)

	table := tablewriter.NewWriter(c.out)
	table.Header("#", "At", "From", "To", "Reason", "Metadata")
	for i, t := range o.StateHistory {
		from := string(t.From)
		if from == "" {
			from = "-"
		}
		table.Append(
			fmt.Sprintf("%d", i+1),
			t.At.Format("15:04:05.000"),
			from,
			string(t.To),
			truncate(t.Reason, 48),
			metadataLabel(t.Metadata),
		)
	}
	table.Render()
	fmt.Fprintln(c.out)
}

// PrintInvariants imprime el resultado de cada invariante de riesgo.
func (c *Console) PrintInvariants(orderID string, approved bool, results []domain.InvariantResult) {
	verdict := "APPROVED"
	if !approved {
		verdict = "REJECTED"
	}
	fmt.Fprintf(c.out, "\n=== RISK AUDIT %s: %s ===\n", orderID, verdict)
	if len(results) == 0 {
		fmt.Fprintln(c.out, "  no risk check recorded")
		return
	}

	table := tablewriter.NewWriter(c.out)
	table.Header("ID", "Invariant", "Sev", "Actual", "Expected", "OK")
	for _, r := range results {
		mark := "✓"
		if !r.Passed {
			mark = "✗"
		}
		table.Append(r.ID, r.Name, string(r.Severity), r.Actual, r.Expected, mark)
	}
	table.Render()

	for _, r := range results {
		if !r.Passed {
			fmt.Fprintf(c.out, "  %s %s: %s\n", r.ID, r.Severity, r.Message)
		}
	}
	fmt.Fprintln(c.out)
}

// PrintBreaker imprime el estado del circuit breaker.
func (c *Console) PrintBreaker(st domain.CircuitBreakerState) {
	fmt.Fprintf(c.out, "breaker %s | failures %d | since %s", st.State, st.ConsecutiveFailures, timeLabel(st.LastTransitionAt))
	if st.LastReason != "" {
		fmt.Fprintf(c.out, " | %s", st.LastReason)
	}
	fmt.Fprintln(c.out)
}

// PrintOrders imprime una tabla resumen, usada para las órdenes atascadas.
func (c *Console) PrintOrders(title string, orders []domain.OrderLifecycle) {
	if len(orders) == 0 {
		fmt.Fprintf(c.out, "%s: none\n", title)
		return
	}
	fmt.Fprintf(c.out, "\n=== %s (%d) ===\n", title, len(orders))

	table := tablewriter.NewWriter(c.out)
	table.Header("Order", "Market", "State", "Filled", "Retries", "Updated", "Last error")
	for _, o := range orders {
		table.Append(
			shortID(o.OrderID),
			marketSide(o),
			string(o.CurrentState),
			fmt.Sprintf("%s/%s", num(o.FilledSize), num(o.RequestedSize)),
			fmt.Sprintf("%d", o.RetryCount),
			timeLabel(o.UpdatedAt),
			truncate(o.LastError, 40),
		)
	}
	table.Render()
	fmt.Fprintln(c.out)
}

// --- helpers ---

func stateIcon(s domain.OrderState) string {
	switch s {
	case domain.StateFilled, domain.StateReconciled, domain.StateArchived:
		return "OK"
	case domain.StateError, domain.StateReconciliationDrift:
		return "!!"
	case domain.StateRiskRejected, domain.StateRejected, domain.StatePreTradeFailed:
		return "x"
	}
	if s.IsTerminal() {
		return "-"
	}
	return ">>"
}

func marketSide(o domain.OrderLifecycle) string {
	return fmt.Sprintf("%s %s", truncate(o.Ticker, 20), o.Side)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func metadataLabel(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+m[k])
	}
	return truncate(strings.Join(parts, " "), 40)
}

func timeLabel(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05")
}

func num(v float64) string {
	return strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%.2f", v), "0"), ".")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
