package snapshot

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/rewired-gh/floworacle/internal/models"
)

// Direction labels a confidence value.
func Direction(conf float64) string {
	switch {
	case conf > 55:
		return "Buy"
	case conf < 45:
		return "Sell"
	default:
		return "Neutral"
	}
}

// Stamp formats t in the fixed display offset, e.g. "2025-08-26 02:00:00 UTC+2".
func Stamp(t time.Time, offsetHours int) string {
	return t.In(Zone(offsetHours)).Format("2006-01-02 15:04:05") + " " + ZoneSuffix(offsetHours)
}

// Zone returns the fixed display location.
func Zone(offsetHours int) *time.Location {
	return time.FixedZone(ZoneSuffix(offsetHours), offsetHours*3600)
}

// ZoneSuffix returns the "UTC+N" label.
func ZoneSuffix(offsetHours int) string {
	return fmt.Sprintf("UTC%+d", offsetHours)
}

func money(x float64) string {
	s := humanize.FormatFloat("#,###.##", math.Abs(x))
	if x < 0 {
		return "-$" + s
	}
	return "$" + s
}

// FormatText renders the diagnostic view of a snapshot. It reads only the numeric
// fields of snap, so the same snapshot always renders the same text.
func FormatText(snap *models.Snapshot, cfg Config) string {
	var b strings.Builder
	zone := Zone(snap.TZOffsetHours)

	b.WriteString("🟢 Diagnostic:\n")
	for _, token := range snap.Tokens {
		fmt.Fprintf(&b, "🔎 %s - flow interpretation\n", token)
		fmt.Fprintf(&b, "📅 %s\n", Stamp(snap.At, snap.TZOffsetHours))
		for _, w := range snap.Windows {
			stat := snap.Agg[token][w]
			fmt.Fprintf(&b, "• %s → %s (confidence %.0f/100)  events=%d, Σ=%s\n",
				w, Direction(stat.Conf), stat.Conf, stat.Events, money(stat.USD))
		}
		if cfg.VerboseBreakdown {
			for _, w := range cfg.BreakdownWindows {
				bd, ok := snap.Breakdowns[token][w]
				if !ok {
					continue
				}
				fmt.Fprintf(&b, "\n📊 Breakdown %s:\n", w)
				if len(bd.EventsList) == 0 {
					b.WriteString("  (no contributions)\n")
					continue
				}
				for _, it := range bd.EventsList {
					clock := it.TS
					if ts, err := time.Parse(time.RFC3339, it.TS); err == nil {
						clock = ts.In(zone).Format("15:04:05")
					}
					fmt.Fprintf(&b, "  • %s %s USD=%s w=%g P=%s P̂=%.6f (%%=%.1f) Δ=%+.2f ⇒ %.1f",
						clock, it.Kind, humanize.FormatFloat("#,###.##", it.USDAmount), it.Weight,
						money(it.Pressure), it.PressureNorm, it.PctNorm, it.DeltaConf, it.ConfAfter)
					if it.Exchange != "" {
						fmt.Fprintf(&b, " [%s]", it.Exchange)
					}
					b.WriteByte('\n')
				}
			}
		}
		b.WriteByte('\n')
	}
	return strings.TrimSpace(b.String())
}
