package annotations

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
)

// OutputFormatter formats events for human-readable display.
type OutputFormatter struct {
	useColor bool
	writer   io.Writer
	renderer *DiffRenderer
}

// NewOutputFormatter creates a formatter with color support detection.
func NewOutputFormatter(w io.Writer) *OutputFormatter {
	if w == nil {
		w = os.Stdout
	}

	// Auto-detect color support
	useColor := false
	if f, ok := w.(*os.File); ok {
		useColor = isTerminal(f.Fd()) && !color.NoColor
	}

	return &OutputFormatter{
		useColor: useColor,
		writer:   w,
		renderer: NewDiffRenderer(useColor),
	}
}

// Handle implements the Handler interface - prints events as they occur
func (f *OutputFormatter) Handle(event Event) {
	output := f.Format(event)
	if output != "" {
		fmt.Fprintln(f.writer, output)
	}
}

// Format converts an event to a human-readable string.
func (f *OutputFormatter) Format(event Event) string {
	latency := f.formatLatency(event.Latency)
	d := event.Data

	switch event.Name {
	case IngestAccepted:
		return fmt.Sprintf("%s Ingest: %s at t=%v",
			latency, f.colorizeCount("Facts", toInt(d["facts"])), d["time"])

	case EpochClosed:
		return fmt.Sprintf("%s %s Epoch %v closed with %s",
			latency, f.colorize("===", color.FgYellow), d["time"], f.colorizeCount("Facts", toInt(d["facts"])))

	case EpochProcessed:
		return fmt.Sprintf("%s %s Epoch %v processed by worker %v",
			latency, f.colorize("===", color.FgGreen), d["time"], d["worker"])

	case QueryRegistered:
		return fmt.Sprintf("%s %s Query %s registered: %s",
			latency, f.colorize("+", color.FgGreen), d["query"], truncateQuery(fmt.Sprint(d["description"])))

	case QueryUnregistered:
		return fmt.Sprintf("%s %s Query %s unregistered", latency, f.colorize("-", color.FgYellow), d["query"])

	case QueryFailed:
		return fmt.Sprintf("%s %s Query %s failed: %v", latency, f.colorize("✗", color.FgRed), d["query"], d["error"])

	case QueryPlanCreated:
		return fmt.Sprintf("\n%s\n", d["plan"])

	case ArrangementBuilt:
		return fmt.Sprintf("%s Arrangement %s built (%v refs)", latency, f.colorize(fmt.Sprint(d["arrangement"]), color.FgCyan), d["refs"])

	case ArrangementDropped:
		return fmt.Sprintf("%s Arrangement %s dropped", latency, f.colorize(fmt.Sprint(d["arrangement"]), color.FgCyan))

	case FixpointConverged:
		return fmt.Sprintf("%s Fixed point for %s converged after %s at t=%v",
			latency, d["relations"], f.colorizeCount("Iterations", toInt(d["iterations"])), d["time"])

	case CardinalityViolation:
		return fmt.Sprintf("%s %s Attribute %v of entity %v has %v live values",
			latency, f.colorize("!", color.FgYellow), d["attribute"], d["entity"], d["values"])

	case ExpressionError:
		return fmt.Sprintf("%s %s %v dropped a row: %v", latency, f.colorize("!", color.FgYellow), d["expression"], d["error"])

	case ExchangeRetry:
		return fmt.Sprintf("%s %s Worker %v waiting on exchange round %v (attempt %v)",
			latency, f.colorize("~", color.FgYellow), d["worker"], d["round"], d["attempt"])

	case WorkerFailed:
		return fmt.Sprintf("%s %s Worker %v failed: %v", latency, f.colorize("✗", color.FgRed), d["worker"], d["error"])

	case SourceLoaded:
		return fmt.Sprintf("%s Loaded %s from %v sources at t=%v",
			latency, f.colorizeCount("Facts", toInt(d["facts"])), d["sources"], d["time"])

	case DiffDelivered:
		return fmt.Sprintf("%s %s", latency, f.renderer.RenderDiff(DiffInfo{
			Query:   fmt.Sprint(d["query"]),
			Time:    d["time"],
			Added:   toInt(d["added"]),
			Removed: toInt(d["removed"]),
		}))

	default:
		// Generic format for unknown events
		return fmt.Sprintf("%s %s %s", latency, event.Name, formatData(d))
	}
}

// formatLatency formats a duration as [XXXms] or [XXXµs] with color coding.
func (f *OutputFormatter) formatLatency(d time.Duration) string {
	// Use microseconds for sub-millisecond durations
	if d < time.Millisecond {
		us := d.Microseconds()
		s := fmt.Sprintf("[%dµs]", us)
		if !f.useColor {
			return s
		}
		return color.GreenString(s)
	}

	// Use floating-point milliseconds to preserve precision
	ms := float64(d.Microseconds()) / 1000.0
	s := fmt.Sprintf("[%.1fms]", ms)

	if !f.useColor {
		return s
	}

	switch {
	case ms < 50:
		return color.GreenString(s)
	case ms < 200:
		return color.YellowString(s)
	default:
		return color.RedString(s)
	}
}

// colorizeCount formats a count with a label, using color based on the label type.
func (f *OutputFormatter) colorizeCount(label string, count int) string {
	text := fmt.Sprintf("%d %s", count, label)

	if !f.useColor {
		return text
	}

	switch strings.ToLower(label) {
	case "facts":
		return color.BlueString(text)
	case "iterations":
		return color.MagentaString(text)
	default:
		return text
	}
}

// colorize applies color if enabled.
func (f *OutputFormatter) colorize(text string, attrs ...color.Attribute) string {
	if !f.useColor {
		return text
	}
	return color.New(attrs...).Sprint(text)
}

// truncateQuery shortens long query descriptions for display.
func truncateQuery(query string) string {
	// Remove extra whitespace
	query = strings.Join(strings.Fields(query), " ")

	const maxLen = 80
	if len(query) <= maxLen {
		return query
	}

	return query[:maxLen-3] + "..."
}

func formatData(d map[string]interface{}) string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, d[k])
	}
	return strings.Join(parts, " ")
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case uint64:
		return int(n)
	}
	return 0
}

// ConsoleHandler creates a handler that prints formatted events to stderr.
func ConsoleHandler() Handler {
	return NewOutputFormatter(os.Stderr).Handle
}

// isTerminal checks if the file descriptor is a terminal.
// This is a simplified version that only recognises stdout and stderr.
func isTerminal(fd uintptr) bool {
	return fd == uintptr(1) || fd == uintptr(2) // stdout or stderr
}
