package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/buddyfox/buddyfox/internal/api"
	"github.com/buddyfox/buddyfox/internal/domain"
)

// Output formats accepted by --format.
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatYAML  = "yaml"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62")).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Italic(true)

	countStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)
)

// Health mirrors the body of GET /api/health.
type Health struct {
	Status             string            `json:"status"`
	Version            string            `json:"version"`
	Timestamp          time.Time         `json:"timestamp"`
	AgentReady         bool              `json:"agent_ready"`
	TranscriptionReady bool              `json:"transcription_ready"`
	Checks             map[string]string `json:"checks,omitempty"`
}

// Stats mirrors the body of GET /api/stats.
type Stats = api.StatsResponse

func validFormat(format string) error {
	switch format {
	case FormatTable, FormatJSON, FormatYAML:
		return nil
	}
	return fmt.Errorf("unknown format %q (want table, json or yaml)", format)
}

// writeStructured renders v as JSON or YAML. YAML keys follow the JSON field names.
func writeStructured(w io.Writer, format string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if format == FormatJSON {
		_, err = fmt.Fprintln(w, string(raw))
		return err
	}

	var node yaml.Node
	if err := yaml.Unmarshal(raw, &node); err != nil {
		return fmt.Errorf("convert to yaml: %w", err)
	}
	blockStyle(&node)

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer func() { _ = enc.Close() }()
	return enc.Encode(&node)
}

// blockStyle drops the flow and quoting styles carried over from JSON.
func blockStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		blockStyle(c)
	}
}

// eventPrinter renders a query stream as it arrives.
type eventPrinter struct {
	w       io.Writer
	midLine bool
}

func (p *eventPrinter) print(ev *domain.StreamEvent) error {
	switch ev.Type {
	case domain.EventText:
		_, err := io.WriteString(p.w, ev.Content)
		p.midLine = !strings.HasSuffix(ev.Content, "\n")
		return err
	case domain.EventTool:
		p.breakLine()
		verb := "using"
		if ev.Status == domain.ToolCompleted {
			verb = "done"
		}
		_, err := fmt.Fprintln(p.w, dimStyle.Render(fmt.Sprintf("  [%s %s]", verb, ev.Tool)))
		return err
	case domain.EventComplete:
		p.breakLine()
		if ev.SessionStats == nil {
			return nil
		}
		s := ev.SessionStats
		_, err := fmt.Fprintln(p.w, dimStyle.Render(fmt.Sprintf(
			"session %s: %d messages, %d/%d searches, %d fetches",
			s.SessionID, s.MessageCount, s.WebSearchesUsed, s.MaxSearches, s.WebFetchesUsed,
		)))
		return err
	case domain.EventError:
		p.breakLine()
		_, err := fmt.Fprintln(p.w, errorStyle.Render("error: ")+ev.Error)
		return err
	}
	return nil
}

func (p *eventPrinter) breakLine() {
	if p.midLine {
		_, _ = fmt.Fprintln(p.w)
		p.midLine = false
	}
}

func printSessions(w io.Writer, sessions []domain.Session) {
	if len(sessions) == 0 {
		_, _ = fmt.Fprintln(w, headerStyle.Render("No sessions"))
		return
	}
	_, _ = fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%d session(s)", len(sessions))))

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(tw, titleStyle.Render("ID")+"\t"+titleStyle.Render("Started")+"\t"+
		titleStyle.Render("Messages")+"\t"+titleStyle.Render("Searches")+"\t"+titleStyle.Render("Fetches")+"\t")
	for _, s := range sessions {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t\n",
			idStyle.Render(s.SessionID),
			dimStyle.Render(s.StartedAt.Local().Format("Jan 02 15:04")),
			countStyle.Render(strconv.Itoa(s.MessageCount)),
			fmt.Sprintf("%d/%d", s.WebSearchesUsed, s.MaxSearches),
			strconv.Itoa(s.WebFetchesUsed),
		)
	}
	_ = tw.Flush()
}

func printSession(w io.Writer, s *domain.Session) {
	_, _ = fmt.Fprintln(w, headerStyle.Render("Session "+s.SessionID))
	rows := [][2]string{
		{"Started", s.StartedAt.Local().Format(time.RFC1123)},
		{"Duration", formatDuration(s.DurationSeconds)},
		{"Messages", strconv.Itoa(s.MessageCount)},
		{"Web searches", fmt.Sprintf("%d/%d %s", s.WebSearchesUsed, s.MaxSearches, usageBar(s.WebSearchesUsed, s.MaxSearches, 20))},
		{"Web fetches", strconv.Itoa(s.WebFetchesUsed)},
	}
	for _, r := range rows {
		_, _ = fmt.Fprintf(w, "  %-14s %s\n", r[0]+":", r[1])
	}
}

func printHealth(w io.Writer, h *Health) {
	status := successStyle.Render(h.Status)
	if h.Status != "healthy" {
		status = warningStyle.Render(h.Status)
	}
	_, _ = fmt.Fprintf(w, "%s %s\n", headerStyle.Render("Buddy Fox "+h.Version), status)
	_, _ = fmt.Fprintf(w, "  %-14s %s\n", "Agent:", readyMark(h.AgentReady))
	_, _ = fmt.Fprintf(w, "  %-14s %s\n", "Transcription:", readyMark(h.TranscriptionReady))
	if db, ok := h.Checks["database"]; ok {
		_, _ = fmt.Fprintf(w, "  %-14s %s\n", "Database:", db)
	}
}

func printStats(w io.Writer, s *Stats) {
	_, _ = fmt.Fprintln(w, headerStyle.Render("Server statistics"))
	_, _ = fmt.Fprintf(w, "  %-22s %s\n", "Sessions:", countStyle.Render(strconv.Itoa(s.TotalSessions)))
	_, _ = fmt.Fprintf(w, "  %-22s %d\n", "Active sessions:", s.ActiveSessions)
	_, _ = fmt.Fprintf(w, "  %-22s %d\n", "Queries:", s.TotalQueries)
	_, _ = fmt.Fprintf(w, "  %-22s %d\n", "Active transcriptions:", s.ActiveTranscriptions)

	c := s.CacheStats
	_, _ = fmt.Fprintln(w, headerStyle.Render("Cache"))
	if !c.Enabled {
		_, _ = fmt.Fprintln(w, dimStyle.Render("  disabled"))
	} else {
		_, _ = fmt.Fprintf(w, "  %-22s %d/%d\n", "Size:", c.Size, c.MaxSize)
		_, _ = fmt.Fprintf(w, "  %-22s %d / %d\n", "Hits / misses:", c.Hits, c.Misses)
		_, _ = fmt.Fprintf(w, "  %-22s %.1f%%\n", "Hit rate:", c.HitRate*100)
	}

	if m := s.Metrics; m != nil {
		_, _ = fmt.Fprintln(w, headerStyle.Render("Process"))
		_, _ = fmt.Fprintf(w, "  %-22s %d\n", "PID:", m.PID)
		_, _ = fmt.Fprintf(w, "  %-22s %.1f MiB\n", "RSS:", float64(m.RSSBytes)/(1<<20))
		_, _ = fmt.Fprintf(w, "  %-22s %.1f%%\n", "CPU:", m.CPUPercent)
		_, _ = fmt.Fprintf(w, "  %-22s %d\n", "Goroutines:", m.Goroutines)
		_, _ = fmt.Fprintf(w, "  %-22s %s\n", "Uptime:", formatDuration(m.UptimeSeconds))
	}
}

func readyMark(ok bool) string {
	if ok {
		return successStyle.Render("ready")
	}
	return errorStyle.Render("unavailable")
}

// usageBar draws used/limit as a fixed-width bar.
func usageBar(used, limit, width int) string {
	if limit <= 0 || width <= 0 {
		return ""
	}
	filled := min(used*width/limit, width)
	return "[" + strings.Repeat("#", filled) + strings.Repeat("-", width-filled) + "]"
}

func formatDuration(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second))
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
