package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/joblog/joblog/internal/models"
	"github.com/joblog/joblog/internal/tracker"
)

var (
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#6366F1")
	successColor   = lipgloss.Color("#10B981")
	warningColor   = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")
	mutedColor     = lipgloss.Color("#6B7280")
	fgColor        = lipgloss.Color("#F9FAFB")
	cyanColor      = lipgloss.Color("#06B6D4")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	inputBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	selectedStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(cyanColor)

	onlineStyle  = lipgloss.NewStyle().Foreground(successColor).Bold(true)
	offlineStyle = lipgloss.NewStyle().Foreground(errorColor)
	runningStyle = lipgloss.NewStyle().Foreground(successColor)
	pausedStyle  = lipgloss.NewStyle().Foreground(warningColor)
	idleStyle    = lipgloss.NewStyle().Foreground(mutedColor)
	errorStyle   = lipgloss.NewStyle().Foreground(errorColor)
)

// maxFeed is the number of events shown under the board.
const maxFeed = 5

// FormatClock renders milliseconds as h:mm:ss.
func FormatClock(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	d := time.Duration(ms) * time.Millisecond
	h := int(d / time.Hour)
	m := int(d/time.Minute) % 60
	s := int(d/time.Second) % 60
	return fmt.Sprintf("%d:%02d:%02d", h, m, s)
}

// renderHeader renders the project line with connection state.
func renderHeader(v tracker.View) string {
	project := "no project"
	if v.Snapshot != nil && v.Snapshot.Project != nil {
		project = v.Snapshot.Project.Code + "  " + v.Snapshot.Project.Name
	}

	conn := onlineStyle.Render("● online")
	switch {
	case v.Expired:
		conn = offlineStyle.Render("○ signed out")
	case v.Offline:
		conn = offlineStyle.Render("○ offline")
	}

	header := titleStyle.Render("JobLog") + "  " + project + "  " + conn
	if v.Pending > 0 {
		header += "  " + pausedStyle.Render(fmt.Sprintf("[%d queued]", v.Pending))
	}
	if !v.SyncedAt.IsZero() {
		header += "  " + helpStyle.Render("synced "+humanize.RelTime(v.SyncedAt, v.Now, "ago", "from now"))
	}
	return header
}

// renderBoard renders the team pool, each activity and the event feed.
func renderBoard(v tracker.View) string {
	s := v.Snapshot
	if s == nil || (len(s.Team) == 0 && len(s.Activities) == 0) {
		return "\n  No state yet. Waiting for the first refresh...\n"
	}

	var b strings.Builder

	b.WriteString(sectionStyle.Render(fmt.Sprintf("Team (%d unassigned)", len(s.Team))) + "\n")
	if len(s.Team) == 0 {
		b.WriteString(helpStyle.Render("  everyone is assigned") + "\n")
	}
	for _, m := range s.Team {
		b.WriteString(renderMember(m, v) + "\n")
	}

	for _, a := range s.Activities {
		b.WriteString("\n" + renderActivityHeader(a, v) + "\n")
		if len(a.Members) == 0 {
			b.WriteString(helpStyle.Render("  nobody assigned") + "\n")
		}
		for _, m := range a.Members {
			b.WriteString(renderMember(m, v) + "\n")
		}
	}

	if len(v.Events) > 0 {
		b.WriteString("\n" + sectionStyle.Render("Recent") + "\n")
		for i, e := range v.Events {
			if i >= maxFeed {
				break
			}
			ts := time.UnixMilli(e.Ts).Local().Format("15:04")
			b.WriteString(fmt.Sprintf("  %s  %s\n", helpStyle.Render(ts), e.Summary))
		}
	}
	return b.String()
}

func renderActivityHeader(a models.ActivityAggregate, v tracker.View) string {
	total, ok := v.Totals[a.ID]
	if !ok {
		total = a.TotalRunningMs()
	}
	line := sectionStyle.Render(a.Label) + "  " + FormatClock(total)
	if planned := a.PlannedDurationMs(); planned > 0 {
		pct := total * 100 / planned
		style := runningStyle
		if pct > 100 {
			style = errorStyle
		}
		line += helpStyle.Render(" / "+FormatClock(planned)) + " " + style.Render(fmt.Sprintf("%d%%", pct))
	}
	return line
}

func renderMember(m models.TrackedMember, v tracker.View) string {
	elapsed, ok := v.Elapsed[m.Key]
	if !ok {
		elapsed = m.ElapsedMs
	}

	name := m.Name
	if name == "" {
		name = m.Key
	}

	var state string
	switch m.State() {
	case models.MemberStateRunning:
		state = runningStyle.Render("▶ running")
	case models.MemberStatePaused:
		state = pausedStyle.Render("‖ paused ")
	default:
		state = idleStyle.Render("· idle   ")
	}

	line := fmt.Sprintf("  %s %-20s %s  %s", state, truncate(name, 20), FormatClock(elapsed), helpStyle.Render("@"+m.Key))
	if m.Running && m.LastStartTs != nil && !v.Now.IsZero() {
		line += "  " + helpStyle.Render("started "+humanize.RelTime(time.UnixMilli(*m.LastStartTs), v.Now, "ago", "from now"))
	}
	return line
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
