// Package display provides terminal formatting for finbrief output.
package display

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/daviddao/finbrief/internal/types"
)

var (
	// Styles
	Muted    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6b7280"))
	Dim      = lipgloss.NewStyle().Foreground(lipgloss.Color("#9ca3af"))
	Bold     = lipgloss.NewStyle().Bold(true)
	Success  = lipgloss.NewStyle().Foreground(lipgloss.Color("#16a34a"))
	Warning  = lipgloss.NewStyle().Foreground(lipgloss.Color("#d97706"))
	ErrStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#dc2626"))

	UrgentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#dc2626"))
	SoonStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#d97706"))
	FYIStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#16a34a"))

	rule = lipgloss.NewStyle().
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true).
		BorderForeground(lipgloss.Color("#6b7280"))
)

// PriorityDot returns a colored dot for an action item priority.
func PriorityDot(priority string) string {
	switch priority {
	case types.PriorityUrgent:
		return UrgentStyle.Render("●")
	case types.PrioritySoon:
		return SoonStyle.Render("●")
	case types.PriorityFYI:
		return FYIStyle.Render("○")
	default:
		return Dim.Render("·")
	}
}

// PriorityLabel returns a styled priority label.
func PriorityLabel(priority string) string {
	label := fmt.Sprintf("%-6s", strings.ToUpper(priority))
	switch priority {
	case types.PriorityUrgent:
		return UrgentStyle.Render(label)
	case types.PrioritySoon:
		return SoonStyle.Render(label)
	case types.PriorityFYI:
		return FYIStyle.Render(label)
	default:
		return label
	}
}

// StatusLabel styles a pipeline run or delivery status.
func StatusLabel(status string) string {
	label := fmt.Sprintf("%-11s", status)
	switch status {
	case types.RunSuccess, types.DeliveryDelivered:
		return Success.Render(label)
	case types.RunPartial, types.RunRunning, types.DeliveryUndelivered:
		return Warning.Render(label)
	case types.RunFailed:
		return ErrStyle.Render(label)
	default:
		return Dim.Render(label)
	}
}

// TimeAgo formats t relative to now.
func TimeAgo(t time.Time) string {
	return timeAgo(t, time.Now())
}

func timeAgo(t, now time.Time) string {
	if t.IsZero() {
		return ""
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	case d < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	default:
		return t.Local().Format("Jan 2")
	}
}

// Period formats a digest or run window.
func Period(start, end time.Time) string {
	return start.Local().Format("Jan 2 15:04") + " → " + end.Local().Format("Jan 2 15:04")
}

// Truncate shortens a string to maxLen runes, adding ellipsis if needed.
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}

// ShortID returns the first 8 characters of an ID.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// SuccessMsg prints a green checkmark + message.
func SuccessMsg(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Println(Success.Render("✓") + " " + msg)
}

// WarnMsg prints an amber bang + message to stderr.
func WarnMsg(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, Warning.Render("!")+" "+msg)
}

// ErrorMsg prints a red X + message to stderr.
func ErrorMsg(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, ErrStyle.Render("✗")+" "+msg)
}

// Header prints a section header.
func Header(title string) {
	fmt.Println(Bold.Render(title))
}

// SubHeader prints a dim subsection label.
func SubHeader(title string) {
	fmt.Println(Muted.Render(title))
}

// ActionLine formats one action item for listing.
func ActionLine(a *types.ActionItem) string {
	due := ""
	if a.DueDate != nil {
		due = Dim.Render("  due " + a.DueDate.Format("Mon Jan 2"))
	}
	status := ""
	if a.Status != types.ActionPending {
		status = Muted.Render(" [" + a.Status + "]")
	}
	return fmt.Sprintf("%s %s %s  %s%s%s",
		PriorityDot(a.Priority), PriorityLabel(a.Priority), Muted.Render(ShortID(a.ID)),
		Truncate(a.Description, 90), due, status)
}

// Console is a delivery channel that writes digests to a terminal.
type Console struct {
	w io.Writer
}

// NewConsole returns a console channel writing to w, or stdout when w is nil.
func NewConsole(w io.Writer) *Console {
	if w == nil {
		w = os.Stdout
	}
	return &Console{w: w}
}

// Name identifies the channel in delivery records.
func (c *Console) Name() string { return "console" }

// Deliver prints text under a rule.
func (c *Console) Deliver(_ context.Context, text string) error {
	_, err := fmt.Fprintf(c.w, "%s\n%s\n", rule.Render(Bold.Render("finbrief digest")), strings.TrimSpace(text))
	return err
}
