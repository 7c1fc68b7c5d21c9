package summarize

import (
	"regexp"
	"strings"
	"time"

	"github.com/daviddao/finbrief/internal/types"
)

// MinActionLen is the shortest description kept as an action item.
const MinActionLen = 8

// ParsedAction is an action item read from digest text.
type ParsedAction struct {
	Description string
	Priority    string
	DueDate     *time.Time
}

var (
	bulletRe  = regexp.MustCompile(`^(?:[-*•]|\d+[.)])\s+`)
	dueCueRe  = regexp.MustCompile(`(?i)\b(?:due(?:\s+(?:on|by))?|by|before|deadline:?|until)\s+`)
	labelOnly = regexp.MustCompile(`(?i)^(?:urgent|this week|fyi|soon|later)\s*:?$`)
)

var dateLayouts = []string{
	"2006-01-02",
	"Jan 2, 2006",
	"January 2, 2006",
	"Jan 2 2006",
	"January 2 2006",
	"1/2/2006",
	"Jan 2",
	"January 2",
	"2 Jan",
	"2 January",
	"1/2",
}

// ParseActions reads the action items section of digest text. The section
// starts at the first line mentioning "action item" and ends at the next
// Markdown heading that carries no priority marker. A line or bullet that
// starts with a marker (🔴, 🟡, 🟢 or a bare label such as "Urgent:") sets the
// priority for itself and the items that follow until the next marker;
// marker words inside a sentence do not count. Parsing is best effort; text
// without the section yields no items.
func ParseActions(text string, now time.Time) []ParsedAction {
	lines := strings.Split(text, "\n")
	start := -1
	for i, l := range lines {
		if strings.Contains(strings.ToLower(l), "action item") {
			start = i
			break
		}
	}
	if start < 0 {
		return nil
	}

	var out []ParsedAction
	priority := types.PriorityFYI
	for _, raw := range lines[start+1:] {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		heading := strings.HasPrefix(line, "#")
		isItem := bulletRe.MatchString(line)
		body := line
		if isItem {
			body = bulletRe.ReplaceAllString(line, "")
		}
		p, marked := leadingMarker(body)
		if heading && !marked {
			break
		}
		if marked {
			priority = p
		}
		if heading || !isItem && !marked {
			continue
		}
		desc := cleanDescription(body)
		if labelOnly.MatchString(desc) || len([]rune(desc)) < MinActionLen {
			continue
		}
		if strings.Contains(strings.ToLower(desc), "no action") {
			continue
		}
		out = append(out, ParsedAction{
			Description: desc,
			Priority:    priority,
			DueDate:     parseDue(desc, now),
		})
	}
	return out
}

var markers = []struct {
	emoji    string
	priority string
	words    []string
}{
	{"🔴", types.PriorityUrgent, []string{"urgent"}},
	{"🟡", types.PrioritySoon, []string{"this week", "soon"}},
	{"🟢", types.PriorityFYI, []string{"fyi", "later"}},
}

// leadingMarker reports the priority of a marker at the start of s, after any
// heading or emphasis characters. A label word only counts when it stands
// alone or is followed by ':', '(' or a spaced dash.
func leadingMarker(s string) (string, bool) {
	s = strings.TrimLeft(s, "#*_ \t")
	for _, m := range markers {
		if strings.HasPrefix(s, m.emoji) {
			return m.priority, true
		}
	}
	lower := strings.ToLower(s)
	for _, m := range markers {
		for _, w := range m.words {
			rest, ok := strings.CutPrefix(lower, w)
			if !ok {
				continue
			}
			rest = strings.TrimLeft(rest, " *_")
			if rest == "" || rest == "-" || strings.HasPrefix(rest, "- ") || strings.ContainsAny(rest[:1], ":(") {
				return m.priority, true
			}
		}
	}
	return "", false
}

func cleanDescription(s string) string {
	for _, m := range []string{"🔴", "🟡", "🟢", "**", "__"} {
		s = strings.ReplaceAll(s, m, "")
	}
	s = strings.TrimSpace(s)
	for _, label := range []string{"urgent", "this week", "fyi"} {
		if len(s) > len(label) && strings.EqualFold(s[:len(label)], label) {
			rest := strings.TrimLeft(s[len(label):], " ")
			if strings.HasPrefix(rest, ":") || strings.HasPrefix(rest, "-") {
				s = strings.TrimSpace(rest[1:])
			}
			break
		}
	}
	return strings.Join(strings.Fields(s), " ")
}

// parseDue finds a due-date cue ("due", "by", "before", ...) followed by a
// date or a weekday name. Dates without a year fall in the year of now, or
// the next one when that would be more than 30 days in the past.
func parseDue(desc string, now time.Time) *time.Time {
	for _, loc := range dueCueRe.FindAllStringIndex(desc, -1) {
		if t, ok := parseDateWords(strings.Fields(desc[loc[1]:]), now); ok {
			return &t
		}
	}
	return nil
}

func parseDateWords(words []string, now time.Time) (time.Time, bool) {
	if len(words) == 0 {
		return time.Time{}, false
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	first := strings.ToLower(strings.Trim(words[0], ",.;:()"))
	switch first {
	case "today", "tonight":
		return today, true
	case "tomorrow":
		return today.AddDate(0, 0, 1), true
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if first == name || first == name[:3] {
			ahead := (int(d) - int(today.Weekday()) + 7) % 7
			return today.AddDate(0, 0, ahead), true
		}
	}

	for n := min(3, len(words)); n > 0; n-- {
		candidate := strings.Trim(strings.Join(words[:n], " "), ",.;:()")
		candidate = trimOrdinal(candidate)
		for _, layout := range dateLayouts {
			t, err := time.ParseInLocation(layout, candidate, now.Location())
			if err != nil {
				continue
			}
			if !strings.Contains(layout, "2006") {
				t = t.AddDate(now.Year(), 0, 0)
				if t.Before(today.AddDate(0, 0, -30)) {
					t = t.AddDate(1, 0, 0)
				}
			}
			return t, true
		}
	}
	return time.Time{}, false
}

var ordinalRe = regexp.MustCompile(`(\d+)(?:st|nd|rd|th)\b`)

func trimOrdinal(s string) string {
	return ordinalRe.ReplaceAllString(s, "$1")
}
