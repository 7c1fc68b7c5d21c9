package summarize

import (
	"fmt"
	"strings"
	"time"

	"github.com/daviddao/finbrief/internal/types"
)

const systemPrompt = `You are a concise personal finance assistant. You write a daily briefing
of the user's financial email. Be factual, keep amounts and dates exact, and
never invent information that is not in the messages.`

const digestFormat = `Format the briefing in Markdown:
- One "## <Category>" section per category, each with short bullet points
  (who, what, amount, date).
- End with a "## Action Items" section. Put each item on its own "- " line
  starting with one marker: 🔴 urgent (today or overdue), 🟡 this week,
  🟢 FYI. Mention due dates as "due <Month> <day>" when known.
- If nothing needs doing, write "- No action needed." under Action Items.`

func digestPrompt(groups []categoryGroup, start, end time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write the financial briefing for %s to %s.\n\n%s\n\n",
		start.Format("Jan 2 15:04"), end.Format("Jan 2 15:04 2006"), digestFormat)
	writeGroups(&b, groups)
	return b.String()
}

func chunkPrompt(groups []categoryGroup, n, total int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "This is part %d of %d of the user's financial email. Summarize it as bullet points\n", n, total)
	b.WriteString("grouped by category, then list any follow-ups under \"Action Items\" with 🔴/🟡/🟢 markers.\n")
	b.WriteString("Keep every amount, due date and sender. Another pass will merge all parts.\n\n")
	writeGroups(&b, groups)
	return b.String()
}

func consolidatePrompt(partials []string, start, end time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Merge these partial summaries into one financial briefing for %s to %s.\n",
		start.Format("Jan 2 15:04"), end.Format("Jan 2 15:04 2006"))
	b.WriteString("Remove duplicates and combine the action items into a single list.\n\n")
	b.WriteString(digestFormat)
	b.WriteString("\n\n")
	for i, p := range partials {
		fmt.Fprintf(&b, "### Partial summary %d\n%s\n\n", i+1, p)
	}
	return b.String()
}

func writeGroups(b *strings.Builder, groups []categoryGroup) {
	for _, g := range groups {
		fmt.Fprintf(b, "=== %s (%d) ===\n", strings.ToUpper(g.Name), len(g.Messages))
		for _, m := range g.Messages {
			b.WriteString(formatMessage(m))
			b.WriteByte('\n')
		}
	}
}

func formatMessage(cm *types.ClassifiedMessage) string {
	m := cm.Message
	from := m.Sender
	if m.SenderName != "" {
		from = fmt.Sprintf("%s <%s>", m.SenderName, m.Sender)
	}
	body := strings.Join(strings.Fields(m.Body), " ")
	if r := []rune(body); len(r) > bodyExcerptLen {
		body = string(r[:bodyExcerptLen]) + "..."
	}
	return fmt.Sprintf("From: %s\nDate: %s\nSubject: %s\n%s\n",
		from, m.ReceivedAt.Format("Mon Jan 2 15:04"), m.Subject, body)
}

// DigestHeader is prepended when a digest is delivered.
func DigestHeader(d *types.Digest) string {
	return fmt.Sprintf("📊 Financial briefing, %s to %s (%d messages)\n\n",
		d.PeriodStart.Local().Format("Jan 2 15:04"), d.PeriodEnd.Local().Format("Jan 2 15:04"), d.MessageCount)
}
