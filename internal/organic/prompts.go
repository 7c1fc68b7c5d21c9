package organic

import "strings"

const senderSystemPrompt = `You label email senders for a personal finance assistant.
A sender is "relevant" when its mail is about the user's money: banks, cards,
brokerages, payment apps, bills, invoices, payroll, taxes, insurance, loans.
Newsletters, marketing and social notifications are "not_relevant", even from
financial companies. Use "uncertain" when the address alone is not enough.`

const keywordSystemPrompt = `You extract short search phrases that identify financial email.`

func senderPrompt(senders []string) string {
	var b strings.Builder
	b.WriteString("Classify each sender address below.\n")
	b.WriteString(`Reply with JSON only: {"relevant": [...], "not_relevant": [...], "uncertain": [...]}`)
	b.WriteString("\nEvery address must appear in exactly one list, spelled exactly as given.\n\nSenders:\n")
	for _, s := range senders {
		b.WriteString("- ")
		b.WriteString(s)
		b.WriteByte('\n')
	}
	return b.String()
}

func keywordPrompt(subjects []string) string {
	var b strings.Builder
	b.WriteString("These subjects come from senders already known to send financial mail.\n")
	b.WriteString("Extract recurring phrases (2-4 words, lowercase) that would identify similar mail.\n")
	b.WriteString(`Reply with JSON only: {"subject_keywords": [...], "body_keywords": [...]}`)
	b.WriteString("\nsubject_keywords match subject lines; body_keywords are phrases likely to appear in the message body.\n")
	b.WriteString("Avoid brand names and generic words such as \"update\" or \"your account\".\n\nSubjects:\n")
	for _, s := range subjects {
		b.WriteString("- ")
		b.WriteString(s)
		b.WriteByte('\n')
	}
	return b.String()
}
