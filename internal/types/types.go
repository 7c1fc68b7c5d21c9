// Package types defines core data structures for finbrief.
package types

import "time"

// Message is a fetched email. Immutable once stored.
type Message struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	ThreadID   string    `json:"thread_id,omitempty"`
	Sender     string    `json:"sender"`
	SenderName string    `json:"sender_name,omitempty"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
	FetchedAt  time.Time `json:"fetched_at"`
	Labels     []string  `json:"labels,omitempty"`
}

// Classification is the relevance decision for one message.
type Classification struct {
	MessageID  string    `json:"message_id"`
	Relevant   bool      `json:"relevant"`
	Category   string    `json:"category,omitempty"`
	Confidence float64   `json:"confidence"`
	DecidedBy  string    `json:"decided_by"`
	DecidedAt  time.Time `json:"decided_at"`
}

// Decision tags identify which classifier tier fired.
const (
	DecidedByIgnore  = "rule:ignore"
	DecidedBySender  = "rule:sender"
	DecidedBySubject = "rule:subject"
	DecidedByBody    = "rule:body"
	DecidedByNone    = "rule:none"
)

// DefaultCategory is assigned to relevant messages no category hint matched.
const DefaultCategory = "general"

// ClassifiedMessage pairs a message with its classification.
type ClassifiedMessage struct {
	Message        *Message        `json:"message"`
	Classification *Classification `json:"classification"`
}

// Delivery status values. Transitions only move forward:
// undelivered -> delivered | failed, failed -> delivered.
const (
	DeliveryUndelivered = "undelivered"
	DeliveryDelivered   = "delivered"
	DeliveryFailed      = "failed"
)

// Digest is a generated briefing covering one period.
type Digest struct {
	ID              string     `json:"id"`
	GeneratedAt     time.Time  `json:"generated_at"`
	PeriodStart     time.Time  `json:"period_start"`
	PeriodEnd       time.Time  `json:"period_end"`
	MessageCount    int        `json:"message_count"`
	Content         string     `json:"content"`
	Model           string     `json:"model"`
	TokensUsed      int        `json:"tokens_used"`
	DeliveryStatus  string     `json:"delivery_status"`
	DeliveryChannel string     `json:"delivery_channel,omitempty"`
	DeliveredAt     *time.Time `json:"delivered_at,omitempty"`
}

// Action item priorities, from the digest's marker convention.
const (
	PriorityUrgent = "urgent"
	PrioritySoon   = "soon"
	PriorityFYI    = "fyi"
)

// Action item statuses.
const (
	ActionPending   = "pending"
	ActionDone      = "done"
	ActionDismissed = "dismissed"
)

// ValidActionStatuses is the set of allowed action item status values.
var ValidActionStatuses = []string{ActionPending, ActionDone, ActionDismissed}

// IsValidActionStatus checks if a status string is valid.
func IsValidActionStatus(s string) bool {
	for _, v := range ValidActionStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// ActionItem is a follow-up extracted from a digest's text.
type ActionItem struct {
	ID              string     `json:"id"`
	DigestID        string     `json:"digest_id"`
	SourceMessageID string     `json:"source_message_id,omitempty"`
	Description     string     `json:"description"`
	DueDate         *time.Time `json:"due_date,omitempty"`
	Priority        string     `json:"priority"`
	Status          string     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Run statuses. Everything except running is terminal.
const (
	RunRunning = "running"
	RunSuccess = "success"
	RunSkipped = "skipped"
	RunPartial = "partial"
	RunFailed  = "failed"
)

// Run triggers.
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
	TriggerCatchup   = "catchup"
)

// IsValidTrigger checks if a trigger string is valid.
func IsValidTrigger(t string) bool {
	switch t {
	case TriggerScheduled, TriggerManual, TriggerCatchup:
		return true
	}
	return false
}

// PipelineRun records one execution of the digest pipeline.
type PipelineRun struct {
	ID           string     `json:"id"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Status       string     `json:"status"`
	Trigger      string     `json:"trigger"`
	PeriodStart  time.Time  `json:"period_start"`
	PeriodEnd    time.Time  `json:"period_end"`
	Fetched      int        `json:"fetched"`
	Classified   int        `json:"classified"`
	Relevant     int        `json:"relevant"`
	TokensUsed   int        `json:"tokens_used"`
	DigestID     string     `json:"digest_id,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// SyncCheckpoint is the per-source incremental fetch state.
type SyncCheckpoint struct {
	Source          string    `json:"source"`
	SyncToken       string    `json:"sync_token,omitempty"`
	LastFetchedAt   time.Time `json:"last_fetched_at"`
	LastMessageTime time.Time `json:"last_message_time"`
}

// ClassificationStats summarizes stored classifications.
type ClassificationStats struct {
	Messages    int            `json:"messages"`
	Classified  int            `json:"classified"`
	Relevant    int            `json:"relevant"`
	ByDecidedBy map[string]int `json:"by_decided_by"`
	ByCategory  map[string]int `json:"by_category"`
}
