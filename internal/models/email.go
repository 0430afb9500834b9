package models

import "time"

type EmailStatus string

const (
	StatusScheduled EmailStatus = "scheduled"
	StatusSent      EmailStatus = "sent"
	StatusFailed    EmailStatus = "failed"
)

// Terminal reports whether no further transition may leave s.
func (s EmailStatus) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

type EmailJob struct {
	ID          string `json:"id"`
	SenderEmail string `json:"sender_email"`
	To          string `json:"to"`
	Subject     string `json:"subject"`
	Body        string `json:"body"`

	ScheduledAt time.Time   `json:"scheduled_at"`
	Status      EmailStatus `json:"status"`
	SentAt      *time.Time  `json:"sent_at,omitempty"`
	ErrorMsg    string      `json:"error_msg,omitempty"`
	Attempts    int         `json:"attempts"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Claim is a due schedule entry leased to one worker. Token guards every
// follow-up write so a worker whose lease expired cannot touch the entry.
type Claim struct {
	Job     EmailJob
	FireAt  time.Time
	Attempt int
	Token   string
}

// ScheduledEmail is what the planner reports back for each recipient.
type ScheduledEmail struct {
	JobID       string    `json:"jobId"`
	Recipient   string    `json:"recipient"`
	ScheduledAt time.Time `json:"scheduledAt"`
}
