package domain

import "time"

// TransitionEvent is the value pushed to the notification dispatcher after a
// stage change has been durably written to the registry.
type TransitionEvent struct {
	JobID         string     `json:"job_id"`
	OwnerID       string     `json:"owner_id"`
	PreviousStage Stage      `json:"previous_stage"`
	NewStage      Stage      `json:"new_stage"`
	Result        *JobResult `json:"result,omitempty"`
	Error         *JobError  `json:"error,omitempty"`
	Timestamp     time.Time  `json:"timestamp"`
}

// WebhookSubscription is a durable notification registration. JobID may be
// empty, in which case the subscription matches every job of the owner.
type WebhookSubscription struct {
	ID        string
	OwnerID   string
	JobID     string
	URL       string
	Secret    string
	CreatedAt time.Time
}
