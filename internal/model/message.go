package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageVersion is the schema version stamped on every enqueued message.
const MessageVersion = "1.0"

// Priority is a transport hint; ordering across priorities is not guaranteed.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// DeploymentRequest is the caller-supplied, immutable deployment input.
type DeploymentRequest struct {
	ProjectID      string  `json:"projectId"`
	OrganizationID string  `json:"orgId"`
	UserID         string  `json:"userId"`
	CustomDomain   *string `json:"customDomain,omitempty"`
}

// MessageMetadata carries correlation and delivery information.
type MessageMetadata struct {
	DeploymentID   string    `json:"deploymentId"`
	CreatedAt      time.Time `json:"createdAt"`
	UserID         string    `json:"userId"`
	OrganizationID string    `json:"organizationId"`
	Version        string    `json:"version"`
	Priority       Priority  `json:"priority,omitempty"`
	// RetryCount is filled in from the transport's delivery count on
	// redelivery; producers leave it unset.
	RetryCount *int    `json:"retryCount,omitempty"`
	LastError  *string `json:"lastError,omitempty"`
}

// MessageConfig holds optional per-deployment overrides.
type MessageConfig struct {
	// Timeout bounds the whole workflow execution, in milliseconds.
	Timeout   *int64   `json:"timeout,omitempty"`
	SkipSteps []string `json:"skipSteps,omitempty"`
	Debug     bool     `json:"debug,omitempty"`
}

// QueueMessage is the body of one deployment message on the queue.
type QueueMessage struct {
	Metadata MessageMetadata   `json:"metadata"`
	Params   DeploymentRequest `json:"params"`
	Config   *MessageConfig    `json:"config,omitempty"`
}

// TimeoutDuration returns the configured workflow timeout, or zero.
func (m *QueueMessage) TimeoutDuration() time.Duration {
	if m.Config == nil || m.Config.Timeout == nil || *m.Config.Timeout <= 0 {
		return 0
	}
	return time.Duration(*m.Config.Timeout) * time.Millisecond
}

// Validate checks the fields a message cannot be routed without. The
// remaining request parameters are checked by the workflow, which can mark
// the project failed.
func (m *QueueMessage) Validate() error {
	switch {
	case m.Metadata.DeploymentID == "":
		return fmt.Errorf("metadata.deploymentId is required")
	case m.Params.ProjectID == "":
		return fmt.Errorf("params.projectId is required")
	}
	return nil
}

// DecodeQueueMessage parses a message body and checks its envelope.
func DecodeQueueMessage(body []byte) (*QueueMessage, error) {
	var msg QueueMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("decode queue message: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid queue message: %w", err)
	}
	return &msg, nil
}

// ProjectIDOf returns params.projectId of a body DecodeQueueMessage
// rejected, or "" when the body carries none.
func ProjectIDOf(body []byte) string {
	var partial struct {
		Params struct {
			ProjectID string `json:"projectId"`
		} `json:"params"`
	}
	if err := json.Unmarshal(body, &partial); err != nil {
		return ""
	}
	return partial.Params.ProjectID
}

// DLQReason explains why a message was dead-lettered.
type DLQReason string

const (
	DLQMaxRetriesExceeded DLQReason = "max_retries_exceeded"
	DLQProcessingTimeout  DLQReason = "processing_timeout"
	DLQInvalidMessage     DLQReason = "invalid_message"
	DLQSystemError        DLQReason = "system_error"
)

// RetryRecord is one failed attempt preceding a dead-letter.
type RetryRecord struct {
	Attempt  int       `json:"attempt"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failedAt"`
}

// DeadLetterEnvelope is the inbound message plus the dead-letter fields.
// Message is nil when the original body could not be decoded; RawBody then
// holds it verbatim.
type DeadLetterEnvelope struct {
	*QueueMessage
	RawBody       string        `json:"rawBody,omitempty"`
	DLQReason     DLQReason     `json:"dlqReason"`
	OriginalQueue string        `json:"originalQueue"`
	FinalError    string        `json:"finalError"`
	TotalRetries  int           `json:"totalRetries"`
	RetryHistory  []RetryRecord `json:"retryHistory"`
	DeadLetterAt  time.Time     `json:"deadLetteredAt"`
}
