package domain

import "time"

// ChatThread maps a Slack thread timestamp to the visitor who opened it.
type ChatThread struct {
	ThreadTS      string
	Email         string
	Context       string
	CreatedAt     time.Time
	LastMessageAt time.Time
}

// SupportReply is the payload streamed to chat widgets when support answers.
type SupportReply struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	ThreadTS string `json:"thread_ts"`
}
