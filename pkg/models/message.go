package models

import "time"

// Instruction names the action a message requests from the worker
// holding the addressed job.
type Instruction string

// InstructionAbort requests cooperative termination of a job.
const InstructionAbort Instruction = "abort"

// Message is a control message addressed to the worker holding the
// given job token.
type Message struct {
	Token       string      `json:"token"`
	Instruction Instruction `json:"instruction"`
	Origin      string      `json:"origin,omitempty"`
	Content     string      `json:"content,omitempty"`
	ReceivedAt  time.Time   `json:"receivedAt"`
	ExpiresAt   *time.Time  `json:"expiresAt,omitempty"`
}
