package models

import "time"

// LogCategory groups report log messages by concern.
type LogCategory string

const (
	LogError          LogCategory = "ERROR"
	LogWarning        LogCategory = "WARNING"
	LogInfo           LogCategory = "INFO"
	LogEvent          LogCategory = "EVENT"
	LogNetwork        LogCategory = "NETWORK"
	LogFileSystem     LogCategory = "FILE_SYSTEM"
	LogStartup        LogCategory = "STARTUP"
	LogShutdown       LogCategory = "SHUTDOWN"
	LogUser           LogCategory = "USER"
	LogAuthentication LogCategory = "AUTHENTICATION"
	LogSecurity       LogCategory = "SECURITY"
)

// LogMessage is a single categorized record inside a report log.
type LogMessage struct {
	Datetime time.Time `json:"datetime"`
	Origin   string    `json:"origin,omitempty"`
	Body     string    `json:"body"`
}

// Log collects report log messages by category. Messages within a
// category keep insertion order; categories are append-only.
type Log map[LogCategory][]LogMessage

// Add appends a message under the given category.
func (l *Log) Add(category LogCategory, origin, body string) {
	if *l == nil {
		*l = Log{}
	}
	(*l)[category] = append((*l)[category], LogMessage{
		Datetime: time.Now().UTC(),
		Origin:   origin,
		Body:     body,
	})
}

// Merge appends all messages of other, preserving their order.
func (l *Log) Merge(other Log) {
	if len(other) == 0 {
		return
	}
	if *l == nil {
		*l = Log{}
	}
	for category, msgs := range other {
		(*l)[category] = append((*l)[category], msgs...)
	}
}

// Len returns the total number of messages across all categories.
func (l Log) Len() int {
	n := 0
	for _, msgs := range l {
		n += len(msgs)
	}
	return n
}
