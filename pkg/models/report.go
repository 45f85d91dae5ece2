package models

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// Status of a job in the processing lattice. Queued and running may
// recur (requeue after a crashed worker); aborted and completed are
// terminal.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusAborted   Status = "aborted"
	StatusCompleted Status = "completed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusAborted || s == StatusCompleted
}

// Progress tracks a job through the status lattice together with a
// human-readable description and a percentage in [0, 100].
type Progress struct {
	Status  Status `json:"status"`
	Verbose string `json:"verbose"`
	Numeric int    `json:"numeric"`
}

func (p *Progress) Queue()    { p.Status = StatusQueued }
func (p *Progress) Run()      { p.Status = StatusRunning }
func (p *Progress) Abort()    { p.Status = StatusAborted }
func (p *Progress) Complete() { p.Status = StatusCompleted }

var childIDPattern = regexp.MustCompile(`^[0-9a-zA-Z_-]+@[0-9a-zA-Z_-]+$`)

// ValidChildID reports whether id is a valid child-report identifier of
// the form name@host.
func ValidChildID(id string) bool {
	return childIDPattern.MatchString(id)
}

// Report is the self-describing result document of a job. Children
// holds reports of jobs spawned on other services, keyed by name@host
// identifiers.
type Report struct {
	Host     string             `json:"host"`
	Token    *Token             `json:"token,omitempty"`
	Args     json.RawMessage    `json:"args,omitempty"`
	Progress Progress           `json:"progress"`
	Log      Log                `json:"log,omitempty"`
	Data     json.RawMessage    `json:"data,omitempty"`
	Children map[string]*Report `json:"children,omitempty"`
}

// SetChild stores a child report under id.
func (r *Report) SetChild(id string, child *Report) error {
	if !ValidChildID(id) {
		return fmt.Errorf("invalid child-report identifier %q", id)
	}
	if r.Children == nil {
		r.Children = map[string]*Report{}
	}
	r.Children[id] = child
	return nil
}

// RemoveChild drops the child report stored under id, if any.
func (r *Report) RemoveChild(id string) {
	delete(r.Children, id)
}

// Clone returns a deep copy of the report.
func (r *Report) Clone() (*Report, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("cloning report: %w", err)
	}
	var clone Report
	if err := json.Unmarshal(raw, &clone); err != nil {
		return nil, fmt.Errorf("cloning report: %w", err)
	}
	return &clone, nil
}
