package models

import (
	"bytes"
	"encoding/json"
	"time"
)

// JobConfig describes what a job should run. It is immutable once
// enqueued; a resubmission under the same token must carry an identical
// OriginalBody.
type JobConfig struct {
	Type         string          `json:"type"`
	OriginalBody json.RawMessage `json:"original_body"`
	RequestBody  json.RawMessage `json:"request_body"`
	Properties   json.RawMessage `json:"properties,omitempty"`
}

// SameOrigin reports whether other carries the same original request
// body as c.
func (c JobConfig) SameOrigin(other JobConfig) bool {
	return bytes.Equal(
		bytes.TrimSpace(c.OriginalBody), bytes.TrimSpace(other.OriginalBody),
	)
}

// MetadataRecord states who touched a job and when.
type MetadataRecord struct {
	By       string    `json:"by,omitempty"`
	Datetime time.Time `json:"datetime"`
}

func newRecord(by string) *MetadataRecord {
	return &MetadataRecord{By: by, Datetime: time.Now().UTC()}
}

// JobMetadata tracks lifecycle milestones of a job. Each record is
// written at most once; later calls are no-ops.
type JobMetadata struct {
	Produced  *MetadataRecord `json:"produced,omitempty"`
	Consumed  *MetadataRecord `json:"consumed,omitempty"`
	Aborted   *MetadataRecord `json:"aborted,omitempty"`
	Completed *MetadataRecord `json:"completed,omitempty"`
}

func (m *JobMetadata) Produce(by string) {
	if m.Produced == nil {
		m.Produced = newRecord(by)
	}
}

func (m *JobMetadata) Consume(by string) {
	if m.Consumed == nil {
		m.Consumed = newRecord(by)
	}
}

func (m *JobMetadata) Abort(by string) {
	if m.Aborted == nil {
		m.Aborted = newRecord(by)
	}
}

func (m *JobMetadata) Complete(by string) {
	if m.Completed == nil {
		m.Completed = newRecord(by)
	}
}

// JobInfo aggregates everything the registry stores about a job.
type JobInfo struct {
	Config   JobConfig   `json:"config"`
	Token    *Token      `json:"token,omitempty"`
	Metadata JobMetadata `json:"metadata"`
	Report   *Report     `json:"report,omitempty"`
}
