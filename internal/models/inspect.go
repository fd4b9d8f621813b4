package models

import (
	"encoding/json"
	"time"
)

// InspectStatus is the per-target outcome of a task
type InspectStatus string

const (
	InspectSuccess     InspectStatus = "success"
	InspectFailed      InspectStatus = "failed"
	InspectUnreachable InspectStatus = "unreachable"
)

// InspectGroup groups the raw facts collected in one inspection pass
type InspectGroup struct {
	ID            int64      `json:"id"`
	ReportID      *int64     `json:"report_id,omitempty"`
	SourceID      *int64     `json:"source_id,omitempty"`
	SourceType    SourceType `json:"source_type"`
	SourceName    string     `json:"source_name"`
	ServerID      string     `json:"server_id"`
	SourceVersion string     `json:"source_version"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Ref returns the source reference recorded on fingerprints
func (g *InspectGroup) Ref() SourceRef {
	return SourceRef{ServerID: g.ServerID, SourceName: g.SourceName, SourceType: g.SourceType}
}

// RawFact is a single named value captured from a target
type RawFact struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
}

// InspectResult is the outcome for one target within a group
type InspectResult struct {
	ID             int64         `json:"id"`
	InspectGroupID int64         `json:"inspect_group_id"`
	TaskID         *int64        `json:"task_id,omitempty"`
	Name           string        `json:"name"`
	Status         InspectStatus `json:"status"`
	ErrorKind      string        `json:"error_kind,omitempty"`
	ErrorMessage   string        `json:"error_message,omitempty"`
	Facts          []RawFact     `json:"facts,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// FactMap decodes the raw facts into a name keyed map
func (r *InspectResult) FactMap() map[string]any {
	out := make(map[string]any, len(r.Facts))
	for _, f := range r.Facts {
		var v any
		if len(f.Value) > 0 {
			if err := json.Unmarshal(f.Value, &v); err != nil {
				continue
			}
		}
		out[f.Name] = v
	}
	return out
}

// ConnectionResult is the reachability outcome of one target
type ConnectionResult struct {
	TaskID     int64         `json:"task_id"`
	Name       string        `json:"name"`
	Status     InspectStatus `json:"status"`
	Credential string        `json:"credential,omitempty"`
	Message    string        `json:"message,omitempty"`
}
