// Package store contains the archive of finished sessions.
package store

import (
	"time"

	"runplane/pkg/api"
)

// SessionRecord is a finished session as archived after its final report.
type SessionRecord struct {
	ID         string
	User       string
	Org        string
	Tags       []string
	Script     string
	Report     []api.SectionReport
	StopReason string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Response converts the record to its API shape.
func (r *SessionRecord) Response() api.SessionResponse {
	finished := r.FinishedAt
	return api.SessionResponse{
		ID:         r.ID,
		User:       r.User,
		Org:        r.Org,
		State:      api.StateDone,
		Tags:       r.Tags,
		Sections:   len(r.Report),
		Section:    len(r.Report),
		StopReason: r.StopReason,
		StartedAt:  r.StartedAt,
		FinishedAt: &finished,
		Report:     r.Report,
	}
}
