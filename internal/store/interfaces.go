package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no archived session matches.
var ErrNotFound = errors.New("session report not found")

// ReportStore persists finished sessions.
type ReportStore interface {
	// SaveReport inserts or replaces the record of a finished session.
	SaveReport(ctx context.Context, rec *SessionRecord) error

	// GetReport returns an archived session of org.
	GetReport(ctx context.Context, org, id string) (*SessionRecord, error)

	// ListReports returns the most recent archived sessions of org.
	ListReports(ctx context.Context, org string, limit int) ([]SessionRecord, error)
}
