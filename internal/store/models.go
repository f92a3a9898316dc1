package store

import "time"

type User struct {
	ID          string
	DisplayName string
	CreatedAt   time.Time
}

type Team struct {
	ID              string
	Name            string
	LastMeetingKind string
	CreatedAt       time.Time
}

// Meeting is the singleton-like session resource guarded against duplicate
// starts per team.
type Meeting struct {
	ID            string
	TeamID        string
	Kind          string
	Phase         string
	FacilitatorID string
	CreatedAt     time.Time
	EndedAt       *time.Time
}

// Stage is an ordered list item within a meeting. SortKey is a fractional
// ordering key: dense, totally ordered, and unique per meeting once
// persisted.
type Stage struct {
	ID          string
	MeetingID   string
	Name        string
	SortKey     float64
	IsComplete  bool
	DimensionID string
	CreatedAt   time.Time
}

// Dimension is an estimation scale a stage may reference.
type Dimension struct {
	ID   string
	Name string
}
