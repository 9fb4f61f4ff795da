package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrUnavailable is returned when the database is temporarily unable to
// accept the operation (locked or busy). Callers may retry.
var ErrUnavailable = errors.New("storage unavailable")

// Note is the durable row for a note. Every query is scoped by OwnerID.
type Note struct {
	ID             string
	OwnerID        string
	Title          string
	Content        string
	Tags           string // JSON array stored as text
	Category       string
	Subcategory    string
	Priority       string
	Pinned         bool
	Source         string
	ActionItems    string // JSON array stored as text
	Entities       string // JSON object stored as text
	IdempotencyKey string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
