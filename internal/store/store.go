package store

import (
	"context"
	"errors"

	"github.com/seantiz/pipetrigger/internal/model"
)

var (
	// ErrNotFound is returned when an invocation does not exist.
	ErrNotFound = errors.New("invocation not found")

	// ErrInvalidTransition is returned when an invocation status transition is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrDuplicate is returned when an invocation with the same ID already exists.
	ErrDuplicate = errors.New("invocation already exists")
)

// ListFilter narrows ListInvocations. Zero fields match everything.
type ListFilter struct {
	Profile string
	Status  string
	Limit   int
	Offset  int
}

// InvocationStats holds aggregate ledger statistics.
type InvocationStats struct {
	Total          int            `json:"total"`
	CountByStatus  map[string]int `json:"count_by_status"`
	CountByProfile map[string]int `json:"count_by_profile"`
	AvgDurationMS  float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for the invocation ledger.
type Store interface {
	CreateInvocation(ctx context.Context, inv *model.Invocation) error
	GetInvocation(ctx context.Context, id string) (*model.Invocation, error)
	// FindByEvent returns the most recent non-skipped invocation for a
	// trigger event, or ErrNotFound.
	FindByEvent(ctx context.Context, source, eventID string) (*model.Invocation, error)
	ListInvocations(ctx context.Context, f ListFilter) ([]*model.Invocation, int, error)
	UpdateInvocationStatus(ctx context.Context, id, status string) error
	UpdateInvocation(ctx context.Context, inv *model.Invocation) error
	GetInvocationStats(ctx context.Context) (*InvocationStats, error)
	InsertEventLine(ctx context.Context, invocationID string, seq int, line string) error
	GetEventLines(ctx context.Context, invocationID string) ([]model.EventLine, error)
	Close() error
}
