// Package domain contains the workspace registry models. A workspace
// record ties a hostname to its owning user, project, and machine type
// for a window of time; attribution queries resolve a host at a given
// instant back to its owner.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	dimdomain "github.com/stfc-cloud/carbonledger/internal/dimension/domain"
)

var (
	ErrEmptyHostname     = errors.New("empty_hostname")
	ErrEmptyOwner        = errors.New("empty_owner")
	ErrAlreadyClosed     = errors.New("workspace_already_closed")
	ErrEndBeforeStart    = errors.New("end_before_start")
	ErrWorkspaceNotFound = errors.New("workspace_not_found")
)

// ActiveWorkspaceRecord is one ownership window for a host. EndedAt is
// nil while the workspace is live; a closed record is immutable.
type ActiveWorkspaceRecord struct {
	ID          snowflake.ID `json:"id" gorm:"primaryKey"`
	Hostname    string       `json:"hostname" gorm:"type:text;not null;index:ix_workspaces_hostname"`
	MachineType string       `json:"machine_type" gorm:"type:text;not null"`
	OwnerUser   string       `json:"owner_user" gorm:"type:text;not null"`
	OwnerProj   string       `json:"owner_project" gorm:"column:owner_project;type:text;not null"`
	StartedAt   time.Time    `json:"started_at" gorm:"not null"`
	EndedAt     *time.Time   `json:"ended_at,omitempty"`

	CreatedAt time.Time `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ActiveWorkspaceRecord) TableName() string { return "active_workspace_records" }

// ActiveAt reports whether the record's window covers ts. The window is
// half-open: a record ending exactly at ts no longer covers it.
func (r ActiveWorkspaceRecord) ActiveAt(ts time.Time) bool {
	if ts.Before(r.StartedAt) {
		return false
	}
	return r.EndedAt == nil || r.EndedAt.After(ts)
}

// GroupKey derives the reporting group for the record. It is computed,
// never stored.
func (r ActiveWorkspaceRecord) GroupKey() string {
	return dimdomain.GroupName(r.OwnerProj, r.MachineType)
}

// Attribution is the outcome of resolving a hostname at an instant.
// Zero matches and multiple matches both yield the unattributed
// result: an ambiguous host is a data-quality problem to surface, not
// a tie to break.
type Attribution struct {
	Attributed  bool
	User        string
	Project     string
	MachineType string
	Matches     int
}

// Unattributed is the resolution for hosts with no single owner.
func Unattributed(matches int) Attribution {
	return Attribution{Matches: matches}
}

// Service manages workspace ownership windows.
type Service interface {
	// Open starts an ownership window for a host.
	Open(ctx context.Context, rec *ActiveWorkspaceRecord) error

	// Close ends a live window. EndedAt must not precede StartedAt and
	// a record may only be closed once.
	Close(ctx context.Context, id snowflake.ID, endedAt time.Time) error

	// Resolve attributes a hostname at ts to its owner.
	Resolve(ctx context.Context, hostname string, ts time.Time) (Attribution, error)

	// ActiveAt lists every record whose window covers ts.
	ActiveAt(ctx context.Context, ts time.Time) ([]ActiveWorkspaceRecord, error)
}
