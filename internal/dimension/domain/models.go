// Package domain contains the dimension registry models. Dimensions
// are the entities usage is attributed to: projects, machine types,
// users, and the project/machine groups that join them.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Kind classifies a dimension entity.
type Kind string

const (
	KindProject Kind = "project"
	KindMachine Kind = "machine"
	KindUser    Kind = "user"
	KindGroup   Kind = "group"
)

func (k Kind) Valid() bool {
	switch k {
	case KindProject, KindMachine, KindUser, KindGroup:
		return true
	default:
		return false
	}
}

var (
	ErrInvalidKind = errors.New("invalid_kind")
	ErrEmptyName   = errors.New("empty_name")
)

// GroupName joins a project and a machine type into the canonical
// group identifier used for reporting rollups.
func GroupName(project, machineType string) string {
	return project + "_" + machineType
}

// Entity is one registered dimension. (kind, name) is the natural key;
// registration is get-or-create, so re-registering an existing entity
// is a no-op that returns the stored row.
type Entity struct {
	ID       snowflake.ID      `json:"id" gorm:"primaryKey"`
	Kind     Kind              `json:"kind" gorm:"type:text;not null;uniqueIndex:ux_dim_entities_kind_name,priority:1"`
	Name     string            `json:"name" gorm:"type:text;not null;uniqueIndex:ux_dim_entities_kind_name,priority:2"`
	Metadata datatypes.JSONMap `json:"metadata,omitempty" gorm:"type:json"`

	CreatedAt time.Time `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Entity) TableName() string { return "dim_entities" }

// Service registers and lists dimension entities.
type Service interface {
	// Register returns the entity for (kind, name), creating it when
	// absent. Metadata is only written on first registration.
	Register(ctx context.Context, kind Kind, name string, metadata map[string]any) (*Entity, error)

	Get(ctx context.Context, kind Kind, name string) (*Entity, error)
	List(ctx context.Context, kind Kind) ([]Entity, error)
}
