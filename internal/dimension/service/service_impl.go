package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stfc-cloud/carbonledger/internal/dimension/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func NewService(p ServiceParam) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("dimension.service"),
		genID: p.GenID,
	}
}

func (s *Service) Register(ctx context.Context, kind domain.Kind, name string, metadata map[string]any) (*domain.Entity, error) {
	if !kind.Valid() {
		return nil, domain.ErrInvalidKind
	}
	if name == "" {
		return nil, domain.ErrEmptyName
	}

	now := time.Now().UTC()
	entity := &domain.Entity{
		ID:        s.genID.Generate(),
		Kind:      kind,
		Name:      name,
		Metadata:  datatypes.JSONMap(metadata),
		CreatedAt: now,
		UpdatedAt: now,
	}

	// DoNothing on conflict keeps the first registration's metadata; a
	// follow-up read resolves whichever row won.
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "kind"}, {Name: "name"}},
			DoNothing: true,
		}).
		Create(entity).Error
	if err != nil {
		return nil, fmt.Errorf("register dimension: %w", err)
	}

	return s.Get(ctx, kind, name)
}

func (s *Service) Get(ctx context.Context, kind domain.Kind, name string) (*domain.Entity, error) {
	var entity domain.Entity
	err := s.db.WithContext(ctx).
		Where("kind = ? AND name = ?", kind, name).
		First(&entity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("get dimension: %w", err)
	}
	return &entity, nil
}

func (s *Service) List(ctx context.Context, kind domain.Kind) ([]domain.Entity, error) {
	if !kind.Valid() {
		return nil, domain.ErrInvalidKind
	}
	var entities []domain.Entity
	err := s.db.WithContext(ctx).
		Where("kind = ?", kind).
		Order("name ASC").
		Find(&entities).Error
	if err != nil {
		return nil, fmt.Errorf("list dimensions: %w", err)
	}
	return entities, nil
}
