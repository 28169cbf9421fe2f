package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stfc-cloud/carbonledger/internal/workspace/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
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
		log:   p.Log.Named("workspace.service"),
		genID: p.GenID,
	}
}

func (s *Service) Open(ctx context.Context, rec *domain.ActiveWorkspaceRecord) error {
	if rec == nil || rec.Hostname == "" {
		return domain.ErrEmptyHostname
	}
	if rec.OwnerUser == "" || rec.OwnerProj == "" || rec.MachineType == "" {
		return domain.ErrEmptyOwner
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	if rec.EndedAt != nil && rec.EndedAt.Before(rec.StartedAt) {
		return domain.ErrEndBeforeStart
	}

	if rec.ID == 0 {
		rec.ID = s.genID.Generate()
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("open workspace: %w", err)
	}
	return nil
}

func (s *Service) Close(ctx context.Context, id snowflake.ID, endedAt time.Time) error {
	var rec domain.ActiveWorkspaceRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrWorkspaceNotFound
	}
	if err != nil {
		return fmt.Errorf("close workspace: %w", err)
	}

	if rec.EndedAt != nil {
		return domain.ErrAlreadyClosed
	}
	if endedAt.Before(rec.StartedAt) {
		return domain.ErrEndBeforeStart
	}

	endedAt = endedAt.UTC()
	err = s.db.WithContext(ctx).
		Model(&domain.ActiveWorkspaceRecord{}).
		Where("id = ? AND ended_at IS NULL", id).
		Updates(map[string]any{
			"ended_at":   endedAt,
			"updated_at": time.Now().UTC(),
		}).Error
	if err != nil {
		return fmt.Errorf("close workspace: %w", err)
	}
	return nil
}

func (s *Service) Resolve(ctx context.Context, hostname string, ts time.Time) (domain.Attribution, error) {
	if hostname == "" {
		return domain.Attribution{}, domain.ErrEmptyHostname
	}

	var recs []domain.ActiveWorkspaceRecord
	err := s.db.WithContext(ctx).
		Where("hostname = ?", hostname).
		Where("started_at <= ?", ts.UTC()).
		Where("ended_at IS NULL OR ended_at > ?", ts.UTC()).
		Find(&recs).Error
	if err != nil {
		return domain.Attribution{}, fmt.Errorf("resolve workspace: %w", err)
	}

	if len(recs) != 1 {
		if len(recs) > 1 {
			s.log.Warn("ambiguous workspace ownership",
				zap.String("hostname", hostname),
				zap.Time("at", ts),
				zap.Int("matches", len(recs)),
			)
		}
		return domain.Unattributed(len(recs)), nil
	}

	rec := recs[0]
	return domain.Attribution{
		Attributed:  true,
		User:        rec.OwnerUser,
		Project:     rec.OwnerProj,
		MachineType: rec.MachineType,
		Matches:     1,
	}, nil
}

func (s *Service) ActiveAt(ctx context.Context, ts time.Time) ([]domain.ActiveWorkspaceRecord, error) {
	var recs []domain.ActiveWorkspaceRecord
	err := s.db.WithContext(ctx).
		Where("started_at <= ?", ts.UTC()).
		Where("ended_at IS NULL OR ended_at > ?", ts.UTC()).
		Order("hostname ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list active workspaces: %w", err)
	}
	return recs, nil
}
