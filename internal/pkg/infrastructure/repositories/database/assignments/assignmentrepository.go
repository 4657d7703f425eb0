package assignments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/diwise/camera-threat-monitor/internal/pkg/infrastructure/logging"
	. "github.com/diwise/camera-threat-monitor/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/camera-threat-monitor/pkg/types"
	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrAssignmentNotFound = fmt.Errorf("assignment not found")

// AssignmentRepository persists the camera to device map. A row with a nil
// device records that the camera was explicitly unassigned.
//
//go:generate moq -rm -out assignmentrepository_mock.go . AssignmentRepository
type AssignmentRepository interface {
	GetAll(ctx context.Context) ([]types.Assignment, error)
	GetByCameraID(ctx context.Context, cameraID string) (types.Assignment, error)
	Save(ctx context.Context, assignment types.Assignment) error
	Delete(ctx context.Context, cameraID string) error
}

type assignmentRepository struct {
	db *gorm.DB
}

func NewAssignmentRepository(connect ConnectorFunc) (AssignmentRepository, error) {
	impl, err := connect()
	if err != nil {
		return nil, err
	}

	err = impl.AutoMigrate(&Assignment{})
	if err != nil {
		return nil, err
	}

	return &assignmentRepository{
		db: impl,
	}, nil
}

func (r *assignmentRepository) GetAll(ctx context.Context) ([]types.Assignment, error) {
	rows := []Assignment{}

	err := r.db.WithContext(ctx).Order("camera_id").Find(&rows).Error
	if err != nil {
		return nil, err
	}

	return lo.Map(rows, func(a Assignment, _ int) types.Assignment {
		return toType(a)
	}), nil
}

func (r *assignmentRepository) GetByCameraID(ctx context.Context, cameraID string) (types.Assignment, error) {
	a := Assignment{}

	err := r.db.WithContext(ctx).Where(&Assignment{CameraID: cameraID}).First(&a).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return types.Assignment{}, ErrAssignmentNotFound
		}
		return types.Assignment{}, err
	}

	return toType(a), nil
}

func (r *assignmentRepository) Save(ctx context.Context, assignment types.Assignment) error {
	logger := logging.GetLoggerFromContext(ctx)

	a := Assignment{
		CameraID:  assignment.CameraID,
		DeviceID:  assignment.DeviceID,
		UpdatedAt: time.Now().UTC(),
	}

	if !assignment.Assigned() {
		a.DeviceID = nil
	}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "camera_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"device_id", "updated_at"}),
	}).Create(&a).Error
	if err != nil {
		return err
	}

	logger.Debug().Str("camera", a.CameraID).Bool("assigned", a.DeviceID != nil).Msg("assignment saved")

	return nil
}

func (r *assignmentRepository) Delete(ctx context.Context, cameraID string) error {
	result := r.db.WithContext(ctx).Delete(&Assignment{CameraID: cameraID})
	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrAssignmentNotFound
	}

	return nil
}

func toType(a Assignment) types.Assignment {
	return types.Assignment{
		CameraID: a.CameraID,
		DeviceID: a.DeviceID,
	}
}
