package service

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/bas-amop/polarrouteserver/internal/model"
)

// VehicleService manages vessel profiles.
type VehicleService struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func NewVehicleService(db *gorm.DB, log *zap.SugaredLogger) *VehicleService {
	return &VehicleService{db: db, log: log}
}

// UpsertVehicle creates a vehicle, or updates an existing one when
// forceProperties is set. An existing vehicle without the force flag returns
// ErrVehicleExists so the caller can point at the override.
func (s *VehicleService) UpsertVehicle(ctx context.Context, v *model.Vehicle, forceProperties bool) error {
	var existing model.Vehicle
	err := s.db.WithContext(ctx).Where("vessel_type = ?", v.VesselType).First(&existing).Error
	if err == gorm.ErrRecordNotFound {
		v.Created = time.Now().UTC()
		s.log.Infow("creating vehicle", "vessel_type", v.VesselType)
		return s.db.WithContext(ctx).Create(v).Error
	}
	if err != nil {
		return err
	}

	if !forceProperties {
		return ErrVehicleExists
	}

	v.Created = existing.Created
	v.CreatedBy = existing.CreatedBy
	s.log.Infow("updating vehicle properties", "vessel_type", v.VesselType)
	return s.db.WithContext(ctx).Save(v).Error
}

func (s *VehicleService) GetVehicle(ctx context.Context, vesselType string) (*model.Vehicle, error) {
	var v model.Vehicle
	err := s.db.WithContext(ctx).Where("vessel_type = ?", vesselType).First(&v).Error
	if err == gorm.ErrRecordNotFound {
		return nil, ErrVehicleNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *VehicleService) ListVehicles(ctx context.Context) ([]model.Vehicle, error) {
	var vehicles []model.Vehicle
	err := s.db.WithContext(ctx).Order("vessel_type").Find(&vehicles).Error
	return vehicles, err
}

// AvailableVesselTypes lists the distinct vessel type names.
func (s *VehicleService) AvailableVesselTypes(ctx context.Context) ([]string, error) {
	var types []string
	err := s.db.WithContext(ctx).
		Model(&model.Vehicle{}).
		Distinct().
		Order("vessel_type").
		Pluck("vessel_type", &types).Error
	return types, err
}

func (s *VehicleService) DeleteVehicle(ctx context.Context, vesselType string) error {
	result := s.db.WithContext(ctx).Where("vessel_type = ?", vesselType).Delete(&model.Vehicle{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrVehicleNotFound
	}
	s.log.Infow("deleted vehicle", "vessel_type", vesselType)
	return nil
}
