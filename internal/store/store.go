package store

import (
	"fmt"
	"hash/fnv"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/bas-amop/polarrouteserver/internal/config"
	"github.com/bas-amop/polarrouteserver/internal/model"
)

// Open connects to Postgres and runs migrations.
func Open(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=%s",
		cfg.Host, cfg.User, cfg.Password, cfg.Name, cfg.Port, cfg.SSLMode, cfg.TimeZone,
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.Vehicle{},
		&model.EnvironmentMesh{},
		&model.VehicleMesh{},
		&model.Route{},
		&model.Job{},
	)
}

// RouteLockKey derives the advisory lock key guarding route creation for one
// (mesh, coordinate) combination. Coordinates are formatted to 6 decimal
// places so float noise below ~10cm doesn't defeat the lock.
func RouteLockKey(ref model.MeshRef, startLat, startLon, endLat, endLon float64) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s:%d:%.6f:%.6f:%.6f:%.6f", ref.Kind, ref.ID, startLat, startLon, endLat, endLon)
	return int64(h.Sum64())
}

// WithRouteLock runs fn in a transaction holding a Postgres advisory lock for
// key, serialising concurrent identical route requests. On non-Postgres
// dialects (tests) the transaction runs unlocked.
func WithRouteLock(db *gorm.DB, key int64, fn func(tx *gorm.DB) error) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if tx.Dialector.Name() == "postgres" {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", key).Error; err != nil {
				return err
			}
		}
		return fn(tx)
	})
}
