package model

import (
	"time"

	"gorm.io/datatypes"
)

// Vehicle is a named vessel profile with performance characteristics.
// Created on first request or mesh ingestion, never auto-deleted; properties
// are only overwritten via an explicit force update.
type Vehicle struct {
	VesselType         string         `gorm:"primaryKey;size:150" json:"vessel_type"`
	MaxSpeed           float64        `json:"max_speed"`
	Unit               string         `gorm:"size:150" json:"unit"`
	MaxIceConc         *float64       `json:"max_ice_conc,omitempty"`
	MinDepth           *float64       `json:"min_depth,omitempty"`
	MaxWave            *float64       `json:"max_wave,omitempty"`
	ExcludedZones      datatypes.JSON `json:"excluded_zones,omitempty"`
	NeighbourSplitting *bool          `json:"neighbour_splitting,omitempty"`
	Beam               *float64       `json:"beam,omitempty"`
	HullType           *string        `gorm:"size:150" json:"hull_type,omitempty"`
	ForceLimit         *float64       `json:"force_limit,omitempty"`
	Created            time.Time      `json:"-"`
	CreatedBy          *string        `gorm:"size:150" json:"-"`
}
