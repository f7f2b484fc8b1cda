package service

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/bas-amop/polarrouteserver/internal/client"
	"github.com/bas-amop/polarrouteserver/internal/config"
	"github.com/bas-amop/polarrouteserver/internal/model"
	"github.com/bas-amop/polarrouteserver/internal/store"
)

// metadataCreatedLayout is the timestamp format used in upload metadata
// sidecar files.
const metadataCreatedLayout = "20060102T150405"

// MeshMetadataRecord is one entry of an upload metadata sidecar file,
// describing a mesh file delivered alongside it.
type MeshMetadataRecord struct {
	FilePath string `yaml:"filepath"`
	MD5      string `yaml:"md5"`
	Created  string `yaml:"created"`
	Meshiphi string `yaml:"meshiphi"`
	Size     int64  `yaml:"size"`
	LatLong  struct {
		LatMin float64 `yaml:"latmin"`
		LatMax float64 `yaml:"latmax"`
		LonMin float64 `yaml:"lonmin"`
		LonMax float64 `yaml:"lonmax"`
	} `yaml:"latlong"`
}

// meshDocument is the subset of a meshiphi mesh file this server inspects.
// The cellbox payload itself stays opaque.
type meshDocument struct {
	Config struct {
		MeshInfo struct {
			Region struct {
				LatMin    float64 `json:"lat_min"`
				LatMax    float64 `json:"lat_max"`
				LongMin   float64 `json:"long_min"`
				LongMax   float64 `json:"long_max"`
				StartTime string  `json:"start_time"`
				EndTime   string  `json:"end_time"`
			} `json:"region"`
			DataSources []struct {
				Loader string `json:"loader"`
				Params struct {
					Files []string `json:"files"`
				} `json:"params"`
			} `json:"data_sources"`
		} `json:"mesh_info"`
		VesselInfo map[string]interface{} `json:"vessel_info"`
	} `json:"config"`
}

// MeshIngestor writes mesh files into the database, classifying them as
// environment or vehicle meshes and creating supporting Vehicle and backing
// EnvironmentMesh records as needed.
type MeshIngestor struct {
	db        *gorm.DB
	optimiser client.RouteOptimiser
	routeCfg  *config.RouteConfig
	log       *zap.SugaredLogger
}

func NewMeshIngestor(db *gorm.DB, optimiser client.RouteOptimiser, routeCfg *config.RouteConfig, log *zap.SugaredLogger) *MeshIngestor {
	return &MeshIngestor{db: db, optimiser: optimiser, routeCfg: routeCfg, log: log}
}

// IngestMesh stores a mesh file, returning the mesh row and whether it was
// newly created. Ingestion is idempotent on the file checksum. A mesh whose
// config carries vessel_info becomes a VehicleMesh; its vehicle and a backing
// vessel-free EnvironmentMesh are created on demand.
func (g *MeshIngestor) IngestMesh(ctx context.Context, raw []byte, filename string, meta *MeshMetadataRecord, expectedMD5 string) (model.Mesh, bool, error) {
	sum := md5.Sum(raw)
	digest := hex.EncodeToString(sum[:])
	if expectedMD5 != "" && digest != expectedMD5 {
		return nil, false, fmt.Errorf("mesh md5 %s does not match expected md5 %s", digest, expectedMD5)
	}

	var doc meshDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, false, fmt.Errorf("failed to parse mesh file %s: %w", filename, err)
	}

	props, err := meshProperties(raw, filename, &doc, meta, digest)
	if err != nil {
		return nil, false, err
	}

	if len(doc.Config.VesselInfo) == 0 {
		var existing model.EnvironmentMesh
		err := g.db.WithContext(ctx).Where("md5 = ?", digest).First(&existing).Error
		if err == nil {
			g.backfillGeoJSON(ctx, &existing)
			return &existing, false, nil
		}
		if err != gorm.ErrRecordNotFound {
			return nil, false, err
		}

		mesh := &model.EnvironmentMesh{MeshProperties: *props}
		if err := store.CreateMesh(g.db.WithContext(ctx), mesh); err != nil {
			return nil, false, err
		}
		g.log.Infow("ingested environment mesh", "id", mesh.ID, "name", mesh.Name)
		return mesh, true, nil
	}

	var existing model.VehicleMesh
	err = g.db.WithContext(ctx).Where("md5 = ?", digest).First(&existing).Error
	if err == nil {
		g.backfillGeoJSON(ctx, &existing)
		return &existing, false, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, false, err
	}

	vehicle, err := g.vehicleFromVesselInfo(ctx, doc.Config.VesselInfo)
	if err != nil {
		return nil, false, err
	}

	env, err := g.backingEnvironmentMesh(ctx, raw, props)
	if err != nil {
		return nil, false, err
	}

	mesh := &model.VehicleMesh{
		MeshProperties: *props,
		VehicleID:      &vehicle.VesselType,
	}
	if env != nil {
		mesh.EnvironmentMeshID = &env.ID
	}
	if err := store.CreateMesh(g.db.WithContext(ctx), mesh); err != nil {
		return nil, false, err
	}
	g.log.Infow("ingested vehicle mesh",
		"id", mesh.ID, "name", mesh.Name, "vessel_type", vehicle.VesselType)
	return mesh, true, nil
}

// backfillGeoJSON regenerates the derived GeoJSON of a mesh row written
// outside the store's mesh write path, e.g. inserted manually. The mesh stays
// servable if the refresh fails.
func (g *MeshIngestor) backfillGeoJSON(ctx context.Context, m model.Mesh) {
	p := m.Properties()
	if len(p.GeoJSON) > 0 || len(p.JSON) == 0 {
		return
	}
	if err := store.UpdateMeshJSON(g.db.WithContext(ctx), m, p.JSON); err != nil {
		g.log.Warnw("failed to refresh mesh geojson", "mesh", p.ID, "error", err)
	}
}

func meshProperties(raw []byte, filename string, doc *meshDocument, meta *MeshMetadataRecord, digest string) (*model.MeshProperties, error) {
	region := doc.Config.MeshInfo.Region

	props := &model.MeshProperties{
		Name:   filename,
		MD5:    digest,
		JSON:   datatypes.JSON(raw),
		LatMin: region.LatMin,
		LatMax: region.LatMax,
		LonMin: region.LongMin,
		LonMax: region.LongMax,
	}

	if region.StartTime != "" {
		t, err := time.Parse("2006-01-02", region.StartTime)
		if err != nil {
			return nil, fmt.Errorf("invalid mesh start_time %q: %w", region.StartTime, err)
		}
		props.ValidDateStart = t
	}
	if region.EndTime != "" {
		t, err := time.Parse("2006-01-02", region.EndTime)
		if err != nil {
			return nil, fmt.Errorf("invalid mesh end_time %q: %w", region.EndTime, err)
		}
		props.ValidDateEnd = t
	}

	if meta != nil {
		created, err := time.Parse(metadataCreatedLayout, meta.Created)
		if err != nil {
			return nil, fmt.Errorf("invalid metadata created %q: %w", meta.Created, err)
		}
		props.Created = created.UTC()
		props.MeshiphiVersion = meta.Meshiphi
		props.LatMin = meta.LatLong.LatMin
		props.LatMax = meta.LatLong.LatMax
		props.LonMin = meta.LatLong.LonMin
		props.LonMax = meta.LatLong.LonMax
	} else {
		props.Created = time.Now().UTC()
		props.MeshiphiVersion = "manually_inserted"
	}

	return props, nil
}

// vehicleFromVesselInfo fetches the vehicle named by a mesh's vessel_info, or
// creates it when unknown. New vehicles require max_speed and unit.
func (g *MeshIngestor) vehicleFromVesselInfo(ctx context.Context, vesselInfo map[string]interface{}) (*model.Vehicle, error) {
	vesselType, _ := vesselInfo["vessel_type"].(string)
	if vesselType == "" {
		return nil, fmt.Errorf("vehicle mesh found but no vessel_type specified in config")
	}

	var vehicle model.Vehicle
	err := g.db.WithContext(ctx).Where("vessel_type = ?", vesselType).First(&vehicle).Error
	if err == nil {
		return &vehicle, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	maxSpeed, okSpeed := asFloat(vesselInfo["max_speed"])
	unit, okUnit := vesselInfo["unit"].(string)
	if !okSpeed || !okUnit || unit == "" {
		return nil, fmt.Errorf("vehicle mesh for %q missing required fields max_speed and unit", vesselType)
	}

	vehicle = model.Vehicle{
		VesselType: vesselType,
		MaxSpeed:   maxSpeed,
		Unit:       unit,
		Created:    time.Now().UTC(),
	}
	if v, ok := asFloat(vesselInfo["max_ice_conc"]); ok {
		vehicle.MaxIceConc = &v
	}
	if v, ok := asFloat(vesselInfo["min_depth"]); ok {
		vehicle.MinDepth = &v
	}
	if v, ok := asFloat(vesselInfo["max_wave"]); ok {
		vehicle.MaxWave = &v
	}
	if v, ok := vesselInfo["excluded_zones"]; ok {
		if b, err := json.Marshal(v); err == nil {
			vehicle.ExcludedZones = b
		}
	}
	if v, ok := vesselInfo["neighbour_splitting"].(bool); ok {
		vehicle.NeighbourSplitting = &v
	}
	if v, ok := asFloat(vesselInfo["beam"]); ok {
		vehicle.Beam = &v
	}
	if v, ok := vesselInfo["hull_type"].(string); ok {
		vehicle.HullType = &v
	}
	if v, ok := asFloat(vesselInfo["force_limit"]); ok {
		vehicle.ForceLimit = &v
	}

	if err := g.db.WithContext(ctx).Create(&vehicle).Error; err != nil {
		return nil, fmt.Errorf("failed to create vehicle %q: %w", vesselType, err)
	}
	g.log.Infow("created vehicle from mesh vessel config", "vessel_type", vesselType)
	return &vehicle, nil
}

// backingEnvironmentMesh finds or creates the vessel-free counterpart of a
// vehicle mesh, keyed on the checksum of the mesh with vessel_info removed.
func (g *MeshIngestor) backingEnvironmentMesh(ctx context.Context, raw []byte, props *model.MeshProperties) (*model.EnvironmentMesh, error) {
	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	cfg, ok := generic["config"].(map[string]interface{})
	if !ok {
		return nil, nil
	}
	delete(cfg, "vessel_info")

	stripped, err := json.Marshal(generic)
	if err != nil {
		return nil, err
	}
	sum := md5.Sum(stripped)
	digest := hex.EncodeToString(sum[:])

	var env model.EnvironmentMesh
	err = g.db.WithContext(ctx).Where("md5 = ?", digest).First(&env).Error
	if err == nil {
		return &env, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	envProps := *props
	envProps.ID = 0
	envProps.MD5 = digest
	envProps.Name = strings.TrimSuffix(props.Name, ".json") + "_environment"
	envProps.JSON = datatypes.JSON(stripped)

	env = model.EnvironmentMesh{MeshProperties: envProps}
	if err := store.CreateMesh(g.db.WithContext(ctx), &env); err != nil {
		return nil, err
	}
	g.log.Infow("created backing environment mesh", "id", env.ID, "for", props.Name)
	return &env, nil
}

// AddVehicleToEnvironmentMesh synthesises a vehicle mesh from an environment
// mesh and a vehicle profile via the optimiser service. The result is
// deduplicated on (environment mesh, vehicle, checksum).
func (g *MeshIngestor) AddVehicleToEnvironmentMesh(ctx context.Context, env *model.EnvironmentMesh, vehicle *model.Vehicle) (*model.VehicleMesh, error) {
	g.log.Infow("adding vehicle to environment mesh",
		"vessel_type", vehicle.VesselType, "environment_mesh", env.ID)

	meshJSON, err := g.optimiser.AddVessel(ctx, env.JSON, vesselConfig(vehicle))
	if err != nil {
		return nil, fmt.Errorf("failed to build vehicle mesh for %s: %w", vehicle.VesselType, err)
	}

	sum := md5.Sum(meshJSON)
	digest := hex.EncodeToString(sum[:])

	var existing model.VehicleMesh
	err = g.db.WithContext(ctx).
		Where("environment_mesh_id = ? AND vehicle_id = ? AND md5 = ?", env.ID, vehicle.VesselType, digest).
		First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	mesh := &model.VehicleMesh{
		MeshProperties: model.MeshProperties{
			Name:            fmt.Sprintf("%s_vehicle_%s", env.Name, vehicle.VesselType),
			MD5:             digest,
			MeshiphiVersion: env.MeshiphiVersion,
			ValidDateStart:  env.ValidDateStart,
			ValidDateEnd:    env.ValidDateEnd,
			Created:         time.Now().UTC(),
			LatMin:          env.LatMin,
			LatMax:          env.LatMax,
			LonMin:          env.LonMin,
			LonMax:          env.LonMax,
			JSON:            datatypes.JSON(meshJSON),
		},
		EnvironmentMeshID: &env.ID,
		VehicleID:         &vehicle.VesselType,
	}
	if err := store.CreateMesh(g.db.WithContext(ctx), mesh); err != nil {
		return nil, err
	}
	g.log.Infow("created vehicle mesh", "id", mesh.ID, "name", mesh.Name)
	return mesh, nil
}

// vesselConfig flattens a Vehicle row into the PolarRoute vessel schema.
func vesselConfig(v *model.Vehicle) client.VesselConfig {
	cfg := client.VesselConfig{
		"vessel_type": v.VesselType,
		"max_speed":   v.MaxSpeed,
		"unit":        v.Unit,
	}
	if v.MaxIceConc != nil {
		cfg["max_ice_conc"] = *v.MaxIceConc
	}
	if v.MinDepth != nil {
		cfg["min_depth"] = *v.MinDepth
	}
	if v.MaxWave != nil {
		cfg["max_wave"] = *v.MaxWave
	}
	if len(v.ExcludedZones) > 0 {
		var zones interface{}
		if err := json.Unmarshal(v.ExcludedZones, &zones); err == nil {
			cfg["excluded_zones"] = zones
		}
	}
	if v.NeighbourSplitting != nil {
		cfg["neighbour_splitting"] = *v.NeighbourSplitting
	}
	if v.Beam != nil {
		cfg["beam"] = *v.Beam
	}
	if v.HullType != nil {
		cfg["hull_type"] = *v.HullType
	}
	if v.ForceLimit != nil {
		cfg["force_limit"] = *v.ForceLimit
	}
	return cfg
}

// CheckMeshData reports gaps between a mesh's data sources and the configured
// expectations. The returned message is empty when the mesh is complete.
func (g *MeshIngestor) CheckMeshData(m model.Mesh) string {
	return CheckMeshData(m, g.routeCfg)
}

// CheckMeshData inspects a mesh's data_sources block against the expected
// sources and per-source day counts.
func CheckMeshData(m model.Mesh, routeCfg *config.RouteConfig) string {
	var doc meshDocument
	if err := json.Unmarshal(m.Properties().JSON, &doc); err != nil {
		return "Mesh has no data sources."
	}
	sources := doc.Config.MeshInfo.DataSources
	if len(sources) == 0 {
		return "Mesh has no data sources."
	}

	filesByLoader := make(map[string]int, len(sources))
	for _, src := range sources {
		n := 0
		for _, f := range src.Params.Files {
			if f != "" {
				n++
			}
		}
		filesByLoader[src.Loader] = n
	}

	dataTypes := make([]string, 0, len(routeCfg.ExpectedDataSources))
	for dataType := range routeCfg.ExpectedDataSources {
		dataTypes = append(dataTypes, dataType)
	}
	sort.Strings(dataTypes)

	var message strings.Builder
	var missing []string
	for _, dataType := range dataTypes {
		loader := routeCfg.ExpectedDataSources[dataType]
		actual, present := filesByLoader[loader]
		if !present {
			missing = append(missing, dataType)
			continue
		}
		// A loader absent from ExpectedDataFiles carries no day-count
		// expectation; a configured zero is still checked.
		expected, capped := routeCfg.ExpectedDataFiles[loader]
		if capped && actual != expected {
			fmt.Fprintf(&message, "Warning: %d of expected %d days' data available for %s.\n",
				actual, expected, dataType)
		}
	}
	if len(missing) > 0 {
		fmt.Fprintf(&message, "Warning: This mesh is missing data on the following parameters: %s.\n",
			strings.Join(missing, ", "))
	}
	return message.String()
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
