package worker

import (
	"compress/gzip"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"github.com/bas-amop/polarrouteserver/internal/config"
	"github.com/bas-amop/polarrouteserver/internal/model"
	"github.com/bas-amop/polarrouteserver/internal/service"
)

var testVesselMeshJSON = []byte(`{
	"config": {
		"vessel_info": {"vessel_type": "SDA", "max_speed": 26.5, "unit": "km/hr"},
		"mesh_info": {
			"region": {
				"lat_min": 60, "lat_max": 80,
				"long_min": -30, "long_max": 20,
				"start_time": "2024-03-01", "end_time": "2024-03-04"
			},
			"data_sources": []
		}
	},
	"cellboxes": []
}`)

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func writeGzipped(t *testing.T, path string, data []byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	_, err = gz.Write(data)
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())
}

func writeMetadata(t *testing.T, path string, records ...service.MeshMetadataRecord) {
	t.Helper()
	doc := struct {
		Records []service.MeshMetadataRecord `yaml:"records"`
	}{Records: records}
	b, err := yaml.Marshal(doc)
	require.NoError(t, err)
	writeGzipped(t, path, b)
}

func vesselRecord(raw []byte) service.MeshMetadataRecord {
	record := service.MeshMetadataRecord{
		FilePath: "upload/vessel_sda.json",
		MD5:      md5Hex(raw),
		Created:  "20240301T040000",
		Meshiphi: "2.1.0",
		Size:     int64(len(raw)),
	}
	record.LatLong.LatMin = 60
	record.LatLong.LatMax = 80
	record.LatLong.LonMin = -30
	record.LatLong.LonMax = 20
	return record
}

func newImportFixture(t *testing.T) (*ImportWorker, *gorm.DB, *config.MeshConfig) {
	t.Helper()
	db := newTestDB(t)
	log := zap.NewNop().Sugar()
	routeCfg := &config.RouteConfig{
		ExpectedDataSources: map[string]string{},
		ExpectedDataFiles:   map[string]int{},
	}
	ingestor := service.NewMeshIngestor(db, &fakeOptimiser{}, routeCfg, log)
	meshCfg := &config.MeshConfig{
		Dir:         t.TempDir(),
		MetadataDir: t.TempDir(),
	}
	return NewImportWorker(meshCfg, ingestor, log), db, meshCfg
}

func TestImportRunAddsVesselMesh(t *testing.T) {
	w, db, meshCfg := newImportFixture(t)

	writeGzipped(t, filepath.Join(meshCfg.Dir, "vessel_sda.json.gz"), testVesselMeshJSON)
	writeMetadata(t, filepath.Join(meshCfg.MetadataDir, "upload_metadata_20240301.yaml.gz"),
		vesselRecord(testVesselMeshJSON))

	added, err := w.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, added, 1)
	assert.Equal(t, "vessel_sda.json", added[0].Name)
	assert.Equal(t, md5Hex(testVesselMeshJSON), added[0].MD5)
	assert.Equal(t, model.MeshKindVehicle, added[0].Type)

	var vm model.VehicleMesh
	require.NoError(t, db.First(&vm, added[0].ID).Error)
	assert.Equal(t, "2.1.0", vm.MeshiphiVersion)
	assert.WithinDuration(t, time.Date(2024, 3, 1, 4, 0, 0, 0, time.UTC), vm.Created, time.Second)
	require.NotNil(t, vm.VehicleID)
	assert.Equal(t, "SDA", *vm.VehicleID)
	require.NotNil(t, vm.EnvironmentMeshID)

	var vehicleCount int64
	require.NoError(t, db.Model(&model.Vehicle{}).Count(&vehicleCount).Error)
	assert.Equal(t, int64(1), vehicleCount)
}

func TestImportRunIsIdempotent(t *testing.T) {
	w, db, meshCfg := newImportFixture(t)

	writeGzipped(t, filepath.Join(meshCfg.Dir, "vessel_sda.json.gz"), testVesselMeshJSON)
	writeMetadata(t, filepath.Join(meshCfg.MetadataDir, "upload_metadata_20240301.yaml.gz"),
		vesselRecord(testVesselMeshJSON))

	added, err := w.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, added, 1)

	added, err = w.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, added)

	var count int64
	require.NoError(t, db.Model(&model.VehicleMesh{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestImportRunUsesNewestMetadataFile(t *testing.T) {
	w, _, meshCfg := newImportFixture(t)

	writeGzipped(t, filepath.Join(meshCfg.Dir, "vessel_sda.json.gz"), testVesselMeshJSON)

	// The stale metadata file references a mesh that no longer exists.
	stale := vesselRecord(testVesselMeshJSON)
	stale.FilePath = "upload/vessel_old.json"
	stalePath := filepath.Join(meshCfg.MetadataDir, "upload_metadata_20240201.yaml.gz")
	writeMetadata(t, stalePath, stale)
	past := time.Now().Add(-24 * time.Hour)
	require.NoError(t, os.Chtimes(stalePath, past, past))

	writeMetadata(t, filepath.Join(meshCfg.MetadataDir, "upload_metadata_20240301.yaml.gz"),
		vesselRecord(testVesselMeshJSON))

	added, err := w.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, added, 1)
	assert.Equal(t, "vessel_sda.json", added[0].Name)
}

func TestImportRunSkipsChecksumMismatch(t *testing.T) {
	w, db, meshCfg := newImportFixture(t)

	writeGzipped(t, filepath.Join(meshCfg.Dir, "vessel_sda.json.gz"), testVesselMeshJSON)
	record := vesselRecord(testVesselMeshJSON)
	record.MD5 = "deadbeef"
	writeMetadata(t, filepath.Join(meshCfg.MetadataDir, "upload_metadata_20240301.yaml.gz"), record)

	added, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, added)

	var count int64
	require.NoError(t, db.Model(&model.VehicleMesh{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestImportRunSkipsMissingMeshFile(t *testing.T) {
	w, _, meshCfg := newImportFixture(t)

	writeMetadata(t, filepath.Join(meshCfg.MetadataDir, "upload_metadata_20240301.yaml.gz"),
		vesselRecord(testVesselMeshJSON))

	added, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, added)
}

func TestImportRunIgnoresNonVesselFiles(t *testing.T) {
	w, db, meshCfg := newImportFixture(t)

	writeGzipped(t, filepath.Join(meshCfg.Dir, "arctic_env.json.gz"), testVesselMeshJSON)
	record := vesselRecord(testVesselMeshJSON)
	record.FilePath = "upload/arctic_env.json"
	writeMetadata(t, filepath.Join(meshCfg.MetadataDir, "upload_metadata_20240301.yaml.gz"), record)

	added, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, added)

	var count int64
	require.NoError(t, db.Model(&model.VehicleMesh{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestImportRunNoMetadataFilesIsNotAnError(t *testing.T) {
	w, _, _ := newImportFixture(t)

	added, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, added)
}

func TestImportRunRequiresMetadataDir(t *testing.T) {
	w, _, meshCfg := newImportFixture(t)
	meshCfg.MetadataDir = ""

	_, err := w.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "metadata directory")
}

func TestImportProcessTaskWrapsErrors(t *testing.T) {
	w, _, meshCfg := newImportFixture(t)
	meshCfg.MetadataDir = ""

	err := w.ProcessTask(context.Background(), asynq.NewTask(service.TaskTypeMeshImport, nil))
	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))
}
