package worker

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/bas-amop/polarrouteserver/internal/config"
	"github.com/bas-amop/polarrouteserver/internal/model"
	"github.com/bas-amop/polarrouteserver/internal/service"
)

// vesselMeshFilenamePattern selects the vessel mesh files out of a metadata
// archive; other mesh products in the same delivery are ignored.
var vesselMeshFilenamePattern = regexp.MustCompile(`vessel_?.*\.json$`)

// MeshImportResult describes one mesh added by an import sweep.
type MeshImportResult struct {
	ID   uint           `json:"id"`
	MD5  string         `json:"md5"`
	Name string         `json:"name"`
	Type model.MeshKind `json:"type"`
}

// ImportWorker runs the scheduled mesh import sweep.
type ImportWorker struct {
	meshCfg  *config.MeshConfig
	ingestor *service.MeshIngestor
	log      *zap.SugaredLogger
}

func NewImportWorker(meshCfg *config.MeshConfig, ingestor *service.MeshIngestor, log *zap.SugaredLogger) *ImportWorker {
	return &ImportWorker{meshCfg: meshCfg, ingestor: ingestor, log: log}
}

// ProcessTask is the asynq handler for scheduled mesh imports.
func (w *ImportWorker) ProcessTask(ctx context.Context, _ *asynq.Task) error {
	added, err := w.Run(ctx)
	if err != nil {
		return fmt.Errorf("mesh import sweep: %v: %w", err, asynq.SkipRetry)
	}
	w.log.Infow("mesh import sweep complete", "added", len(added))
	return nil
}

// Run looks for new meshes described by the latest upload metadata file and
// ingests them. Individual bad records are skipped and logged; only
// configuration problems abort the sweep. Re-running against unchanged inputs
// adds nothing: ingestion is idempotent on checksum.
func (w *ImportWorker) Run(ctx context.Context) ([]MeshImportResult, error) {
	if w.meshCfg.MetadataDir == "" {
		return nil, errors.New("mesh metadata directory has not been set")
	}

	metadataPath, err := w.latestMetadataFile()
	if err != nil {
		return nil, err
	}
	if metadataPath == "" {
		w.log.Error("upload metadata file not found")
		return nil, nil
	}

	w.log.Infow("loading metadata file", "path", metadataPath)
	records, err := readMetadataRecords(metadataPath)
	if err != nil {
		return nil, err
	}

	var added []MeshImportResult
	for i := range records {
		record := &records[i]
		if !vesselMeshFilenamePattern.MatchString(record.FilePath) {
			continue
		}

		meshFilename := filepath.Base(record.FilePath)
		raw, err := readGzippedMesh(filepath.Join(w.meshCfg.Dir, meshFilename+".gz"))
		if err != nil {
			switch {
			case os.IsNotExist(err):
				w.log.Warnw("mesh file not found, skipping", "file", meshFilename)
			case os.IsPermission(err):
				w.log.Warnw("mesh file unreadable, may still be transferring, skipping", "file", meshFilename)
			default:
				w.log.Warnw("failed to read mesh file, skipping", "file", meshFilename, "error", err)
			}
			continue
		}

		mesh, created, err := w.ingestor.IngestMesh(ctx, raw, meshFilename, record, record.MD5)
		if err != nil {
			w.log.Warnw("failed to ingest mesh, skipping", "file", meshFilename, "error", err)
			continue
		}
		if !created {
			continue
		}

		props := mesh.Properties()
		w.log.Infow("added new mesh", "id", props.ID, "name", props.Name, "created", props.Created)
		added = append(added, MeshImportResult{
			ID:   props.ID,
			MD5:  record.MD5,
			Name: props.Name,
			Type: mesh.Ref().Kind,
		})
	}
	return added, nil
}

// latestMetadataFile picks the newest upload_metadata_*.yaml.gz in the
// metadata directory, or "" when none exist.
func (w *ImportWorker) latestMetadataFile() (string, error) {
	entries, err := os.ReadDir(w.meshCfg.MetadataDir)
	if err != nil {
		return "", fmt.Errorf("failed to read metadata directory: %w", err)
	}

	var newest string
	var newestTime time.Time
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !metadataFilename(name) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestTime) {
			newest = filepath.Join(w.meshCfg.MetadataDir, name)
			newestTime = info.ModTime()
		}
	}
	return newest, nil
}

func metadataFilename(name string) bool {
	return len(name) > len("upload_metadata_")+len(".yaml.gz") &&
		name[:len("upload_metadata_")] == "upload_metadata_" &&
		name[len(name)-len(".yaml.gz"):] == ".yaml.gz"
}

func readMetadataRecords(path string) ([]service.MeshMetadataRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata file: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress metadata file: %w", err)
	}
	defer gz.Close()

	var doc struct {
		Records []service.MeshMetadataRecord `yaml:"records"`
	}
	if err := yaml.NewDecoder(gz).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse metadata file: %w", err)
	}
	return doc.Records, nil
}

func readGzippedMesh(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	return io.ReadAll(gz)
}
