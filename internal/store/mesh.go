package store

import (
	"encoding/json"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"
	"gorm.io/gorm"

	"github.com/bas-amop/polarrouteserver/internal/model"
)

// CreateMesh writes a mesh row, refreshing its derived GeoJSON first. The
// refresh is an explicit, synchronous step of the write path: a mesh is never
// persisted with JSON newer than its GeoJSON.
func CreateMesh(db *gorm.DB, m model.Mesh) error {
	refreshDerived(m)
	return db.Create(m).Error
}

// UpdateMeshJSON replaces a mesh's raw JSON and regenerates derived data.
func UpdateMeshJSON(db *gorm.DB, m model.Mesh, raw []byte) error {
	m.Properties().JSON = raw
	refreshDerived(m)
	return db.Save(m).Error
}

func refreshDerived(m model.Mesh) {
	p := m.Properties()
	if len(p.JSON) == 0 {
		return
	}
	geo, err := BuildMeshGeoJSON(p.JSON)
	if err != nil {
		// A mesh without parseable cellboxes is still servable; only the
		// derived layer is absent.
		p.GeoJSON = nil
		return
	}
	p.GeoJSON = geo
}

// BuildMeshGeoJSON converts a mesh's cellboxes into a GeoJSON
// FeatureCollection. Cellbox geometries arrive either as WKT strings or as
// inline GeoJSON geometry objects.
func BuildMeshGeoJSON(raw []byte) ([]byte, error) {
	var doc struct {
		Cellboxes []map[string]interface{} `json:"cellboxes"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse mesh json: %w", err)
	}
	if len(doc.Cellboxes) == 0 {
		return nil, fmt.Errorf("mesh json has no cellboxes")
	}

	fc := geojson.NewFeatureCollection()
	for _, cb := range doc.Cellboxes {
		gv, ok := cb["geometry"]
		if !ok {
			continue
		}
		geom, err := parseCellboxGeometry(gv)
		if err != nil {
			return nil, err
		}
		f := geojson.NewFeature(geom)
		for k, v := range cb {
			if k != "geometry" {
				f.Properties[k] = v
			}
		}
		fc.Append(f)
	}
	return fc.MarshalJSON()
}

func parseCellboxGeometry(v interface{}) (orb.Geometry, error) {
	switch g := v.(type) {
	case string:
		geom, err := wkt.Unmarshal(g)
		if err != nil {
			return nil, fmt.Errorf("failed to parse cellbox wkt: %w", err)
		}
		return geom, nil
	default:
		b, err := json.Marshal(g)
		if err != nil {
			return nil, err
		}
		gj, err := geojson.UnmarshalGeometry(b)
		if err != nil {
			return nil, fmt.Errorf("failed to parse cellbox geometry: %w", err)
		}
		return gj.Geometry(), nil
	}
}
