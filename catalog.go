package satextract

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"time"

	_ "github.com/lib/pq"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
)

// Catalog is the pluggable scene index that the Scheduler queries for a
// region/date range/constellation (spec.md §6). The core never talks to
// a concrete index backend directly.
type Catalog interface {
	Query(ctx context.Context, region orb.MultiPolygon, start, end time.Time, constellation string) ([]CatalogItem, error)
}

// PGCatalog is the reference Catalog backed by a tabular Postgres scene
// index, grounded on the teacher's database.go connection-pool and
// query conventions. It reconstructs per-band asset URLs from the
// constellation-specific templates in spec.md §6, rather than storing
// one row per band.
type PGCatalog struct {
	db *sql.DB
}

// NewPGCatalog opens a connection pool against dsn (a postgres:// URL),
// matching the teacher's NewDatabase pool sizing.
func NewPGCatalog(ctx context.Context, dsn string) (*PGCatalog, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open catalog database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("ping catalog database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &PGCatalog{db: db}, nil
}

func (c *PGCatalog) Close() error { return c.db.Close() }

// sceneRow is one row of the scene index table: bounds in WGS84 (stored
// as WKB), sensing time, asset base URL, and the constellation-specific
// fields needed to reconstruct each band's asset URL.
type sceneRow struct {
	id            string
	constellation string
	sensingTime   time.Time
	footprint     orb.Polygon
	baseURL       string
	granuleID     string // Sentinel-2 only
	mgrsTile      string // Sentinel-2 only
	datatakeTime  string // Sentinel-2 only
	sceneID       string // Landsat only
	cloudCover    float64
	epsg          int
	gsd           map[string]float64
}

// Query finds scenes whose WGS84 bbox intersects region (a coarse
// bbox-overlap filter pushed into SQL; exact footprint intersection is
// the Scheduler's job, not the Catalog's), within [start, end), for one
// constellation. Asset URLs are reconstructed per spec.md §6.
func (c *PGCatalog) Query(ctx context.Context, region orb.MultiPolygon, start, end time.Time, constellation string) ([]CatalogItem, error) {
	minX, minY, maxX, maxY := boundsOf(region)

	const query = `
		SELECT id, constellation, sensing_time, footprint, base_url,
		       granule_id, mgrs_tile, datatake_time, scene_id,
		       cloud_cover, epsg
		FROM scene_index
		WHERE constellation = $1
		  AND sensing_time >= $2 AND sensing_time < $3
		  AND bbox_min_x <= $4 AND bbox_max_x >= $5
		  AND bbox_min_y <= $6 AND bbox_max_y >= $7
	`
	rows, err := c.db.QueryContext(ctx, query, constellation, start, end, maxX, minX, maxY, minY)
	if err != nil {
		return nil, newTransientIO("query scene index", err)
	}
	defer rows.Close()

	var items []CatalogItem
	for rows.Next() {
		var r sceneRow
		var footprintWKB []byte
		var granuleID, mgrsTile, datatakeTime, sceneID sql.NullString
		if err := rows.Scan(&r.id, &r.constellation, &r.sensingTime, &footprintWKB, &r.baseURL,
			&granuleID, &mgrsTile, &datatakeTime, &sceneID, &r.cloudCover, &r.epsg); err != nil {
			return nil, newTransientIO("scan scene row", err)
		}
		r.granuleID, r.mgrsTile, r.datatakeTime, r.sceneID = granuleID.String, mgrsTile.String, datatakeTime.String, sceneID.String

		geom, err := wkb.Unmarshal(footprintWKB)
		if err != nil {
			return nil, newDataCorruption(err, "scene %s footprint", r.id)
		}
		poly, ok := geom.(orb.Polygon)
		if !ok {
			return nil, newDataCorruption(fmt.Errorf("geometry type %T", geom), "scene %s footprint", r.id)
		}
		r.footprint = poly

		bands, ok := BandsFor(constellation)
		if !ok {
			return nil, newInvalidArgument("unknown constellation %q", constellation)
		}
		r.gsd = make(map[string]float64, len(bands))
		for _, b := range bands {
			r.gsd[b.Name] = b.GSD
		}

		assets, err := assetURLsFor(r, bands)
		if err != nil {
			return nil, err
		}

		items = append(items, CatalogItem{
			ID:            r.id,
			Constellation: r.constellation,
			SensingTime:   r.sensingTime,
			Footprint:     r.footprint,
			Assets:        assets,
			CloudCover:    r.cloudCover,
			EPSG:          r.epsg,
			GSD:           r.gsd,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, newTransientIO("iterate scene rows", err)
	}
	return items, nil
}

// assetURLsFor reconstructs the per-band asset URL map for one scene,
// using the constellation-specific templates from spec.md §6:
//   - Sentinel-2: {base_url}/GRANULE/{granule_id}/IMG_DATA/T{mgrs_tile}_{datatake_time}_{band}.jp2
//   - Landsat:    {base_url}/{scene_id}_{band}.TIF
func assetURLsFor(r sceneRow, bands []BandSpec) (map[string]string, error) {
	assets := make(map[string]string, len(bands))
	switch r.constellation {
	case ConstellationSentinel2:
		for _, b := range bands {
			assets[b.Name] = fmt.Sprintf("%s/GRANULE/%s/IMG_DATA/T%s_%s_%s.jp2",
				r.baseURL, r.granuleID, r.mgrsTile, r.datatakeTime, b.Name)
		}
	case ConstellationLandsat5, ConstellationLandsat7, ConstellationLandsat8:
		for _, b := range bands {
			assets[b.Name] = fmt.Sprintf("%s/%s_%s.TIF", r.baseURL, r.sceneID, b.Name)
		}
	default:
		return nil, newInvalidArgument("unknown constellation %q", r.constellation)
	}
	return assets, nil
}

// boundsOf returns the WGS84 bounding box enclosing every ring of every
// polygon in region.
func boundsOf(region orb.MultiPolygon) (minX, minY, maxX, maxY float64) {
	first := true
	for _, poly := range region {
		for _, ring := range poly {
			for _, pt := range ring {
				if first {
					minX, minY, maxX, maxY = pt[0], pt[1], pt[0], pt[1]
					first = false
					continue
				}
				if pt[0] < minX {
					minX = pt[0]
				}
				if pt[0] > maxX {
					maxX = pt[0]
				}
				if pt[1] < minY {
					minY = pt[1]
				}
				if pt[1] > maxY {
					maxY = pt[1]
				}
			}
		}
	}
	return
}

// staticFeature is one GeoJSON Feature of a pre-fetched item collection,
// shaped to decode the fields StaticCatalog needs.
type staticFeature struct {
	ID         string             `json:"id"`
	Properties staticFeatureProps `json:"properties"`
	Geometry   orb.Polygon        `json:"-"`
	RawGeom    json.RawMessage    `json:"geometry"`
}

type staticFeatureProps struct {
	Constellation string             `json:"constellation"`
	SensingTime   time.Time          `json:"sensing_time"`
	Assets        map[string]string  `json:"assets"`
	CloudCover    float64            `json:"cloud_cover"`
	EPSG          int                `json:"epsg"`
	GSD           map[string]float64 `json:"gsd"`
}

type staticCollection struct {
	Features []staticFeature `json:"features"`
}

// StaticCatalog loads a pre-fetched item collection (a GeoJSON
// FeatureCollection, one feature per scene) from the object store, for
// offline and test use. Grounded on
// original_source/src/satextractor/scheduler/scheduler.py's
// pystac.ItemCollection.from_file path, which likewise reads a
// materialized item collection instead of querying a live STAC API.
type StaticCatalog struct {
	items []CatalogItem
}

// LoadStaticCatalog reads a GeoJSON item collection from url via store.
func LoadStaticCatalog(ctx context.Context, store ObjectStore, url string) (*StaticCatalog, error) {
	rc, err := store.Open(ctx, url)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, newTransientIO(fmt.Sprintf("read item collection %s", url), err)
	}

	var coll staticCollection
	if err := json.Unmarshal(raw, &coll); err != nil {
		return nil, newDataCorruption(err, "item collection %s", url)
	}

	items := make([]CatalogItem, 0, len(coll.Features))
	for _, f := range coll.Features {
		var geom struct {
			Coordinates orb.Polygon `json:"coordinates"`
		}
		if err := json.Unmarshal(f.RawGeom, &geom); err != nil {
			return nil, newDataCorruption(err, "item %s geometry", f.ID)
		}
		items = append(items, CatalogItem{
			ID:            f.ID,
			Constellation: f.Properties.Constellation,
			SensingTime:   f.Properties.SensingTime,
			Footprint:     geom.Coordinates,
			Assets:        f.Properties.Assets,
			CloudCover:    f.Properties.CloudCover,
			EPSG:          f.Properties.EPSG,
			GSD:           f.Properties.GSD,
		})
	}
	return &StaticCatalog{items: items}, nil
}

// Query filters the loaded item collection in-memory. region filtering
// uses the same bbox-overlap test PGCatalog pushes into SQL; exact
// footprint intersection remains the Scheduler's responsibility.
func (c *StaticCatalog) Query(ctx context.Context, region orb.MultiPolygon, start, end time.Time, constellation string) ([]CatalogItem, error) {
	minX, minY, maxX, maxY := boundsOf(region)
	var out []CatalogItem
	for _, item := range c.items {
		if item.Constellation != constellation {
			continue
		}
		if item.SensingTime.Before(start) || !item.SensingTime.Before(end) {
			continue
		}
		iMinX, iMinY, iMaxX, iMaxY := boundsOf(orb.MultiPolygon{item.Footprint})
		if iMaxX < minX || iMinX > maxX || iMaxY < minY || iMinY > maxY {
			continue
		}
		out = append(out, item)
	}
	return out, nil
}
