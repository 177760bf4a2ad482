package satextract

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/paulmach/orb"
)

// Tile is an axis-aligned square in a specific UTM projection. It is
// immutable after construction; the ID is stable for a fixed
// (region, bbox_size) pair across runs.
type Tile struct {
	Zone int
	Row  string
	EPSG int
	MinX float64
	MinY float64
	MaxX float64
	MaxY float64

	id         string
	bboxSizeX  float64
	bboxSizeY  float64
	xloc, yloc int64
}

// NewTile builds a Tile and derives its globally-unique ID. bboxSize is
// the nominal square size in meters used to partition the UTM grid; it
// must match MaxX-MinX == MaxY-MinY (the tile is square).
func NewTile(zone int, row string, epsg int, minX, minY, maxX, maxY float64, bboxSize int) (Tile, error) {
	if maxX <= minX || maxY <= minY {
		return Tile{}, newInvalidArgument("tile bounds must satisfy max > min: (%f,%f)-(%f,%f)", minX, minY, maxX, maxY)
	}
	sizeX := maxX - minX
	sizeY := maxY - minY
	xloc := int64(minX / float64(bboxSize))
	yloc := int64(minY / float64(bboxSize))
	t := Tile{
		Zone: zone, Row: row, EPSG: epsg,
		MinX: minX, MinY: minY, MaxX: maxX, MaxY: maxY,
		bboxSizeX: sizeX, bboxSizeY: sizeY,
		xloc: xloc, yloc: yloc,
	}
	t.id = fmt.Sprintf("%d_%s_%d_%d_%d", zone, row, bboxSize, xloc, yloc)
	return t, nil
}

// ID returns the tile's globally-unique identifier.
func (t Tile) ID() string { return t.id }

// BBoxSizeX returns the tile's width in meters.
func (t Tile) BBoxSizeX() float64 { return t.bboxSizeX }

// BBoxSizeY returns the tile's height in meters.
func (t Tile) BBoxSizeY() float64 { return t.bboxSizeY }

// Bounds returns (minX, minY, maxX, maxY) in the tile's projected CRS.
func (t Tile) Bounds() (minX, minY, maxX, maxY float64) {
	return t.MinX, t.MinY, t.MaxX, t.MaxY
}

// Contains reports whether other's bbox lies entirely within t's bbox,
// both expressed in the same EPSG.
func (t Tile) Contains(other Tile) bool {
	return t.EPSG == other.EPSG &&
		t.MinX <= other.MinX && t.MinY <= other.MinY &&
		t.MaxX >= other.MaxX && t.MaxY >= other.MaxY
}

// CatalogItem is a single source scene returned by a Catalog query.
type CatalogItem struct {
	ID            string
	Constellation string
	SensingTime   time.Time
	Footprint     orb.Polygon // WGS84
	Assets        map[string]string
	CloudCover    float64
	EPSG          int
	GSD           map[string]float64
}

// ExtractionTask is the unit of work dispatched to a worker.
type ExtractionTask struct {
	TaskID        string        `json:"task_id"`
	Tiles         []Tile        `json:"tiles"`
	Items         []CatalogItem `json:"item_collection"`
	Band          string        `json:"band"`
	Constellation string        `json:"constellation"`
	SensingTime   time.Time     `json:"sensing_time"`
	// MosaicMethod is the caller-selected per-pixel merge policy for
	// overlapping items (spec.md §4.4 step 3): "first" or "max". Empty
	// means the Scheduler did not set one; Extract falls back to its
	// own default in that case.
	MosaicMethod string `json:"mosaic_method,omitempty"`
}

// tileJSON mirrors the wire schema of a Tile inside an ExtractionTask (§6
// of the spec): Tile has unexported derived fields that must round-trip
// through JSON explicitly rather than rely on struct tags on the
// zero-value type.
type tileJSON struct {
	Zone     int     `json:"zone"`
	Row      string  `json:"row"`
	EPSG     int     `json:"epsg"`
	MinX     float64 `json:"min_x"`
	MinY     float64 `json:"min_y"`
	MaxX     float64 `json:"max_x"`
	MaxY     float64 `json:"max_y"`
	BBoxSize int     `json:"bbox_size"`
}

// MarshalJSON implements json.Marshaler for Tile.
func (t Tile) MarshalJSON() ([]byte, error) {
	bboxSize := int(t.bboxSizeX)
	return json.Marshal(tileJSON{
		Zone: t.Zone, Row: t.Row, EPSG: t.EPSG,
		MinX: t.MinX, MinY: t.MinY, MaxX: t.MaxX, MaxY: t.MaxY,
		BBoxSize: bboxSize,
	})
}

// UnmarshalJSON implements json.Unmarshaler for Tile.
func (t *Tile) UnmarshalJSON(data []byte) error {
	var tj tileJSON
	if err := json.Unmarshal(data, &tj); err != nil {
		return err
	}
	built, err := NewTile(tj.Zone, tj.Row, tj.EPSG, tj.MinX, tj.MinY, tj.MaxX, tj.MaxY, tj.BBoxSize)
	if err != nil {
		return err
	}
	*t = built
	return nil
}
