package satextract

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// SplitRegion partitions region (a WGS84 polygon or multipolygon) into
// bboxSize x bboxSize meter squares aligned to the UTM grid, emitting one
// Tile per square whose interior intersects region. bboxSize is a single
// edge length, so every tile is square; only a non-positive bboxSize is
// rejected.
//
// Algorithm (spec.md §4.1): identify every UTM zone intersecting region;
// within each zone project the region into that UTM CRS; overlay a grid
// of bboxSize squares aligned to the UTM origin; emit a Tile for every
// square whose interior intersects the region.
func SplitRegion(region orb.MultiPolygon, bboxSize int) ([]Tile, error) {
	if bboxSize <= 0 {
		return nil, newInvalidArgument("bbox_size must be positive, got %d", bboxSize)
	}

	zones := zonesIntersecting(region)

	var tiles []Tile
	for _, z := range zones {
		zoneTiles, err := tilesForZone(region, z, bboxSize)
		if err != nil {
			return nil, err
		}
		tiles = append(tiles, zoneTiles...)
	}
	return tiles, nil
}

// utmZoneKey identifies one UTM zone/hemisphere combination.
type utmZoneKey struct {
	zone  int
	north bool
}

// zonesIntersecting returns every UTM zone whose extent overlaps region,
// derived from the region's WGS84 vertices. It samples ring vertices
// rather than every point on the boundary, so it can miss a zone that an
// edge passes through without a vertex inside it (an edge spanning a
// whole zone); zone boundaries are meridians, so an edge crossing a
// single boundary has a vertex on each side and both zones are found
// (see spec.md §9, antimeridian/polar UTM handling is delegated to this
// zone-derivation logic).
func zonesIntersecting(region orb.MultiPolygon) []utmZoneKey {
	seen := map[utmZoneKey]bool{}
	var keys []utmZoneKey
	walkVertices(region, func(lon, lat float64) {
		z := utmZoneKey{zone: utmZone(lat, lon), north: lat >= 0}
		if !seen[z] {
			seen[z] = true
			keys = append(keys, z)
		}
	})
	return keys
}

func walkVertices(region orb.MultiPolygon, fn func(lon, lat float64)) {
	for _, poly := range region {
		for _, ring := range poly {
			for _, pt := range ring {
				fn(pt.X(), pt.Y())
			}
		}
	}
}

// tilesForZone overlays a bboxSize grid over region's extent within the
// given UTM zone and emits a Tile for every square that intersects.
func tilesForZone(region orb.MultiPolygon, zone utmZoneKey, bboxSize int) ([]Tile, error) {
	epsg := utmEPSG(boolToLat(zone.north), zone.zone)

	projected, err := projectMultiPolygon(region, epsg)
	if err != nil {
		return nil, err
	}
	if len(projected) == 0 {
		return nil, nil
	}

	bound := projected.Bound()
	size := float64(bboxSize)

	startX := math.Floor(bound.Min.X()/size) * size
	startY := math.Floor(bound.Min.Y()/size) * size

	var tiles []Tile
	for x := startX; x < bound.Max.X(); x += size {
		for y := startY; y < bound.Max.Y(); y += size {
			sq := orb.Polygon{orb.Ring{
				{x, y}, {x + size, y}, {x + size, y + size}, {x, y + size}, {x, y},
			}}
			if !squareIntersects(sq, projected) {
				continue
			}
			// row/lat band is derived from the square's centroid latitude
			// in WGS84, not the UTM-projected square, to match the
			// original MGRS-style lettering.
			lon, lat, err := unprojectPoint(epsg, x+size/2, y+size/2)
			if err != nil {
				return nil, err
			}
			_ = lon
			row := utmRow(lat)

			t, err := NewTile(zone.zone, row, epsg, x, y, x+size, y+size, bboxSize)
			if err != nil {
				return nil, err
			}
			tiles = append(tiles, t)
		}
	}
	return tiles, nil
}

func boolToLat(north bool) float64 {
	if north {
		return 1
	}
	return -1
}

// squareIntersects reports whether sq's interior intersects any polygon
// of multi. planar predicates operate in the projected (meters) CRS, so
// both sq and multi must already share that CRS.
func squareIntersects(sq orb.Polygon, multi orb.MultiPolygon) bool {
	for _, poly := range multi {
		if planar.PolygonContains(poly, sq[0][0]) {
			return true
		}
		for _, ring := range poly {
			for _, pt := range ring {
				if planar.PolygonContains(sq, pt) {
					return true
				}
			}
		}
		// Edge case: polygon and square overlap without either
		// containing a vertex of the other (e.g. a thin sliver
		// crossing straight through the square). Fall back to a
		// bounding-box check so we never under-tile the region.
		if sq.Bound().Intersects(poly.Bound()) && ringsCross(sq[0], ringOf(poly)) {
			return true
		}
	}
	return false
}

func ringOf(poly orb.Polygon) orb.Ring {
	if len(poly) == 0 {
		return nil
	}
	return poly[0]
}

// ringsCross reports whether any segment of a crosses any segment of b.
func ringsCross(a, b orb.Ring) bool {
	for i := 0; i+1 < len(a); i++ {
		for j := 0; j+1 < len(b); j++ {
			if segmentsIntersect(a[i], a[i+1], b[j], b[j+1]) {
				return true
			}
		}
	}
	return false
}

func segmentsIntersect(p1, p2, p3, p4 orb.Point) bool {
	d1 := cross(p3, p4, p1)
	d2 := cross(p3, p4, p2)
	d3 := cross(p1, p2, p3)
	d4 := cross(p1, p2, p4)
	return ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0))
}

func cross(a, b, c orb.Point) float64 {
	return (b.X()-a.X())*(c.Y()-a.Y()) - (b.Y()-a.Y())*(c.X()-a.X())
}

// projectMultiPolygon reprojects a WGS84 multipolygon into epsg.
func projectMultiPolygon(region orb.MultiPolygon, epsg int) (orb.MultiPolygon, error) {
	out := make(orb.MultiPolygon, len(region))
	for i, poly := range region {
		outPoly := make(orb.Polygon, len(poly))
		for j, ring := range poly {
			xs := make([]float64, len(ring))
			ys := make([]float64, len(ring))
			for k, pt := range ring {
				xs[k], ys[k] = pt.X(), pt.Y()
			}
			if err := projectXY(4326, epsg, xs, ys); err != nil {
				return nil, err
			}
			outRing := make(orb.Ring, len(ring))
			for k := range ring {
				outRing[k] = orb.Point{xs[k], ys[k]}
			}
			outPoly[j] = outRing
		}
		out[i] = outPoly
	}
	return out, nil
}

func unprojectPoint(epsg int, x, y float64) (lon, lat float64, err error) {
	xs := []float64{x}
	ys := []float64{y}
	if err := projectXY(epsg, 4326, xs, ys); err != nil {
		return 0, 0, err
	}
	return xs[0], ys[0], nil
}

func projectXY(srcEPSG, dstEPSG int, xs, ys []float64) error {
	if srcEPSG == dstEPSG {
		return nil
	}
	t, err := transform(srcEPSG, dstEPSG)
	if err != nil {
		return err
	}
	if t == nil {
		return nil
	}
	if err := t.TransformEx(xs, ys, nil, nil); err != nil {
		return newTransientIO("project", err)
	}
	return nil
}
