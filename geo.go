package satextract

import (
	"fmt"
	"sync"
	"time"

	"github.com/airbusgeo/godal"
)

// utmZone returns the UTM zone number for a lat/lon location, honoring
// the Norway (zone 32) and Svalbard (zones 31/33/35/37) exceptions
// between 56N and 84N, per spec.md §4.1.
func utmZone(lat, lon float64) int {
	zone := int((lon+180)/6) + 1

	if lat >= 56.0 && lat < 64.0 && lon >= 3.0 && lon < 12.0 {
		zone = 32
	} else if lat >= 72.0 && lat < 84.0 {
		switch {
		case lon >= 0.0 && lon < 9.0:
			zone = 31
		case lon >= 9.0 && lon < 21.0:
			zone = 33
		case lon >= 21.0 && lon < 33.0:
			zone = 35
		case lon >= 33.0 && lon < 42.0:
			zone = 37
		}
	}
	return zone
}

// utmEPSG combines a UTM zone and hemisphere into the standard EPSG code
// (326xx for north, 327xx for south).
func utmEPSG(lat float64, zone int) int {
	if lat >= 0 {
		return 32600 + zone
	}
	return 32700 + zone
}

// utmRow returns the single-letter MGRS-style latitude band used in tile
// IDs, derived from latitude in 8-degree bands starting at -80.
func utmRow(lat float64) string {
	const bands = "CDEFGHJKLMNPQRSTUVWXX"
	idx := int((lat + 80) / 8)
	if idx < 0 {
		idx = 0
	}
	if idx >= len(bands) {
		idx = len(bands) - 1
	}
	return string(bands[idx])
}

// transformCache memoizes godal coordinate transforms between EPSG pairs,
// mirroring the teacher's pattern of caching expensive setup work (the
// S3 client's connection pool, the DB's prepared connection) behind a
// package-level cache rather than re-deriving it on every call.
var transformCache = struct {
	sync.Mutex
	m map[[2]int]*godal.Transform
}{m: map[[2]int]*godal.Transform{}}

// transform returns a cached coordinate Transform from srcEPSG to
// dstEPSG, creating it on first use. Callers must not close the
// returned Transform; it is owned by the process-wide cache.
func transform(srcEPSG, dstEPSG int) (*godal.Transform, error) {
	if srcEPSG == dstEPSG {
		return nil, nil
	}
	key := [2]int{srcEPSG, dstEPSG}

	transformCache.Lock()
	defer transformCache.Unlock()
	if t, ok := transformCache.m[key]; ok {
		return t, nil
	}

	srcSRS, err := godal.NewSpatialRefFromEPSG(srcEPSG)
	if err != nil {
		return nil, fmt.Errorf("spatial ref for EPSG:%d: %w", srcEPSG, err)
	}
	defer srcSRS.Close()
	dstSRS, err := godal.NewSpatialRefFromEPSG(dstEPSG)
	if err != nil {
		return nil, fmt.Errorf("spatial ref for EPSG:%d: %w", dstEPSG, err)
	}
	defer dstSRS.Close()

	t, err := godal.NewTransform(srcSRS, dstSRS)
	if err != nil {
		return nil, fmt.Errorf("transform EPSG:%d -> EPSG:%d: %w", srcEPSG, dstEPSG, err)
	}
	transformCache.m[key] = &t
	return &t, nil
}

// transformBounds reprojects an axis-aligned bbox from srcEPSG to
// dstEPSG by transforming its corners and re-deriving the envelope.
// This mirrors rasterio.warp.transform_bounds, used by the original
// implementation's window-union computation.
func transformBounds(srcEPSG, dstEPSG int, minX, minY, maxX, maxY float64) (float64, float64, float64, float64, error) {
	if srcEPSG == dstEPSG {
		return minX, minY, maxX, maxY, nil
	}
	t, err := transform(srcEPSG, dstEPSG)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	xs := []float64{minX, maxX, maxX, minX}
	ys := []float64{minY, minY, maxY, maxY}
	if err := t.TransformEx(xs, ys, nil, nil); err != nil {
		return 0, 0, 0, 0, newTransientIO("transform_bounds", err)
	}
	outMinX, outMaxX := xs[0], xs[0]
	outMinY, outMaxY := ys[0], ys[0]
	for i := 1; i < len(xs); i++ {
		if xs[i] < outMinX {
			outMinX = xs[i]
		}
		if xs[i] > outMaxX {
			outMaxX = xs[i]
		}
		if ys[i] < outMinY {
			outMinY = ys[i]
		}
		if ys[i] > outMaxY {
			outMaxY = ys[i]
		}
	}
	return outMinX, outMinY, outMaxX, outMaxY, nil
}

// isoLayout is the timestamp format used for sensing times recorded in
// archive "timestamps" arrays — RFC 3339 without fractional
// seconds, matching the original implementation's ISO-8601 convention.
const isoLayout = "2006-01-02T15:04:05Z"

// dateRange is a half-open [Start, End) revisit bucket.
type dateRange struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls within [r.Start, r.End).
func (r dateRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

// datesInRange computes every [start, start+interval) bucket covering
// [start, end] inclusive of end, per spec.md §4.2 step 2.
func datesInRange(start, end time.Time, intervalDays int) []dateRange {
	if intervalDays <= 0 {
		intervalDays = 1
	}
	delta := time.Duration(intervalDays) * 24 * time.Hour
	var out []dateRange
	for cur := start; !cur.After(end); cur = cur.Add(delta) {
		out = append(out, dateRange{Start: cur, End: cur.Add(delta)})
	}
	return out
}

// bucketFor returns the bucket in buckets that contains t, and true if
// found.
func bucketFor(buckets []dateRange, t time.Time) (dateRange, bool) {
	for _, b := range buckets {
		if b.Contains(t) {
			return b, true
		}
	}
	return dateRange{}, false
}
