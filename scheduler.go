package satextract

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// ScheduleOptions configures Schedule. It mirrors the original
// scheduler's create_tasks_by_splits keyword arguments (see
// original_source/src/satextractor/scheduler/scheduler.py).
type ScheduleOptions struct {
	Constellations []string
	Bands          []string // optional; defaults to each constellation's full band list
	IntervalDays   int
	SplitM         int
	Overwrite      bool
	ArchiveRoot    string // required when Overwrite is false
	Workers        int    // parallel-map width for per-bucket catalog intersection
	// MosaicMethod is the caller-selected mosaic policy (spec.md §4.4
	// step 3) stamped onto every task this call produces: "first" or
	// "max". Empty defers to Extract's own default.
	MosaicMethod string
}

// Schedule groups tiles and catalog items into independent ExtractionTasks
// and filters out tasks already present in the archive. It implements
// spec.md §4.2 end to end: cluster tiles by a coarser UTM grid, bucket
// items by revisit interval, intersect per (constellation, bucket), emit
// one task per surviving (cluster, bucket, band), then drop tasks whose
// sensing_time is already recorded for their tile+constellation.
func Schedule(ctx context.Context, store ObjectStore, tiles []Tile, items []CatalogItem, opts ScheduleOptions) ([]ExtractionTask, error) {
	if opts.SplitM <= 0 {
		return nil, newInvalidArgument("split_m must be positive, got %d", opts.SplitM)
	}
	if !opts.Overwrite && opts.ArchiveRoot == "" {
		return nil, newInvalidArgument("archive_root is required when overwrite is false")
	}
	for _, c := range opts.Constellations {
		if _, ok := BandsFor(c); !ok {
			return nil, newInvalidArgument("unknown constellation %q", c)
		}
	}
	if opts.Bands != nil {
		for _, b := range opts.Bands {
			validForAny := false
			for _, c := range opts.Constellations {
				if HasBand(c, b) {
					validForAny = true
					break
				}
			}
			if !validForAny {
				return nil, newInvalidArgument("band %q is not valid for any requested constellation", b)
			}
		}
	}
	switch opts.MosaicMethod {
	case "", "first", "max":
	default:
		return nil, newInvalidArgument("mosaic_method must be \"first\" or \"max\", got %q", opts.MosaicMethod)
	}

	clusters, err := clusterTiles(tiles, opts.SplitM)
	if err != nil {
		return nil, err
	}

	var tasks []ExtractionTask
	taskTracker := 0

	for _, constellation := range opts.Constellations {
		allBands, _ := BandNamesFor(constellation)
		runBands := allBands
		if opts.Bands != nil {
			// narrow to the intersection of the requested bands and this
			// constellation's own bands (spec.md §4.2 step 4), the same
			// per-constellation filter create_tasks_by_splits applies
			// (original_source/src/satextractor/scheduler/scheduler.py:
			// `run_bands = [b for b in BAND_INFO[constellation] if b in bands]`)
			runBands = nil
			for _, b := range allBands {
				if containsString(opts.Bands, b) {
					runBands = append(runBands, b)
				}
			}
		}

		constellationItems := itemsFor(items, constellation)
		if len(constellationItems) == 0 {
			continue // CatalogEmpty: not an error, simply no tasks for this constellation
		}

		buckets := bucketsFor(constellationItems, opts.IntervalDays)

		bucketResults, err := ParallelMap(ctx, buckets, opts.Workers, func(_ context.Context, b dateRange) ([]clusterTaskSeed, error) {
			return seedsForBucket(clusters, constellationItems, b), nil
		})
		if err != nil {
			return nil, err
		}

		for _, seeds := range bucketResults {
			for _, seed := range seeds {
				for _, band := range runBands {
					taskTracker++
					tasks = append(tasks, ExtractionTask{
						TaskID:        strconv.Itoa(taskTracker),
						Tiles:         seed.tiles,
						Items:         seed.items,
						Band:          band,
						Constellation: constellation,
						SensingTime:   seed.bucket.Start,
						MosaicMethod:  opts.MosaicMethod,
					})
				}
			}
		}
	}

	slog.Info("scheduler produced tasks", "count", len(tasks))

	if !opts.Overwrite {
		filtered, err := filterAlreadyExtracted(ctx, store, opts.ArchiveRoot, tasks)
		if err != nil {
			return nil, err
		}
		slog.Info("idempotent filter dropped tasks", "dropped", len(tasks)-len(filtered), "remaining", len(filtered))
		tasks = filtered
	}

	return tasks, nil
}

// tileCluster is a coarse UTM split square and the tiles it contains.
type tileCluster struct {
	footprint orb.MultiPolygon // WGS84 footprints of contained tiles, for item intersection
	tiles     []Tile
}

// clusterTiles overlays a coarser split_m grid over the union of tile
// footprints (via the Tiler) and assigns each tile to the single split
// square that contains it (spec.md §4.2 step 1).
func clusterTiles(tiles []Tile, splitM int) ([]tileCluster, error) {
	if len(tiles) == 0 {
		return nil, nil
	}

	footprints := make([]orb.MultiPolygon, len(tiles))
	union := orb.MultiPolygon{}
	for i, t := range tiles {
		fp, err := tileFootprintWGS84(t)
		if err != nil {
			return nil, err
		}
		footprints[i] = fp
		union = append(union, fp...)
	}

	splits, err := SplitRegion(union, splitM)
	if err != nil {
		return nil, err
	}

	clusters := make([]tileCluster, 0, len(splits))
	for _, s := range splits {
		sqFootprint, err := tileFootprintWGS84(s)
		if err != nil {
			return nil, err
		}
		var contained []Tile
		var containedFootprint orb.MultiPolygon
		for i, t := range tiles {
			if squareContainsTile(sqFootprint, footprints[i]) {
				contained = append(contained, t)
				containedFootprint = append(containedFootprint, footprints[i]...)
			}
		}
		if len(contained) > 0 {
			clusters = append(clusters, tileCluster{footprint: containedFootprint, tiles: contained})
		}
	}
	return clusters, nil
}

// tileFootprintWGS84 reprojects a tile's projected bbox back to WGS84.
func tileFootprintWGS84(t Tile) (orb.MultiPolygon, error) {
	minX, minY, maxX, maxY, err := transformBounds(t.EPSG, 4326, t.MinX, t.MinY, t.MaxX, t.MaxY)
	if err != nil {
		return nil, err
	}
	return orb.MultiPolygon{orb.Polygon{orb.Ring{
		{minX, minY}, {maxX, minY}, {maxX, maxY}, {minX, maxY}, {minX, minY},
	}}}, nil
}

// squareContainsTile reports whether sq (a split-grid square's WGS84
// footprint) contains tile (a tile's WGS84 footprint), using a corner
// test — sufficient because both footprints are axis-aligned rectangles.
func squareContainsTile(sq, tileFootprint orb.MultiPolygon) bool {
	if len(sq) == 0 || len(tileFootprint) == 0 {
		return false
	}
	sqPoly := sq[0]
	for _, pt := range tileFootprint[0][0] {
		if !planar.PolygonContains(sqPoly, pt) {
			return false
		}
	}
	return true
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// itemsFor filters items to a single constellation.
func itemsFor(items []CatalogItem, constellation string) []CatalogItem {
	var out []CatalogItem
	for _, it := range items {
		if it.Constellation == constellation {
			out = append(out, it)
		}
	}
	return out
}

// bucketsFor computes the revisit buckets covering the min/max sensing
// time of items (spec.md §4.2 step 2).
func bucketsFor(items []CatalogItem, intervalDays int) []dateRange {
	if len(items) == 0 {
		return nil
	}
	min, max := items[0].SensingTime, items[0].SensingTime
	for _, it := range items[1:] {
		if it.SensingTime.Before(min) {
			min = it.SensingTime
		}
		if it.SensingTime.After(max) {
			max = it.SensingTime
		}
	}
	return datesInRange(min, max, intervalDays)
}

// clusterTaskSeed is an intermediate result: one (cluster, bucket) pair
// whose item footprints contain at least one of the cluster's tiles.
type clusterTaskSeed struct {
	tiles  []Tile
	items  []CatalogItem
	bucket dateRange
}

// seedsForBucket computes, for a single revisit bucket, the cluster/item
// intersections and the tile subset contained by the union of matching
// items' footprints (spec.md §4.2 steps 3-4). Item-to-cluster
// intersection uses a prepared-geometry-equivalent: items are tested
// against each cluster's footprint with orb's planar predicates, which is
// the closest idiomatic match to shapely's prep() in the original
// scheduler (orb has no literal "prepared geometry" type).
func seedsForBucket(clusters []tileCluster, items []CatalogItem, bucket dateRange) []clusterTaskSeed {
	var inBucket []CatalogItem
	for _, it := range items {
		if bucket.Contains(it.SensingTime) {
			inBucket = append(inBucket, it)
		}
	}
	if len(inBucket) == 0 {
		return nil
	}

	var seeds []clusterTaskSeed
	for _, cl := range clusters {
		var matched []CatalogItem
		for _, it := range inBucket {
			if footprintIntersects(cl.footprint, it.Footprint) {
				matched = append(matched, it)
			}
		}
		if len(matched) == 0 {
			continue
		}

		var survivingTiles []Tile
		for _, t := range cl.tiles {
			tileFP, err := tileFootprintWGS84(t)
			if err != nil {
				continue
			}
			if itemsContainFootprint(matched, tileFP) {
				survivingTiles = append(survivingTiles, t)
			}
		}
		if len(survivingTiles) == 0 {
			continue
		}

		seeds = append(seeds, clusterTaskSeed{tiles: survivingTiles, items: matched, bucket: bucket})
	}
	return seeds
}

// footprintIntersects reports whether any ring of item intersects any
// ring of cluster's footprint: a vertex of one lies inside the other, or
// an edge of one crosses an edge of the other.
func footprintIntersects(cluster orb.MultiPolygon, item orb.Polygon) bool {
	for _, poly := range cluster {
		for _, ring := range poly {
			for _, pt := range ring {
				if planar.PolygonContains(item, pt) {
					return true
				}
			}
		}
		for _, ring := range item {
			for _, pt := range ring {
				if planar.PolygonContains(poly, pt) {
					return true
				}
			}
		}
		for _, ring := range poly {
			for _, itemRing := range item {
				if ringsCross(ring, itemRing) {
					return true
				}
			}
		}
	}
	return false
}

// itemsContainFootprint reports whether the union of items' footprints
// contains tileFootprint entirely (every corner of the tile's bbox lies
// within at least one item's footprint — an approximation of the union
// containment test in the original scheduler, adequate for the
// rectangular tile/footprint shapes this pipeline deals in).
func itemsContainFootprint(items []CatalogItem, tileFootprint orb.MultiPolygon) bool {
	if len(tileFootprint) == 0 {
		return false
	}
	for _, pt := range tileFootprint[0][0] {
		if !anyItemContains(items, pt) {
			return false
		}
	}
	return true
}

func anyItemContains(items []CatalogItem, pt orb.Point) bool {
	for _, it := range items {
		if planar.PolygonContains(it.Footprint, pt) {
			return true
		}
	}
	return false
}

// filterAlreadyExtracted drops tasks whose sensing_time is already
// recorded in {root}/{first_tile.id}/{constellation}/timestamps. This is
// the authoritative idempotency filter (spec.md §9 Design Notes: the
// Scheduler's version subsumes the Deployer's, which must not re-filter).
// A missing or corrupt archive counts as "not yet extracted".
func filterAlreadyExtracted(ctx context.Context, store ObjectStore, root string, tasks []ExtractionTask) ([]ExtractionTask, error) {
	type key struct {
		tile          string
		constellation string
	}
	cache := map[key][]string{}

	var out []ExtractionTask
	for _, task := range tasks {
		if len(task.Tiles) == 0 {
			continue
		}
		k := key{tile: task.Tiles[0].ID(), constellation: task.Constellation}
		timestamps, ok := cache[k]
		if !ok {
			path := fmt.Sprintf("%s/%s/%s/timestamps", root, k.tile, k.constellation)
			ts, err := readTimestampsArray(ctx, store, path)
			if err != nil {
				// Missing/corrupt archive: treat as "not yet extracted".
				ts = nil
			}
			cache[k] = ts
			timestamps = ts
		}
		if !containsTimestamp(timestamps, task.SensingTime) {
			out = append(out, task)
		}
	}
	return out, nil
}

func containsTimestamp(timestamps []string, t time.Time) bool {
	target := t.UTC().Format(isoLayout)
	for _, ts := range timestamps {
		if ts == target {
			return true
		}
	}
	return false
}
