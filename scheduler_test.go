package satextract

import (
	"context"
	"testing"
	"time"

	"github.com/paulmach/orb"
)

func wgs84Square(minLon, minLat, maxLon, maxLat float64) orb.Polygon {
	return orb.Polygon{orb.Ring{
		{minLon, minLat}, {maxLon, minLat}, {maxLon, maxLat}, {minLon, maxLat}, {minLon, minLat},
	}}
}

// testRegionTiles tiles the same small San Francisco square tiler_test.go
// uses, giving scheduler tests real UTM-projected tiles without each
// re-deriving the region/SplitRegion boilerplate.
func testRegionTiles(t *testing.T) []Tile {
	t.Helper()
	region := square(-122.42, 37.77, -122.40, 37.79)
	tiles, err := SplitRegion(region, 1000)
	if err != nil {
		t.Fatalf("SplitRegion: %v", err)
	}
	if len(tiles) == 0 {
		t.Fatal("expected at least one tile")
	}
	return tiles
}

func testItem(id, constellation string, sensing time.Time, footprint orb.Polygon) CatalogItem {
	return CatalogItem{
		ID:            id,
		Constellation: constellation,
		SensingTime:   sensing,
		Footprint:     footprint,
		Assets:        map[string]string{},
		EPSG:          4326,
	}
}

func TestClusterTilesGroupsIntoSplitSquares(t *testing.T) {
	tiles := testRegionTiles(t)
	clusters, err := clusterTiles(tiles, 100000)
	if err != nil {
		t.Fatalf("clusterTiles: %v", err)
	}
	if len(clusters) == 0 {
		t.Fatal("expected at least one cluster")
	}
	total := 0
	for _, c := range clusters {
		total += len(c.tiles)
	}
	if total != len(tiles) {
		t.Fatalf("clusters cover %d tiles, want %d", total, len(tiles))
	}
}

func TestClusterTilesEmptyInputReturnsNoClusters(t *testing.T) {
	clusters, err := clusterTiles(nil, 1000)
	if err != nil {
		t.Fatalf("clusterTiles: %v", err)
	}
	if clusters != nil {
		t.Fatalf("expected nil clusters for empty input, got %v", clusters)
	}
}

func TestBucketsForSpansFullRange(t *testing.T) {
	early := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC)
	items := []CatalogItem{
		{Constellation: ConstellationSentinel2, SensingTime: early},
		{Constellation: ConstellationSentinel2, SensingTime: late},
	}

	buckets := bucketsFor(items, 30)
	if len(buckets) == 0 {
		t.Fatal("expected at least one bucket")
	}
	if !buckets[0].Start.Equal(early) {
		t.Errorf("first bucket should start at the earliest sensing time, got %v", buckets[0].Start)
	}
	if _, ok := bucketFor(buckets, late); !ok {
		t.Error("no bucket covers the latest sensing time")
	}
}

func TestBucketsForEmptyItemsReturnsNoBuckets(t *testing.T) {
	if got := bucketsFor(nil, 30); got != nil {
		t.Fatalf("expected nil buckets for no items, got %v", got)
	}
}

// TestScheduleIntersectsBandsPerConstellation exercises the
// per-constellation band filter create_tasks_by_splits applies
// (original_source/src/satextractor/scheduler/scheduler.py:
// `run_bands = [b for b in BAND_INFO[constellation] if b in bands]`):
// a requested band list spanning two disjoint constellation band sets
// must narrow per constellation rather than erroring because a band is
// invalid for some (but not every) requested constellation.
func TestScheduleIntersectsBandsPerConstellation(t *testing.T) {
	ctx := context.Background()
	store := newInMemoryObjectStore()
	tiles := testRegionTiles(t)
	footprint := wgs84Square(-122.42, 37.77, -122.40, 37.79)
	sensing := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	items := []CatalogItem{
		testItem("s2-1", ConstellationSentinel2, sensing, footprint),
		testItem("l8-1", ConstellationLandsat8, sensing, footprint),
	}

	opts := ScheduleOptions{
		Constellations: []string{ConstellationSentinel2, ConstellationLandsat8},
		Bands:          []string{"B01", "B1"}, // B01: sentinel-2 only. B1: landsat-8 only.
		IntervalDays:   30,
		SplitM:         100000,
		Overwrite:      true,
		Workers:        2,
	}

	tasks, err := Schedule(ctx, store, tiles, items, opts)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	gotBands := map[string]map[string]bool{}
	for _, task := range tasks {
		if gotBands[task.Constellation] == nil {
			gotBands[task.Constellation] = map[string]bool{}
		}
		gotBands[task.Constellation][task.Band] = true
	}

	if !gotBands[ConstellationSentinel2]["B01"] {
		t.Error("expected a sentinel-2/B01 task")
	}
	if gotBands[ConstellationSentinel2]["B1"] {
		t.Error("sentinel-2 has no B1 band; it should have been dropped, not errored or substituted")
	}
	if !gotBands[ConstellationLandsat8]["B1"] {
		t.Error("expected a landsat-8/B1 task")
	}
	if gotBands[ConstellationLandsat8]["B01"] {
		t.Error("landsat-8 has no B01 band; it should have been dropped, not errored or substituted")
	}
}

// TestScheduleRejectsBandInvalidForEveryConstellation covers the other
// half of the same fix: a band must still error when it matches none of
// the requested constellations, rather than being silently dropped
// everywhere.
func TestScheduleRejectsBandInvalidForEveryConstellation(t *testing.T) {
	ctx := context.Background()
	store := newInMemoryObjectStore()
	tiles := testRegionTiles(t)

	opts := ScheduleOptions{
		Constellations: []string{ConstellationSentinel2},
		Bands:          []string{"no-such-band"},
		IntervalDays:   30,
		SplitM:         100000,
		Overwrite:      true,
		Workers:        2,
	}
	if _, err := Schedule(ctx, store, tiles, nil, opts); err == nil {
		t.Fatal("expected an error for a band invalid for every requested constellation")
	}
}

// TestScheduleIdempotentRerunIsEmpty covers spec.md §8's "Idempotence"
// property: once a task's (tile, constellation, sensing_time) is
// recorded in the archive's timestamps array, re-running Schedule with
// overwrite=false over the same inputs must produce zero tasks.
func TestScheduleIdempotentRerunIsEmpty(t *testing.T) {
	ctx := context.Background()
	store := newInMemoryObjectStore()
	tiles := testRegionTiles(t)
	footprint := wgs84Square(-122.42, 37.77, -122.40, 37.79)
	sensing := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	items := []CatalogItem{testItem("s2-1", ConstellationSentinel2, sensing, footprint)}

	opts := ScheduleOptions{
		Constellations: []string{ConstellationSentinel2},
		IntervalDays:   30,
		SplitM:         100000,
		Overwrite:      false,
		ArchiveRoot:    "archive",
		Workers:        2,
	}

	first, err := Schedule(ctx, store, tiles, items, opts)
	if err != nil {
		t.Fatalf("first Schedule: %v", err)
	}
	if len(first) == 0 {
		t.Fatal("expected at least one task on the first run")
	}

	// Record every produced task's sensing time into its tile's
	// timestamps array, the way a completed Prepare+Worker pass would,
	// so the idempotent filter has something to match against.
	for _, task := range first {
		for _, tile := range task.Tiles {
			path := archivePath("archive", tile.ID(), task.Constellation, "timestamps")
			arr, err := CreateArray(ctx, store.GetMapper(path), []int{1}, []int{1}, "string")
			if err != nil {
				t.Fatalf("CreateArray(timestamps): %v", err)
			}
			if err := arr.AppendTimestamp(ctx, 0, task.SensingTime.UTC().Format(isoLayout)); err != nil {
				t.Fatalf("AppendTimestamp: %v", err)
			}
		}
	}

	second, err := Schedule(ctx, store, tiles, items, opts)
	if err != nil {
		t.Fatalf("second Schedule: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("expected idempotent re-run to produce 0 tasks, got %d", len(second))
	}
}

func TestScheduleRejectsNonPositiveSplitM(t *testing.T) {
	ctx := context.Background()
	store := newInMemoryObjectStore()
	opts := ScheduleOptions{Constellations: []string{ConstellationSentinel2}, SplitM: 0, Overwrite: true}
	if _, err := Schedule(ctx, store, nil, nil, opts); err == nil {
		t.Fatal("expected error for non-positive split_m")
	}
}

func TestScheduleRejectsInvalidMosaicMethod(t *testing.T) {
	ctx := context.Background()
	store := newInMemoryObjectStore()
	opts := ScheduleOptions{
		Constellations: []string{ConstellationSentinel2},
		SplitM:         1000,
		Overwrite:      true,
		MosaicMethod:   "average",
	}
	if _, err := Schedule(ctx, store, nil, nil, opts); err == nil {
		t.Fatal("expected error for an unrecognized mosaic_method")
	}
}
