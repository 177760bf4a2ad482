package satextract

import (
	"context"
	"testing"
)

func TestPrepareFreshCreate(t *testing.T) {
	ctx := context.Background()
	store := newInMemoryObjectStore()
	tile, err := NewTile(10, "T", 32610, 0, 0, 1000, 1000, 1000)
	if err != nil {
		t.Fatalf("NewTile: %v", err)
	}

	opts := PrepareOptions{
		Root:           "archive",
		Constellations: []string{ConstellationSentinel2},
		PatchSize:      1000,
		ChunkSize:      256,
		SensingTimes: map[string]map[string][]string{
			tile.ID(): {ConstellationSentinel2: {"2021-01-02T00:00:00Z", "2021-01-01T00:00:00Z"}},
		},
		Overwrite: true,
		Workers:   2,
	}

	if err := Prepare(ctx, store, []Tile{tile}, opts); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	ts, err := readTimestampsArray(ctx, store, archivePath("archive", tile.ID(), ConstellationSentinel2, "timestamps"))
	if err != nil {
		t.Fatalf("readTimestampsArray: %v", err)
	}
	ts = trimEmpty(ts)
	want := []string{"2021-01-01T00:00:00Z", "2021-01-02T00:00:00Z"}
	if len(ts) != len(want) {
		t.Fatalf("got %v, want %v", ts, want)
	}
	for i := range want {
		if ts[i] != want[i] {
			t.Errorf("index %d: got %q, want %q", i, ts[i], want[i])
		}
	}
}

func TestPrepareUnionGrowsWithoutOverwrite(t *testing.T) {
	ctx := context.Background()
	store := newInMemoryObjectStore()
	tile, err := NewTile(10, "T", 32610, 0, 0, 1000, 1000, 1000)
	if err != nil {
		t.Fatalf("NewTile: %v", err)
	}

	base := PrepareOptions{
		Root:           "archive",
		Constellations: []string{ConstellationSentinel2},
		PatchSize:      1000,
		ChunkSize:      256,
		Overwrite:      true,
		Workers:        1,
	}
	base.SensingTimes = map[string]map[string][]string{
		tile.ID(): {ConstellationSentinel2: {"2021-01-01T00:00:00Z"}},
	}
	if err := Prepare(ctx, store, []Tile{tile}, base); err != nil {
		t.Fatalf("initial Prepare: %v", err)
	}

	second := base
	second.Overwrite = false
	second.SensingTimes = map[string]map[string][]string{
		tile.ID(): {ConstellationSentinel2: {"2021-01-03T00:00:00Z"}},
	}
	if err := Prepare(ctx, store, []Tile{tile}, second); err != nil {
		t.Fatalf("union Prepare: %v", err)
	}

	ts, err := readTimestampsArray(ctx, store, archivePath("archive", tile.ID(), ConstellationSentinel2, "timestamps"))
	if err != nil {
		t.Fatalf("readTimestampsArray: %v", err)
	}
	ts = trimEmpty(ts)
	want := []string{"2021-01-01T00:00:00Z", "2021-01-03T00:00:00Z"}
	if len(ts) != len(want) {
		t.Fatalf("got %v, want %v", ts, want)
	}

	dataMapper := store.GetMapper(archivePath("archive", tile.ID(), ConstellationSentinel2, "data"))
	dataArr, err := OpenArray(ctx, dataMapper)
	if err != nil {
		t.Fatalf("OpenArray(data): %v", err)
	}
	if dataArr.Desc.Shape[0] != len(want) {
		t.Fatalf("data T axis = %d, want %d", dataArr.Desc.Shape[0], len(want))
	}
}

func TestPrepareResizesExistingMaskInLockstep(t *testing.T) {
	ctx := context.Background()
	store := newInMemoryObjectStore()
	tile, err := NewTile(10, "T", 32610, 0, 0, 1000, 1000, 1000)
	if err != nil {
		t.Fatalf("NewTile: %v", err)
	}

	base := PrepareOptions{
		Root:           "archive",
		Constellations: []string{ConstellationSentinel2},
		PatchSize:      1000,
		ChunkSize:      256,
		Overwrite:      true,
		Workers:        1,
		SensingTimes: map[string]map[string][]string{
			tile.ID(): {ConstellationSentinel2: {"2021-01-01T00:00:00Z"}},
		},
	}
	if err := Prepare(ctx, store, []Tile{tile}, base); err != nil {
		t.Fatalf("initial Prepare: %v", err)
	}

	// A labeling step creates a cloud mask independently of Prepare.
	maskPath := archivePath("archive", tile.ID(), ConstellationSentinel2, "mask/cloud")
	if _, err := CreateArray(ctx, store.GetMapper(maskPath), []int{1, 40, 40}, []int{1, 40, 40}, "uint16"); err != nil {
		t.Fatalf("CreateArray(mask): %v", err)
	}

	second := base
	second.Overwrite = false
	second.MaskNames = []string{"cloud", "absent"}
	second.SensingTimes = map[string]map[string][]string{
		tile.ID(): {ConstellationSentinel2: {"2021-01-03T00:00:00Z"}},
	}
	if err := Prepare(ctx, store, []Tile{tile}, second); err != nil {
		t.Fatalf("union Prepare: %v", err)
	}

	maskArr, err := OpenArray(ctx, store.GetMapper(maskPath))
	if err != nil {
		t.Fatalf("OpenArray(mask): %v", err)
	}
	if maskArr.Desc.Shape[0] != 2 {
		t.Fatalf("mask T axis = %d, want 2", maskArr.Desc.Shape[0])
	}

	absentPath := archivePath("archive", tile.ID(), ConstellationSentinel2, "mask/absent")
	if _, err := OpenArray(ctx, store.GetMapper(absentPath)); err == nil {
		t.Fatalf("mask/absent should not have been created by Prepare")
	}
}
