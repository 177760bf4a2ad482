package satextract

import (
	"context"
	"testing"
	"time"
)

func TestStoreExactSlotWrite(t *testing.T) {
	ctx := context.Background()
	store := newInMemoryObjectStore()
	tile, err := NewTile(10, "T", 32610, 0, 0, 640, 640, 640)
	if err != nil {
		t.Fatalf("NewTile: %v", err)
	}

	sensingTime := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	opts := PrepareOptions{
		Root:           "archive",
		Constellations: []string{ConstellationSentinel2},
		PatchSize:      640,
		ChunkSize:      32,
		SensingTimes: map[string]map[string][]string{
			tile.ID(): {ConstellationSentinel2: {sensingTime.Format(isoLayout)}},
		},
		Overwrite: true,
		Workers:   1,
	}
	if err := Prepare(ctx, store, []Tile{tile}, opts); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	bandsOrder, _ := BandNamesFor(ConstellationSentinel2)
	task := ExtractionTask{
		TaskID:        "1",
		Tiles:         []Tile{tile},
		Band:          bandsOrder[0],
		Constellation: ConstellationSentinel2,
		SensingTime:   sensingTime,
	}

	patchSizePixels := 64 // 640m / 10m GSD
	data := make([]uint16, patchSizePixels*patchSizePixels)
	for i := range data {
		data[i] = uint16(i % 4096)
	}
	patch := Patch{Tile: tile, Width: patchSizePixels, Height: patchSizePixels, Data: data}

	if err := Store(ctx, store, "archive", []Patch{patch}, task, bandsOrder, 10, 10); err != nil {
		t.Fatalf("Store: %v", err)
	}

	dataArr, err := OpenArray(ctx, store.GetMapper(archivePath("archive", tile.ID(), ConstellationSentinel2, "data")))
	if err != nil {
		t.Fatalf("OpenArray: %v", err)
	}
	chunk, err := dataArr.ReadUint16Chunk(ctx, []int{0, 0, 0, 0})
	if err != nil {
		t.Fatalf("ReadUint16Chunk: %v", err)
	}
	if chunk[0] != data[0] {
		t.Errorf("top-left pixel: got %d, want %d", chunk[0], data[0])
	}
}

func TestStoreUnknownBandIsArchiveInconsistency(t *testing.T) {
	ctx := context.Background()
	store := newInMemoryObjectStore()
	tile, _ := NewTile(10, "T", 32610, 0, 0, 640, 640, 640)
	task := ExtractionTask{Band: "NOT_A_BAND", Constellation: ConstellationSentinel2, SensingTime: time.Now()}

	err := Store(ctx, store, "archive", []Patch{{Tile: tile, Width: 1, Height: 1, Data: []uint16{0}}}, task, []string{"B01"}, 10, 10)
	if err == nil {
		t.Fatal("expected error for unknown band")
	}
	if _, ok := err.(*ArchiveInconsistencyError); !ok {
		t.Fatalf("expected *ArchiveInconsistencyError, got %T", err)
	}
}

func TestZeroPadExpandsToSlotShape(t *testing.T) {
	src := []uint16{1, 2, 3, 4}
	out := zeroPad(src, 2, 2, 4, 4)
	if len(out) != 16 {
		t.Fatalf("expected 16 elements, got %d", len(out))
	}
	if out[0] != 1 || out[1] != 2 || out[4] != 3 || out[5] != 4 {
		t.Errorf("unexpected placement: %v", out)
	}
	if out[2] != 0 || out[15] != 0 {
		t.Errorf("expected zero padding, got %v", out)
	}
}
