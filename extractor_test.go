package satextract

import "testing"

func TestComputeUnionWindowSpansAllTiles(t *testing.T) {
	t1, _ := NewTile(10, "T", 32610, 0, 0, 1000, 1000, 1000)
	t2, _ := NewTile(10, "T", 32610, 1000, 1000, 2000, 2000, 1000)

	win, err := computeUnionWindow([]Tile{t1, t2}, 10)
	if err != nil {
		t.Fatalf("computeUnionWindow: %v", err)
	}
	if win.ulx != 0 || win.uly != 2000 {
		t.Errorf("unexpected origin: %f, %f", win.ulx, win.uly)
	}
	if win.width != 200 || win.height != 200 {
		t.Errorf("unexpected dims: %d x %d", win.width, win.height)
	}
}

func TestComputeUnionWindowRejectsMixedEPSG(t *testing.T) {
	t1, _ := NewTile(10, "T", 32610, 0, 0, 1000, 1000, 1000)
	t2, _ := NewTile(11, "T", 32611, 0, 0, 1000, 1000, 1000)
	if _, err := computeUnionWindow([]Tile{t1, t2}, 10); err == nil {
		t.Fatal("expected error for mixed EPSG tiles")
	}
}

func TestResamplingMethodForCategoricalBands(t *testing.T) {
	if resamplingMethodFor("BQA") != "near" {
		t.Error("expected near for BQA")
	}
	if resamplingMethodFor("B04") != "bilinear" {
		t.Error("expected bilinear for B04")
	}
}

func TestMergeMosaicFirstPrefersEarliestNonZero(t *testing.T) {
	layers := [][]uint16{
		{0, 5, 0},
		{1, 9, 3},
	}
	out := mergeMosaic(layers, MosaicFirst)
	want := []uint16{1, 5, 3}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("index %d: got %d, want %d", i, out[i], want[i])
		}
	}
}

func TestMergeMosaicMaxTakesLargest(t *testing.T) {
	layers := [][]uint16{
		{1, 9, 3},
		{5, 2, 8},
	}
	out := mergeMosaic(layers, MosaicMax)
	want := []uint16{5, 9, 8}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("index %d: got %d, want %d", i, out[i], want[i])
		}
	}
}

func TestCropTileZeroPadsOutOfBoundsRegion(t *testing.T) {
	win := unionWindow{ulx: 0, uly: 100, width: 5, height: 5, res: 10, epsg: 32610}
	mosaic := make([]uint16, 25)
	for i := range mosaic {
		mosaic[i] = uint16(i + 1)
	}
	// Tile extends beyond the mosaic on the right/bottom.
	tile, err := NewTile(10, "T", 32610, 30, 20, 80, 70, 50)
	if err != nil {
		t.Fatalf("NewTile: %v", err)
	}
	patch := cropTile(mosaic, win, tile, 10)
	if patch.Width != 5 || patch.Height != 5 {
		t.Fatalf("unexpected patch dims: %d x %d", patch.Width, patch.Height)
	}
	// bottom-right corner should be zero (out of the mosaic).
	if patch.Data[len(patch.Data)-1] != 0 {
		t.Errorf("expected zero padding at bottom-right, got %d", patch.Data[len(patch.Data)-1])
	}
}
