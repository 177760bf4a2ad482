package satextract

import (
	"testing"

	"github.com/paulmach/orb"
)

func square(minLon, minLat, maxLon, maxLat float64) orb.MultiPolygon {
	return orb.MultiPolygon{
		orb.Polygon{orb.Ring{
			{minLon, minLat}, {maxLon, minLat}, {maxLon, maxLat}, {minLon, maxLat}, {minLon, minLat},
		}},
	}
}

func TestSplitRegionRejectsNonPositiveBBoxSize(t *testing.T) {
	region := square(-122.42, 37.77, -122.40, 37.79)
	if _, err := SplitRegion(region, 0); err == nil {
		t.Fatal("expected error for non-positive bbox_size")
	}
}

func TestSplitRegionTileIDsAreUnique(t *testing.T) {
	// A region a few km wide so it spans several 1km tiles within a
	// single UTM zone.
	region := square(-122.45, 37.75, -122.35, 37.82)
	tiles, err := SplitRegion(region, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tiles) == 0 {
		t.Fatal("expected at least one tile")
	}
	seen := map[string]bool{}
	for _, tl := range tiles {
		if seen[tl.ID()] {
			t.Fatalf("duplicate tile id %q", tl.ID())
		}
		seen[tl.ID()] = true
	}
}

func TestSplitRegionSquareTiles(t *testing.T) {
	region := square(-122.42, 37.77, -122.40, 37.79)
	tiles, err := SplitRegion(region, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, tl := range tiles {
		if tl.BBoxSizeX() != tl.BBoxSizeY() {
			t.Errorf("tile %s is not square: %fx%f", tl.ID(), tl.BBoxSizeX(), tl.BBoxSizeY())
		}
	}
}
