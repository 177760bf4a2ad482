package satextract

import (
	"context"
	"math"
)

// Patch is one tile's worth of pixel data produced by the Extractor for
// a single (task.band, task.sensing_time) pair — a 2-D uint16 raster in
// row-major order, plus the tile it corresponds to and its pixel
// dimensions. The resolution it was extracted at is not recorded here;
// Store takes it as an argument.
type Patch struct {
	Tile   Tile
	Width  int
	Height int
	Data   []uint16 // len == Width*Height, row-major
}

// Store writes patches into the archive, one (tile, patch) pair at a
// time, per spec.md §4.5. bandsOrder is the constellation's canonical
// band order (bandspec.go's BandNamesFor); patchResolution is the
// resolution patches were extracted at, archiveResolution is the
// archive's native pixel size (its "data" array's MinGSD-derived grid).
func Store(ctx context.Context, store ObjectStore, root string, patches []Patch, task ExtractionTask, bandsOrder []string, patchResolution, archiveResolution float64) error {
	bandIdx := indexOf(bandsOrder, task.Band)
	if bandIdx < 0 {
		return newArchiveInconsistency("band %q not found in archive band order %v", task.Band, bandsOrder)
	}

	for _, p := range patches {
		if err := storeOne(ctx, store, root, p, task, bandIdx, patchResolution, archiveResolution); err != nil {
			return err
		}
	}
	return nil
}

func storeOne(ctx context.Context, store ObjectStore, root string, p Patch, task ExtractionTask, bandIdx int, patchResolution, archiveResolution float64) error {
	dataPath := archivePath(root, p.Tile.ID(), task.Constellation, "data")
	timestampsPath := archivePath(root, p.Tile.ID(), task.Constellation, "timestamps")

	dataArr, err := OpenArray(ctx, store.GetMapper(dataPath))
	if err != nil {
		return newArchiveInconsistency("data array missing for tile %s constellation %s: preparer was not run", p.Tile.ID(), task.Constellation)
	}
	timestamps, err := readTimestampsArray(ctx, store, timestampsPath)
	if err != nil {
		return newArchiveInconsistency("timestamps array missing for tile %s constellation %s: preparer was not run", p.Tile.ID(), task.Constellation)
	}

	timeIdx := indexOf(timestamps, task.SensingTime.UTC().Format(isoLayout))
	if timeIdx < 0 {
		return newArchiveInconsistency("sensing_time %s not found in timestamps for tile %s constellation %s", task.SensingTime.UTC().Format(isoLayout), p.Tile.ID(), task.Constellation)
	}

	if len(dataArr.Desc.Shape) != 4 {
		return newArchiveInconsistency("data array has unexpected rank")
	}
	slotH := dataArr.Desc.Shape[2]
	slotW := dataArr.Desc.Shape[3]

	slot := placePatch(p, patchResolution, archiveResolution, slotW, slotH)

	return writeSlot(ctx, dataArr, timeIdx, bandIdx, slot, slotW, slotH)
}

// placePatch resamples p to archiveResolution if it differs from
// patchResolution (bicubic), then zero-pads the result to exactly
// (slotW, slotH), per spec.md §4.5 step 3.
func placePatch(p Patch, patchResolution, archiveResolution float64, slotW, slotH int) []uint16 {
	data, w, h := p.Data, p.Width, p.Height
	if patchResolution != archiveResolution && patchResolution > 0 && archiveResolution > 0 {
		ratio := patchResolution / archiveResolution
		newW := int(math.Round(float64(w) * ratio))
		newH := int(math.Round(float64(h) * ratio))
		if newW > 0 && newH > 0 {
			data = bicubicResample(data, w, h, newW, newH)
			w, h = newW, newH
		}
	}
	return zeroPad(data, w, h, slotW, slotH)
}

// zeroPad places src (w x h) into the top-left of a (slotW x slotH)
// canvas, zero-filling the remainder (spec.md §4.5 step 3: "zero-pad to
// (tile.bbox_size / archive_resolution) on the bottom/right").
func zeroPad(src []uint16, w, h, slotW, slotH int) []uint16 {
	out := make([]uint16, slotW*slotH)
	copyH := h
	if copyH > slotH {
		copyH = slotH
	}
	copyW := w
	if copyW > slotW {
		copyW = slotW
	}
	for y := 0; y < copyH; y++ {
		srcRow := src[y*w : y*w+copyW]
		copy(out[y*slotW:y*slotW+copyW], srcRow)
	}
	return out
}

// bicubicResample resamples a row-major uint16 raster from (w, h) to
// (newW, newH) using bicubic interpolation. No bicubic resampler ships
// in the example pack's direct dependencies, so this is implemented
// directly against the standard library (documented in DESIGN.md as a
// stdlib-only component).
func bicubicResample(src []uint16, w, h, newW, newH int) []uint16 {
	out := make([]uint16, newW*newH)
	scaleX := float64(w) / float64(newW)
	scaleY := float64(h) / float64(newH)

	at := func(x, y int) float64 {
		if x < 0 {
			x = 0
		}
		if x >= w {
			x = w - 1
		}
		if y < 0 {
			y = 0
		}
		if y >= h {
			y = h - 1
		}
		return float64(src[y*w+x])
	}

	for oy := 0; oy < newH; oy++ {
		srcY := (float64(oy)+0.5)*scaleY - 0.5
		y0 := int(math.Floor(srcY))
		fy := srcY - float64(y0)
		for ox := 0; ox < newW; ox++ {
			srcX := (float64(ox)+0.5)*scaleX - 0.5
			x0 := int(math.Floor(srcX))
			fx := srcX - float64(x0)

			var rows [4]float64
			for r := -1; r <= 2; r++ {
				var cols [4]float64
				for c := -1; c <= 2; c++ {
					cols[c+1] = at(x0+c, y0+r)
				}
				rows[r+1] = cubicInterpolate(cols, fx)
			}
			v := cubicInterpolate(rows, fy)
			if v < 0 {
				v = 0
			}
			if v > 65535 {
				v = 65535
			}
			out[oy*newW+ox] = uint16(math.Round(v))
		}
	}
	return out
}

// cubicInterpolate evaluates the Catmull-Rom cubic through four equally
// spaced samples p[0..3] at fractional offset t in [0,1) between p[1]
// and p[2].
func cubicInterpolate(p [4]float64, t float64) float64 {
	return p[1] + 0.5*t*(p[2]-p[0]+t*(2*p[0]-5*p[1]+4*p[2]-p[3]+t*(3*(p[1]-p[2])+p[3]-p[0])))
}

// writeSlot writes slot (slotW x slotH, row-major) into
// data[timeIdx, bandIdx, :, :], one array chunk at a time.
func writeSlot(ctx context.Context, arr *Array, timeIdx, bandIdx int, slot []uint16, slotW, slotH int) error {
	chunkH := arr.Desc.Chunks[2]
	chunkW := arr.Desc.Chunks[3]

	for cy := 0; cy*chunkH < slotH; cy++ {
		for cx := 0; cx*chunkW < slotW; cx++ {
			chunk := make([]uint16, chunkH*chunkW)
			for y := 0; y < chunkH; y++ {
				srcY := cy*chunkH + y
				if srcY >= slotH {
					break
				}
				for x := 0; x < chunkW; x++ {
					srcX := cx*chunkW + x
					if srcX >= slotW {
						break
					}
					chunk[y*chunkW+x] = slot[srcY*slotW+srcX]
				}
			}
			coords := []int{timeIdx, bandIdx, cy, cx}
			if err := arr.WriteUint16Chunk(ctx, coords, chunk); err != nil {
				return err
			}
		}
	}
	return nil
}

func indexOf(haystack []string, needle string) int {
	for i, s := range haystack {
		if s == needle {
			return i
		}
	}
	return -1
}
