package satextract

import (
	"context"
	"log/slog"
	"sort"
)

// PrepareOptions configures Prepare (spec.md §4.3).
type PrepareOptions struct {
	Root          string
	Constellations []string
	PatchSize     float64 // meters
	ChunkSize     int     // pixels, chunk shape along y/x
	// SensingTimes maps tile.ID() -> constellation -> the sorted-unique
	// sensing times this prepare call should ensure are present.
	SensingTimes map[string]map[string][]string
	Overwrite    bool
	Workers      int
	// MaskNames lists the mask/<name> arrays to resize in lockstep with
	// data (spec.md §4.3 step 4). A name with no existing array at this
	// tile/constellation is skipped — masks are created by a separate
	// labeling step, not by Prepare.
	MaskNames []string
}

// Prepare creates or resizes the archive skeleton for every (tile,
// constellation) pair, per spec.md §4.3. It uses the shared ParallelMap
// primitive (spec.md §9 Design Notes) since every pair is an independent
// unit of work.
func Prepare(ctx context.Context, store ObjectStore, tiles []Tile, opts PrepareOptions) error {
	if opts.PatchSize <= 0 {
		return newInvalidArgument("patch_size must be positive, got %f", opts.PatchSize)
	}
	if opts.ChunkSize <= 0 {
		return newInvalidArgument("chunk_size must be positive, got %d", opts.ChunkSize)
	}

	type pair struct {
		tile          Tile
		constellation string
	}
	var pairs []pair
	for _, t := range tiles {
		for _, c := range opts.Constellations {
			pairs = append(pairs, pair{tile: t, constellation: c})
		}
	}

	_, err := ParallelMap(ctx, pairs, opts.Workers, func(ctx context.Context, p pair) (struct{}, error) {
		times := opts.SensingTimes[p.tile.ID()][p.constellation]
		return struct{}{}, prepareOne(ctx, store, opts.Root, p.tile, p.constellation, opts.PatchSize, opts.ChunkSize, times, opts.Overwrite, opts.MaskNames)
	})
	return err
}

// prepareOne implements spec.md §4.3 steps 1-4 for a single (tile,
// constellation) pair.
func prepareOne(ctx context.Context, store ObjectStore, root string, tile Tile, constellation string, patchSize float64, chunkSize int, sensingTimes []string, overwrite bool, maskNames []string) error {
	gsd, ok := MinGSD(constellation)
	if !ok {
		return newInvalidArgument("no known GSD for constellation %q", constellation)
	}
	patchSizePixels := int(patchSize / gsd)
	if patchSizePixels <= 0 {
		return newInvalidArgument("patch_size %f is too small for GSD %f", patchSize, gsd)
	}

	bands, _ := BandNamesFor(constellation)
	numBands := len(bands)

	dataPath := archivePath(root, tile.ID(), constellation, "data")
	timestampsPath := archivePath(root, tile.ID(), constellation, "timestamps")

	sorted := sortUniqueStrings(sensingTimes)

	if overwrite {
		dataShape := []int{len(sorted), numBands, patchSizePixels, patchSizePixels}
		dataChunks := []int{1, 1, chunkSize, chunkSize}
		if _, err := CreateArray(ctx, store.GetMapper(dataPath), dataShape, dataChunks, "uint16"); err != nil {
			return err
		}
		tsArr, err := CreateArray(ctx, store.GetMapper(timestampsPath), []int{len(sorted)}, []int{chunkSizeForTimeAxis(len(sorted))}, "string")
		if err != nil {
			return err
		}
		if err := writeAllTimestamps(ctx, tsArr, sorted); err != nil {
			return err
		}
		return resizeMasks(ctx, store, root, tile, constellation, maskNames, len(sorted))
	}

	existing, err := readTimestampsArray(ctx, store, timestampsPath)
	if err != nil {
		// Absent/corrupted timestamps: treat as empty, per spec.md §4.3
		// step 4 ("the Preparer catches 'array does not exist' as a
		// normal case").
		existing = nil
	}
	existing = trimEmpty(existing)

	union := sortUniqueStrings(append(append([]string{}, existing...), sorted...))

	if len(existing) > 0 && len(sorted) > 0 {
		maxExisting := existing[len(existing)-1]
		for _, t := range sorted {
			if t < maxExisting {
				slog.Warn("prepare: new sensing time predates existing maximum; proceeding with union",
					"tile", tile.ID(), "constellation", constellation, "new_time", t, "max_existing", maxExisting)
				break
			}
		}
	}

	dataChunks := []int{1, 1, chunkSize, chunkSize}
	dataMapper := store.GetMapper(dataPath)
	dataArr, err := OpenArray(ctx, dataMapper)
	if err != nil {
		dataShape := []int{len(union), numBands, patchSizePixels, patchSizePixels}
		dataArr, err = CreateArray(ctx, dataMapper, dataShape, dataChunks, "uint16")
		if err != nil {
			return err
		}
	} else if err := dataArr.Resize(ctx, len(union)); err != nil {
		return err
	}

	// Preparer MUST write timestamps after resizing data (spec.md §4.3,
	// §5 ordering guarantees): callers use timestamps.length as the
	// authoritative T dimension.
	tsMapper := store.GetMapper(timestampsPath)
	tsArr, err := OpenArray(ctx, tsMapper)
	if err != nil {
		tsArr, err = CreateArray(ctx, tsMapper, []int{0}, []int{chunkSizeForTimeAxis(len(union))}, "string")
		if err != nil {
			return err
		}
	}
	if err := tsArr.Resize(ctx, len(union)); err != nil {
		return err
	}
	if err := writeAllTimestamps(ctx, tsArr, union); err != nil {
		return err
	}
	return resizeMasks(ctx, store, root, tile, constellation, maskNames, len(union))
}

// resizeMasks grows every named mask/<name> array's axis 0 to newSize,
// in lockstep with data and timestamps (spec.md §4.3 step 4: "for every
// array under mask/, resize its axis 0 identically"). A name with no
// array yet on disk is skipped — masks are written by a separate
// labeling step, not created here.
func resizeMasks(ctx context.Context, store ObjectStore, root string, tile Tile, constellation string, maskNames []string, newSize int) error {
	for _, name := range maskNames {
		path := archivePath(root, tile.ID(), constellation, "mask/"+name)
		arr, err := OpenArray(ctx, store.GetMapper(path))
		if err != nil {
			continue
		}
		if err := arr.Resize(ctx, newSize); err != nil {
			return err
		}
	}
	return nil
}

func writeAllTimestamps(ctx context.Context, arr *Array, values []string) error {
	for i, v := range values {
		if err := arr.AppendTimestamp(ctx, i, v); err != nil {
			return err
		}
	}
	return nil
}

func chunkSizeForTimeAxis(total int) int {
	if total <= 0 {
		return 1
	}
	return total
}

func sortUniqueStrings(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func trimEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
