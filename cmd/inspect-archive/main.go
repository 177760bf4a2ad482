// Command inspect-archive reports the shape, chunking and fill state of
// one archive's "data" and "timestamps" arrays (spec.md §4.3/§6),
// grounded on the teacher's analyze-tiles (directory walk + structured
// report, one mode for a single artifact and one for a summary) adapted
// from MVT tiles to the chunked-array archive layout (archive.go).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	sat "github.com/frontierdevlab/sat-extractor"
)

// ArrayReport is the structured description of one array's descriptor
// plus its chunk fill state.
type ArrayReport struct {
	Name          string `json:"name"`
	Shape         []int  `json:"shape"`
	Chunks        []int  `json:"chunks"`
	Dtype         string `json:"dtype"`
	Compressor    string `json:"compressor"`
	ChunksTotal   int    `json:"chunksTotal"`
	ChunksWritten int    `json:"chunksWritten"`
	Truncated     bool   `json:"truncated"`
}

// ArchiveReport is the full report for one (tile, constellation) archive.
type ArchiveReport struct {
	Root          string        `json:"root"`
	Tile          string        `json:"tile"`
	Constellation string        `json:"constellation"`
	Data          *ArrayReport  `json:"data,omitempty"`
	Timestamps    *ArrayReport  `json:"timestamps,omitempty"`
	SensingTimes  []string      `json:"sensingTimes,omitempty"`
	Errors        []string      `json:"errors,omitempty"`
}

func main() {
	configPath := flag.String("config", ".", "directory containing .env/.env.local")
	tile := flag.String("tile", "", "tile ID to inspect (required)")
	constellation := flag.String("constellation", "", "constellation to inspect (required)")
	jsonOutput := flag.Bool("json", false, "output in JSON format")
	maxChunksScan := flag.Int("max-chunks-scan", 4096, "cap on chunk-existence probes per array, to bound scan cost on large archives")
	showTimestamps := flag.Bool("show-timestamps", false, "print the full sensing-time list (human mode only)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: inspect-archive -tile <id> -constellation <name> [options]\n\n")
		fmt.Fprintf(os.Stderr, "Reports the shape, chunking and fill state of one tile's archive.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *tile == "" || *constellation == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := sat.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	store, err := sat.NewS3Store(ctx, cfg.S3)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize object store: %v\n", err)
		os.Exit(1)
	}

	report := inspectArchive(ctx, store, cfg.StorageRoot, *tile, *constellation, *maxChunksScan)

	if *jsonOutput {
		printReportJSON(report)
	} else {
		printReportHuman(report, *showTimestamps)
	}

	if len(report.Errors) > 0 {
		os.Exit(1)
	}
}

func inspectArchive(ctx context.Context, store sat.ObjectStore, root, tile, constellation string, maxChunksScan int) *ArchiveReport {
	report := &ArchiveReport{Root: root, Tile: tile, Constellation: constellation}

	dataReport, _, err := inspectOne(ctx, store, root, tile, constellation, "data", maxChunksScan)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("data: %v", err))
	} else {
		report.Data = dataReport
	}

	tsReport, tsValues, err := inspectOne(ctx, store, root, tile, constellation, "timestamps", maxChunksScan)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("timestamps: %v", err))
	} else {
		report.Timestamps = tsReport
		report.SensingTimes = tsValues
	}

	return report
}

// inspectOne opens one named array and probes its chunk grid for fill
// state. For the "timestamps" array it also returns the decoded values.
func inspectOne(ctx context.Context, store sat.ObjectStore, root, tile, constellation, name string, maxChunksScan int) (*ArrayReport, []string, error) {
	// mirrors archive.go's unexported archivePath: {root}/{tile}/{constellation}/{name}
	path := strings.Join([]string{root, tile, constellation, name}, "/")
	mapper := store.GetMapper(path)

	arr, err := sat.OpenArray(ctx, mapper)
	if err != nil {
		return nil, nil, err
	}

	desc := arr.Desc
	grid := chunkGridShape(desc)
	total := gridElementCount(grid)

	written, truncated := countWrittenChunks(ctx, mapper, grid, maxChunksScan)

	ar := &ArrayReport{
		Name:          name,
		Shape:         desc.Shape,
		Chunks:        desc.Chunks,
		Dtype:         desc.Dtype,
		Compressor:    desc.Compressor,
		ChunksTotal:   total,
		ChunksWritten: written,
		Truncated:     truncated,
	}

	var values []string
	if name == "timestamps" {
		values, err = arr.ReadAllTimestamps(ctx)
		if err != nil {
			return ar, nil, err
		}
	}
	return ar, values, nil
}

// chunkGridShape returns, per axis, how many chunks cover the array's
// logical shape (ceil(shape[i] / chunks[i])).
func chunkGridShape(desc sat.ArrayDescriptor) []int {
	grid := make([]int, len(desc.Shape))
	for i, n := range desc.Shape {
		c := desc.Chunks[i]
		if c <= 0 {
			c = 1
		}
		grid[i] = (n + c - 1) / c
	}
	return grid
}

func gridElementCount(grid []int) int {
	n := 1
	for _, g := range grid {
		n *= g
	}
	return n
}

// countWrittenChunks probes chunk existence across the grid's cartesian
// product, stopping after maxChunksScan probes on large archives. A
// truncated scan is reported rather than silently extrapolated.
func countWrittenChunks(ctx context.Context, mapper sat.ChunkStore, grid []int, maxChunksScan int) (written int, truncated bool) {
	coords := make([]int, len(grid))
	probed := 0

	var advance func(axis int) bool
	advance = func(axis int) bool {
		if axis < 0 {
			return false
		}
		coords[axis]++
		if coords[axis] < grid[axis] {
			return true
		}
		coords[axis] = 0
		return advance(axis - 1)
	}

	for {
		if probed >= maxChunksScan {
			truncated = true
			break
		}
		key := chunkKeyFor(coords)
		exists, err := mapper.Exists(ctx, key)
		probed++
		if err == nil && exists {
			written++
		}
		if !advance(len(grid) - 1) {
			break
		}
	}
	return written, truncated
}

// chunkKeyFor mirrors archive.go's unexported chunkKey: chunk coordinates
// joined by ".", the on-disk key convention for one chunk blob.
func chunkKeyFor(coords []int) string {
	parts := make([]string, len(coords))
	for i, c := range coords {
		parts[i] = fmt.Sprintf("%d", c)
	}
	return strings.Join(parts, ".")
}

func printReportJSON(report *ArchiveReport) {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(report); err != nil {
		fmt.Fprintf(os.Stderr, "error encoding JSON: %v\n", err)
		os.Exit(1)
	}
}

func printReportHuman(report *ArchiveReport, showTimestamps bool) {
	fmt.Println(strings.Repeat("=", 72))
	fmt.Printf("Archive: %s / %s / %s\n", report.Root, report.Tile, report.Constellation)
	fmt.Println(strings.Repeat("=", 72))

	printArray := func(label string, a *ArrayReport) {
		if a == nil {
			return
		}
		fmt.Printf("\n%s array:\n", label)
		fmt.Printf("  shape:      %v\n", a.Shape)
		fmt.Printf("  chunks:     %v\n", a.Chunks)
		fmt.Printf("  dtype:      %s\n", a.Dtype)
		fmt.Printf("  compressor: %s\n", a.Compressor)
		fmt.Printf("  chunks written: %d / %d", a.ChunksWritten, a.ChunksTotal)
		if a.Truncated {
			fmt.Printf(" (scan truncated, raise -max-chunks-scan for an exact count)")
		}
		fmt.Println()
	}

	printArray("data", report.Data)
	printArray("timestamps", report.Timestamps)

	if len(report.SensingTimes) > 0 {
		fmt.Printf("\nsensing times: %d recorded\n", len(report.SensingTimes))
		if showTimestamps {
			for _, t := range report.SensingTimes {
				fmt.Printf("  %s\n", t)
			}
		}
	}

	if len(report.Errors) > 0 {
		fmt.Println("\nerrors:")
		for _, e := range report.Errors {
			fmt.Printf("  %s\n", e)
		}
	}
	fmt.Println(strings.Repeat("=", 72))
}
