// Command satextract ties the Tiler, Scheduler, Archive Preparer, and
// message bus together behind one CLI, mirroring the teacher's
// subcommand-dispatch main.go.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	sat "github.com/frontierdevlab/sat-extractor"
)

func main() {
	configPath := flag.String("config", ".", "directory to load .env/.env.local from")
	debug := flag.Bool("debug", false, "enable debug logging")
	help := flag.Bool("help", false, "show help message")
	flag.Parse()

	args := flag.Args()
	if *help || len(args) == 0 {
		showHelp()
		os.Exit(0)
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	command := args[0]
	rest := args[1:]

	switch command {
	case "tile":
		cmdTile(rest, configPath)
	case "stac":
		cmdStac(rest, configPath)
	case "schedule":
		cmdSchedule(rest, configPath)
	case "prepare":
		cmdPrepare(rest, configPath)
	case "build":
		cmdBuild(rest, configPath)
	case "deploy":
		cmdDeploy(rest, configPath)
	default:
		slog.Error("unknown command", "command", command)
		showHelp()
		os.Exit(1)
	}
}

func withSignals() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()
	return ctx, cancel
}

// loadRegion reads a GeoJSON Polygon or MultiPolygon geometry file and
// returns it as an orb.MultiPolygon, normalizing a bare Polygon to a
// single-element MultiPolygon.
func loadRegion(path string) (orb.MultiPolygon, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read region file: %w", err)
	}
	var generic struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("parse region file: %w", err)
	}
	switch generic.Type {
	case "MultiPolygon":
		var g struct {
			Coordinates orb.MultiPolygon `json:"coordinates"`
		}
		if err := json.Unmarshal(raw, &g); err != nil {
			return nil, fmt.Errorf("parse multipolygon: %w", err)
		}
		return g.Coordinates, nil
	case "Polygon":
		var g struct {
			Coordinates orb.Polygon `json:"coordinates"`
		}
		if err := json.Unmarshal(raw, &g); err != nil {
			return nil, fmt.Errorf("parse polygon: %w", err)
		}
		return orb.MultiPolygon{g.Coordinates}, nil
	default:
		return nil, fmt.Errorf("unsupported region geometry type %q", generic.Type)
	}
}

func newS3Store(ctx context.Context, cfg *sat.Config) (sat.ObjectStore, error) {
	return sat.NewS3Store(ctx, cfg.S3)
}

// newMonitorFromConfig picks PGMonitor when DATABASE_URL is set, falling
// back to StdoutMonitor otherwise — the same selection cmd/worker/main.go
// makes for the HTTP dispatch service, reused here so `deploy`'s
// in-process fallback reports task status the same way a real worker
// would.
func newMonitorFromConfig(ctx context.Context, cfg *sat.Config) (sat.Monitor, func()) {
	if cfg.Database.URL == "" {
		return sat.StdoutMonitor{}, func() {}
	}
	pgMonitor, err := sat.NewPGMonitor(ctx, cfg.Database.URL, cfg.Service.MonitorTable)
	if err != nil {
		slog.Warn("failed to connect monitor database, falling back to stdout", "error", err)
		return sat.StdoutMonitor{}, func() {}
	}
	return pgMonitor, func() { pgMonitor.Close() }
}

// newSQSBusFromConfig builds an SQSBus using the AWS SDK's standard
// credential discovery chain (the same default the teacher's S3Client
// falls back to when no static credentials are configured).
func newSQSBusFromConfig(ctx context.Context, cfg *sat.Config) (*sat.SQSBus, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client := sqs.NewFromConfig(awsCfg)
	return sat.NewSQSBus(client, cfg.Bus.DLQURL), nil
}

// cmdTile partitions a region into UTM tiles and writes them as a JSON
// array to stdout or a file.
func cmdTile(args []string, configPath *string) {
	fs := flag.NewFlagSet("tile", flag.ExitOnError)
	out := fs.String("out", "", "output file (default stdout)")
	fs.Parse(args)

	parsed := fs.Args()
	if len(parsed) == 0 {
		slog.Error("region file required")
		os.Exit(1)
	}

	cfg, err := sat.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	region, err := loadRegion(parsed[0])
	if err != nil {
		slog.Error("failed to load region", "error", err)
		os.Exit(1)
	}

	tiles, err := sat.SplitRegion(region, cfg.Tiler.BBoxSizeM)
	if err != nil {
		slog.Error("tiling failed", "error", err)
		os.Exit(1)
	}
	slog.Info("tiler produced tiles", "count", len(tiles))

	writeJSON(*out, tiles)
}

// cmdStac queries the catalog for a region/date range/constellation and
// dumps the resulting item collection as JSON.
func cmdStac(args []string, configPath *string) {
	fs := flag.NewFlagSet("stac", flag.ExitOnError)
	constellation := fs.String("constellation", "", "constellation to query")
	out := fs.String("out", "", "output file (default stdout)")
	fs.Parse(args)

	parsed := fs.Args()
	if len(parsed) == 0 {
		slog.Error("region file required")
		os.Exit(1)
	}

	cfg, err := sat.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *constellation == "" {
		slog.Error("-constellation is required")
		os.Exit(1)
	}

	region, err := loadRegion(parsed[0])
	if err != nil {
		slog.Error("failed to load region", "error", err)
		os.Exit(1)
	}

	start, end, err := parseDateRange(cfg.StartDate, cfg.EndDate)
	if err != nil {
		slog.Error("invalid date range", "error", err)
		os.Exit(1)
	}

	ctx, cancel := withSignals()
	defer cancel()

	catalog, err := sat.NewPGCatalog(ctx, cfg.Database.URL)
	if err != nil {
		slog.Error("failed to connect to catalog database", "error", err)
		os.Exit(1)
	}
	defer catalog.Close()

	items, err := catalog.Query(ctx, region, start, end, *constellation)
	if err != nil {
		slog.Error("catalog query failed", "error", err)
		os.Exit(1)
	}
	slog.Info("catalog query complete", "items", len(items))

	writeJSON(*out, items)
}

// cmdSchedule clusters tiles and catalog items into ExtractionTasks.
func cmdSchedule(args []string, configPath *string) {
	fs := flag.NewFlagSet("schedule", flag.ExitOnError)
	tilesFile := fs.String("tiles", "", "tiles JSON file (from `tile`)")
	itemsFile := fs.String("items", "", "item collection JSON file (from `stac`)")
	out := fs.String("out", "", "output file (default stdout)")
	mosaicMethod := fs.String("mosaic-method", "", "mosaic merge policy stamped onto every task: \"first\" or \"max\" (default: Extract's own default)")
	fs.Parse(args)

	cfg, err := sat.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *tilesFile == "" || *itemsFile == "" {
		slog.Error("-tiles and -items are required")
		os.Exit(1)
	}

	var tiles []sat.Tile
	if err := readJSON(*tilesFile, &tiles); err != nil {
		slog.Error("failed to read tiles", "error", err)
		os.Exit(1)
	}
	var items []sat.CatalogItem
	if err := readJSON(*itemsFile, &items); err != nil {
		slog.Error("failed to read items", "error", err)
		os.Exit(1)
	}

	ctx, cancel := withSignals()
	defer cancel()

	store, err := newS3Store(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize object store", "error", err)
		os.Exit(1)
	}

	tasks, err := sat.Schedule(ctx, store, tiles, items, sat.ScheduleOptions{
		Constellations: cfg.Constellations,
		Bands:          cfg.Bands,
		IntervalDays:   cfg.Scheduler.IntervalDays,
		SplitM:         cfg.Scheduler.SplitM,
		Overwrite:      cfg.Scheduler.Overwrite,
		ArchiveRoot:    cfg.StorageRoot,
		Workers:        4,
		MosaicMethod:   *mosaicMethod,
	})
	if err != nil {
		slog.Error("scheduling failed", "error", err)
		os.Exit(1)
	}
	slog.Info("schedule complete", "tasks", len(tasks))

	writeJSON(*out, tasks)
}

// cmdPrepare creates/resizes archive arrays for a set of tiles.
func cmdPrepare(args []string, configPath *string) {
	fs := flag.NewFlagSet("prepare", flag.ExitOnError)
	tilesFile := fs.String("tiles", "", "tiles JSON file (from `tile`)")
	sensingTimesFile := fs.String("sensing-times", "", "per-tile/constellation sensing times JSON file")
	fs.Parse(args)

	cfg, err := sat.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *tilesFile == "" {
		slog.Error("-tiles is required")
		os.Exit(1)
	}

	var tiles []sat.Tile
	if err := readJSON(*tilesFile, &tiles); err != nil {
		slog.Error("failed to read tiles", "error", err)
		os.Exit(1)
	}

	sensingTimes := map[string]map[string][]string{}
	if *sensingTimesFile != "" {
		if err := readJSON(*sensingTimesFile, &sensingTimes); err != nil {
			slog.Error("failed to read sensing times", "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := withSignals()
	defer cancel()

	store, err := newS3Store(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize object store", "error", err)
		os.Exit(1)
	}

	err = sat.Prepare(ctx, store, tiles, sat.PrepareOptions{
		Root:           cfg.StorageRoot,
		Constellations: cfg.Constellations,
		PatchSize:      cfg.Preparer.PatchSizeM,
		ChunkSize:      cfg.Preparer.ChunkSize,
		SensingTimes:   sensingTimes,
		Overwrite:      cfg.Scheduler.Overwrite,
		Workers:        4,
		MaskNames:      cfg.Preparer.MaskNames,
	})
	if err != nil {
		slog.Error("preparation failed", "error", err)
		os.Exit(1)
	}
	slog.Info("preparation complete", "tiles", len(tiles))
}

// cmdBuild runs tile -> stac -> schedule -> prepare end to end for a
// region, the common case for a first-time extraction of an area.
func cmdBuild(args []string, configPath *string) {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	mosaicMethod := fs.String("mosaic-method", "", "mosaic merge policy stamped onto every task: \"first\" or \"max\" (default: Extract's own default)")
	fs.Parse(args)

	parsed := fs.Args()
	if len(parsed) == 0 {
		slog.Error("region file required")
		os.Exit(1)
	}

	cfg, err := sat.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	region, err := loadRegion(parsed[0])
	if err != nil {
		slog.Error("failed to load region", "error", err)
		os.Exit(1)
	}

	ctx, cancel := withSignals()
	defer cancel()

	tiles, err := sat.SplitRegion(region, cfg.Tiler.BBoxSizeM)
	if err != nil {
		slog.Error("tiling failed", "error", err)
		os.Exit(1)
	}
	slog.Info("tiler produced tiles", "count", len(tiles))

	store, err := newS3Store(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize object store", "error", err)
		os.Exit(1)
	}

	catalog, err := sat.NewPGCatalog(ctx, cfg.Database.URL)
	if err != nil {
		slog.Error("failed to connect to catalog database", "error", err)
		os.Exit(1)
	}
	defer catalog.Close()

	start, end, err := parseDateRange(cfg.StartDate, cfg.EndDate)
	if err != nil {
		slog.Error("invalid date range", "error", err)
		os.Exit(1)
	}

	var allItems []sat.CatalogItem
	for _, c := range cfg.Constellations {
		items, err := catalog.Query(ctx, region, start, end, c)
		if err != nil {
			slog.Error("catalog query failed", "constellation", c, "error", err)
			os.Exit(1)
		}
		slog.Info("catalog query complete", "constellation", c, "items", len(items))
		allItems = append(allItems, items...)
	}

	// Schedule before Prepare: a task's (tile, constellation, sensing_time)
	// triples are exactly the set of archive time-axis entries the
	// Preparer needs to allocate, so deriving sensingTimes from the
	// scheduled tasks keeps the two steps in lockstep without
	// re-deriving the Scheduler's tile/item intersection by hand.
	tasks, err := sat.Schedule(ctx, store, tiles, allItems, sat.ScheduleOptions{
		Constellations: cfg.Constellations,
		Bands:          cfg.Bands,
		IntervalDays:   cfg.Scheduler.IntervalDays,
		SplitM:         cfg.Scheduler.SplitM,
		Overwrite:      cfg.Scheduler.Overwrite,
		ArchiveRoot:    cfg.StorageRoot,
		Workers:        4,
		MosaicMethod:   *mosaicMethod,
	})
	if err != nil {
		slog.Error("scheduling failed", "error", err)
		os.Exit(1)
	}
	slog.Info("scheduler produced tasks", "count", len(tasks))

	sensingTimes := sensingTimesFromTasks(tasks)
	if err := sat.Prepare(ctx, store, tiles, sat.PrepareOptions{
		Root:           cfg.StorageRoot,
		Constellations: cfg.Constellations,
		PatchSize:      cfg.Preparer.PatchSizeM,
		ChunkSize:      cfg.Preparer.ChunkSize,
		SensingTimes:   sensingTimes,
		Overwrite:      cfg.Scheduler.Overwrite,
		Workers:        4,
		MaskNames:      cfg.Preparer.MaskNames,
	}); err != nil {
		slog.Error("preparation failed", "error", err)
		os.Exit(1)
	}
	slog.Info("build complete", "tasks", len(tasks))

	writeJSON("", tasks)
}

// cmdDeploy publishes a set of ExtractionTasks to the message bus.
func cmdDeploy(args []string, configPath *string) {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	tasksFile := fs.String("tasks", "", "ExtractionTask JSON array file (from `schedule`)")
	jobID := fs.String("job-id", "", "job ID to stamp onto each published message (default: a generated UUID)")
	fs.Parse(args)

	if *jobID == "" {
		// matches the teacher's api.go, which generates jobID :=
		// uuid.New().String() rather than requiring callers to supply one.
		generated := uuid.New().String()
		jobID = &generated
	}

	cfg, err := sat.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *tasksFile == "" {
		slog.Error("-tasks is required")
		os.Exit(1)
	}

	var tasks []sat.ExtractionTask
	if err := readJSON(*tasksFile, &tasks); err != nil {
		slog.Error("failed to read tasks", "error", err)
		os.Exit(1)
	}

	ctx, cancel := withSignals()
	defer cancel()

	if cfg.Bus.QueueURL == "" {
		// BusConfig's doc comment: empty URLs mean "use the in-process
		// bus" (local/test runs). Publish onto an InProcessBus
		// and drain it with a real Worker in the same process, rather than
		// requiring a standing SQS queue for a single-machine dry run.
		deployLocal(ctx, cfg, tasks, *jobID)
		return
	}

	bus, err := newSQSBusFromConfig(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize message bus", "error", err)
		os.Exit(1)
	}

	published := 0
	for _, task := range tasks {
		bandsOrder, ok := sat.BandNamesFor(task.Constellation)
		if !ok {
			slog.Error("unknown constellation, skipping task", "task_id", task.TaskID, "constellation", task.Constellation)
			continue
		}
		payload, err := json.Marshal(struct {
			StorageGSPath  string             `json:"storage_gs_path"`
			JobID          string             `json:"job_id"`
			ExtractionTask sat.ExtractionTask `json:"extraction_task"`
			Bands          []string           `json:"bands"`
			Chunks         [4]int             `json:"chunks"`
		}{
			StorageGSPath:  cfg.StorageRoot,
			JobID:          *jobID,
			ExtractionTask: task,
			Bands:          bandsOrder,
			Chunks:         [4]int{1, 1, cfg.Preparer.ChunkSize, cfg.Preparer.ChunkSize},
		})
		if err != nil {
			slog.Error("failed to marshal task", "task_id", task.TaskID, "error", err)
			continue
		}
		if err := bus.Publish(ctx, cfg.Bus.QueueURL, payload); err != nil {
			slog.Error("failed to publish task", "task_id", task.TaskID, "error", err)
			continue
		}
		published++
	}
	slog.Info("deploy complete", "published", published, "total", len(tasks))
}

// deployLocal runs every task to completion in this process via an
// InProcessBus, for operators without a standing SQS queue. Each task is
// published onto a single topic and immediately picked up by a Worker
// goroutine draining that same bus, so the end-to-end publish/subscribe
// path exercises the same Bus contract the SQS-backed `deploy` uses.
func deployLocal(ctx context.Context, cfg *sat.Config, tasks []sat.ExtractionTask, jobID string) {
	if len(cfg.Constellations) == 0 {
		slog.Error("CONSTELLATIONS must name at least one constellation")
		os.Exit(1)
	}
	patchResolution, ok := sat.MinGSD(cfg.Constellations[0])
	if !ok {
		slog.Error("unknown constellation", "constellation", cfg.Constellations[0])
		os.Exit(1)
	}

	store, err := newS3Store(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize object store", "error", err)
		os.Exit(1)
	}
	monitor, closeMonitor := newMonitorFromConfig(ctx, cfg)
	defer closeMonitor()
	worker := sat.NewWorker(store, monitor, cfg.StorageRoot, patchResolution, patchResolution)

	const topic = "local-deploy"
	bus := sat.NewInProcessBus(len(tasks))

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	var wg sync.WaitGroup
	wg.Add(len(tasks))
	go func() {
		wg.Wait()
		runCancel()
	}()

	var mu sync.Mutex
	failed := 0
	go bus.Subscribe(runCtx, topic, 1, func(payload []byte) error {
		defer wg.Done()
		var task sat.ExtractionTask
		if err := json.Unmarshal(payload, &task); err != nil {
			slog.Error("failed to unmarshal task", "error", err)
			mu.Lock()
			failed++
			mu.Unlock()
			return err
		}
		if _, err := worker.RunTask(runCtx, jobID, cfg.StorageRoot, task); err != nil {
			mu.Lock()
			failed++
			mu.Unlock()
			return err
		}
		return nil
	})

	published := 0
	for _, task := range tasks {
		payload, err := json.Marshal(task)
		if err != nil {
			slog.Error("failed to marshal task", "task_id", task.TaskID, "error", err)
			wg.Done()
			continue
		}
		if err := bus.Publish(runCtx, topic, payload); err != nil {
			slog.Error("failed to enqueue task", "task_id", task.TaskID, "error", err)
			wg.Done()
			continue
		}
		published++
	}

	wg.Wait()
	slog.Info("local deploy complete", "published", published, "total", len(tasks), "failed", failed)
	if failed > 0 {
		os.Exit(1)
	}
}

// sensingTimesFromTasks collapses a task list into the
// {tile_id: {constellation: [times...]}} shape Prepare expects, one
// entry per distinct (tile, constellation, sensing_time) triple a
// scheduled task names.
func sensingTimesFromTasks(tasks []sat.ExtractionTask) map[string]map[string][]string {
	seen := map[string]map[string]map[string]bool{}
	for _, t := range tasks {
		// RFC3339 on a UTC time.Time renders the same "...Z" suffix the
		// archive's own isoLayout constant uses internally.
		ts := t.SensingTime.UTC().Format(time.RFC3339)
		for _, tile := range t.Tiles {
			byConstellation, ok := seen[tile.ID()]
			if !ok {
				byConstellation = map[string]map[string]bool{}
				seen[tile.ID()] = byConstellation
			}
			times, ok := byConstellation[t.Constellation]
			if !ok {
				times = map[string]bool{}
				byConstellation[t.Constellation] = times
			}
			times[ts] = true
		}
	}

	out := map[string]map[string][]string{}
	for tileID, byConstellation := range seen {
		out[tileID] = map[string][]string{}
		for constellation, times := range byConstellation {
			for ts := range times {
				out[tileID][constellation] = append(out[tileID][constellation], ts)
			}
		}
	}
	return out
}

func parseDateRange(startDate, endDate string) (time.Time, time.Time, error) {
	start, err := time.Parse("2006-01-02", startDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse start_date: %w", err)
	}
	end, err := time.Parse("2006-01-02", endDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse end_date: %w", err)
	}
	return start, end, nil
}

func writeJSON(path string, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		slog.Error("failed to marshal output", "error", err)
		os.Exit(1)
	}
	if path == "" {
		fmt.Println(string(data))
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		slog.Error("failed to write output", "path", path, "error", err)
		os.Exit(1)
	}
}

func readJSON(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func showHelp() {
	help := `satextract - discover, tile, schedule, and prepare satellite imagery extraction

Usage:
  satextract [global options] <command> [command options] [arguments]

Global Options:
  -config string   Directory to load .env/.env.local from (default ".")
  -debug           Enable debug logging
  -help            Show this help message

Commands:
  tile       Partition a GeoJSON region into UTM tiles
  stac       Query the catalog and dump matching scenes
  schedule   Cluster tiles/scenes into ExtractionTasks
  prepare    Create/resize archive arrays for a set of tiles
  build      Run tile -> stac -> schedule -> prepare end to end
  deploy     Publish ExtractionTasks to the message bus

Examples:
  satextract tile -out tiles.json region.geojson
  satextract stac -constellation sentinel-2 -out items.json region.geojson
  satextract prepare -tiles tiles.json
  satextract schedule -tiles tiles.json -items items.json -out tasks.json
  satextract deploy -tasks tasks.json -job-id job-1
  satextract build region.geojson
`
	fmt.Print(help)
}
