package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

func main() {
	// Parse flags
	configPath := flag.String("config", ".env", "Path to config file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	help := flag.Bool("help", false, "Show help message")
	flag.Parse()

	// Show help if requested or no arguments provided
	args := flag.Args()
	if *help || len(args) == 0 {
		showHelp()
		os.Exit(0)
	}

	command := args[0]

	// Setup logging
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))

	// Handle different commands
	switch command {
	case "simplify":
		cmdSimplify(args[1:], configPath)
	case "vote":
		cmdVote(args[1:], configPath)
	case "score":
		cmdScore(args[1:], configPath)
	case "nearby":
		cmdNearby(args[1:], configPath)
	case "overlay":
		cmdOverlay(args[1:], configPath)
	case "export":
		cmdExport(args[1:], configPath)
	case "verify":
		cmdVerify(args[1:], configPath)
	case "serve":
		cmdServe(args[1:], configPath)
	default:
		slog.Error("unknown command", "command", command)
		showHelp()
		os.Exit(1)
	}
}

// app holds the components shared by every command
type app struct {
	cfg     *Config
	store   RecordStore
	service *SafetyService
	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// newApp loads configuration and wires the record store, road client and
// safety service
func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	a := &app{cfg: cfg}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.store = store
	if closeStore != nil {
		a.closers = append(a.closers, closeStore)
	}

	profiles, err := LoadSimplifyProfiles(cfg.Voting.ProfilesPath)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to load simplify profiles: %w", err)
	}

	var roads RoadDataClient = NewOverpassClient(cfg.Overpass.URL,
		WithOverpassRetries(cfg.Overpass.Retries),
		WithOverpassWayFilter(cfg.Overpass.WayFilter),
	)
	if rdb := OpenRedis(cfg.Redis); rdb != nil {
		roads = NewCachedRoadDataClient(roads, rdb, cfg.Redis.TTL)
		a.closers = append(a.closers, func() { rdb.Close() })
	}

	aggregator := NewScoreAggregator(store, WithCoordinatePrecision(cfg.Voting.CoordPrecision))
	enricher := NewNearbyRoadEnricher(roads, store, WithPaging(cfg.Service.PerPage, cfg.Service.MaxPages))
	a.service = NewSafetyService(aggregator, enricher, profiles, cfg.Voting)

	slog.Debug("service initialized", "store", cfg.Service.Store, "profiles", len(profiles))
	return a, nil
}

// openStore opens the configured record store backend
func openStore(ctx context.Context, cfg *Config) (RecordStore, func(), error) {
	switch cfg.Service.Store {
	case StorePostgres:
		db, err := NewDatabase(cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		if err := db.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return db, func() { db.Close() }, nil
	case StorePocketBase:
		client := &http.Client{Timeout: 30 * time.Second}
		return NewPocketBaseStore(cfg.PocketBase.URL, cfg.PocketBase.Token, client), nil, nil
	case StoreMemory:
		slog.Warn("using in-memory store, votes are lost on exit")
		return NewMemoryStore(), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Service.Store)
}

// signalContext returns a context cancelled on SIGINT/SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received shutdown signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}

func mustApp(ctx context.Context, configPath string) *app {
	a, err := newApp(ctx, configPath)
	if err != nil {
		slog.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	return a
}

// writeJSON writes v as indented JSON to path, or stdout when path is empty
func writeJSON(path string, v interface{}) error {
	var w io.Writer = os.Stdout
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// cmdSimplify reduces a route to voting waypoints
func cmdSimplify(args []string, configPath *string) {
	fs := flag.NewFlagSet("simplify", flag.ExitOnError)
	profile := fs.String("profile", "", "Threshold profile name (default \"default\")")
	distance := fs.Float64("distance", -1, "Distance threshold in meters (overrides profile)")
	angle := fs.Float64("angle", -1, "Angle threshold in degrees (overrides profile)")
	enrich := fs.Bool("enrich", false, "Fetch nearby roads for every waypoint")
	radius := fs.Float64("radius", 0, "Nearby road radius in meters (default from config)")
	out := fs.String("out", "", "Write the route plan to a file instead of stdout")
	fs.Parse(reorderFlagsFirst(fs, args))

	if fs.NArg() != 1 {
		slog.Error("route file or \"lat,lng;lat,lng;...\" required")
		os.Exit(1)
	}

	var polyline []Point
	var err error
	if _, statErr := os.Stat(fs.Arg(0)); statErr == nil {
		polyline, err = LoadRoute(fs.Arg(0))
	} else {
		polyline, err = ParseRouteCoordinates(fs.Arg(0))
	}
	if err != nil {
		slog.Error("failed to read route", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signalContext()
	defer cancel()

	a := mustApp(ctx, *configPath)
	defer a.Close()

	req := RouteRequest{Polyline: polyline, Profile: *profile, Enrich: *enrich, Radius: *radius}
	if *distance >= 0 {
		req.DistanceThreshold = distance
	}
	if *angle >= 0 {
		req.AngleThreshold = angle
	}

	plan, err := a.service.PrepareRoute(ctx, req)
	if err != nil {
		slog.Error("simplify failed", "error", err)
		os.Exit(1)
	}

	slog.Info("route simplified",
		"profile", plan.Profile.Name,
		"input_points", plan.InputPoints,
		"waypoints", len(plan.Waypoints),
		"fetch_failures", plan.FetchFailures)

	if err := writeJSON(*out, plan); err != nil {
		slog.Error("failed to write route plan", "error", err)
		os.Exit(1)
	}
}

// cmdVote applies one vote
func cmdVote(args []string, configPath *string) {
	fs := flag.NewFlagSet("vote", flag.ExitOnError)
	fs.Parse(reorderFlagsFirst(fs, args))

	if fs.NArg() != 2 {
		slog.Error("usage: vote <lat,lng> <up|down>")
		os.Exit(1)
	}
	location, err := ParsePoint(fs.Arg(0))
	if err != nil {
		slog.Error("invalid location", "error", err)
		os.Exit(1)
	}
	vote, err := ParseVoteDirection(fs.Arg(1))
	if err != nil {
		slog.Error("invalid vote", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signalContext()
	defer cancel()

	a := mustApp(ctx, *configPath)
	defer a.Close()

	result, err := a.service.Vote(ctx, location, vote)
	if err != nil {
		slog.Error("vote failed", "error", err)
		a.Close()
		os.Exit(1)
	}

	// Let enrichment of a new location finish before the store is closed
	a.service.Wait()

	slog.Info("vote applied", "location", result.Location, "score", result.Score, "created", result.Created)
	if err := writeJSON("", result); err != nil {
		slog.Error("failed to write result", "error", err)
		os.Exit(1)
	}
}

// cmdScore prints the current score at a location
func cmdScore(args []string, configPath *string) {
	fs := flag.NewFlagSet("score", flag.ExitOnError)
	fs.Parse(reorderFlagsFirst(fs, args))

	if fs.NArg() != 1 {
		slog.Error("usage: score <lat,lng>")
		os.Exit(1)
	}
	location, err := ParsePoint(fs.Arg(0))
	if err != nil {
		slog.Error("invalid location", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signalContext()
	defer cancel()

	a := mustApp(ctx, *configPath)
	defer a.Close()

	score, err := a.service.CurrentScore(ctx, location)
	if err != nil {
		slog.Error("score lookup failed", "error", err)
		a.Close()
		os.Exit(1)
	}
	fmt.Printf("%g\n", score)
}

// cmdNearby prints the roads around a location as coloured GeoJSON
func cmdNearby(args []string, configPath *string) {
	fs := flag.NewFlagSet("nearby", flag.ExitOnError)
	radius := fs.Float64("radius", 0, "Search radius in meters (default from config)")
	out := fs.String("out", "", "Write GeoJSON to a file instead of stdout")
	fs.Parse(reorderFlagsFirst(fs, args))

	if fs.NArg() != 1 {
		slog.Error("usage: nearby [options] <lat,lng>")
		os.Exit(1)
	}
	location, err := ParsePoint(fs.Arg(0))
	if err != nil {
		slog.Error("invalid location", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signalContext()
	defer cancel()

	a := mustApp(ctx, *configPath)
	defer a.Close()

	segments, err := a.service.Nearby(ctx, location, *radius)
	if err != nil {
		slog.Error("nearby query failed", "error", err)
		a.Close()
		os.Exit(1)
	}
	score, err := a.service.CurrentScore(ctx, location)
	if err != nil {
		slog.Warn("score lookup failed, colouring as neutral", "error", err)
	}

	slog.Info("nearby roads", "location", location, "segments", len(segments), "score", score)
	if err := writeJSON(*out, SegmentFeatures(segments, score)); err != nil {
		slog.Error("failed to write GeoJSON", "error", err)
		os.Exit(1)
	}
}

// cmdOverlay prints every cached way coloured by score
func cmdOverlay(args []string, configPath *string) {
	fs := flag.NewFlagSet("overlay", flag.ExitOnError)
	out := fs.String("out", "", "Write GeoJSON to a file instead of stdout")
	fs.Parse(args)

	ctx, cancel := signalContext()
	defer cancel()

	a := mustApp(ctx, *configPath)
	defer a.Close()

	fc, err := a.service.Overlay(ctx)
	if err != nil {
		slog.Error("overlay failed", "error", err)
		a.Close()
		os.Exit(1)
	}

	slog.Info("overlay built", "features", len(fc.Features))
	if err := writeJSON(*out, fc); err != nil {
		slog.Error("failed to write GeoJSON", "error", err)
		os.Exit(1)
	}
}

// cmdExport publishes the overlay to S3-compatible storage
func cmdExport(args []string, configPath *string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	keep := fs.Int("keep", 10, "Number of overlay snapshots to keep (-1 = keep all)")
	fs.Parse(args)

	ctx, cancel := signalContext()
	defer cancel()

	a := mustApp(ctx, *configPath)
	defer a.Close()

	s3Client, err := NewS3Client(a.cfg.S3)
	if err != nil {
		slog.Error("failed to initialize S3 client", "error", err)
		a.Close()
		os.Exit(1)
	}

	fc, err := a.service.Overlay(ctx)
	if err != nil {
		slog.Error("overlay failed", "error", err)
		a.Close()
		os.Exit(1)
	}

	report, err := ExportOverlay(ctx, s3Client, fc, time.Now(), *keep)
	if err != nil {
		slog.Error("export failed", "error", err)
		a.Close()
		os.Exit(1)
	}

	slog.Info("export completed",
		"features", report.Features,
		"snapshot", report.SnapshotKey,
		"url", report.LatestURL,
		"verified", report.Verified)
	if !report.Verified {
		a.Close()
		os.Exit(1)
	}
}

// cmdVerify checks the record store for duplicate and orphaned records
func cmdVerify(args []string, configPath *string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	fs.Parse(args)

	ctx, cancel := signalContext()
	defer cancel()

	a := mustApp(ctx, *configPath)
	defer a.Close()

	report, err := VerifyStore(ctx, a.store, a.cfg.Service.PerPage, a.cfg.Service.MaxPages)
	if err != nil {
		slog.Error("verification failed", "error", err)
		a.Close()
		os.Exit(1)
	}

	report.Print()
	if !report.OK {
		a.Close()
		os.Exit(1)
	}
}

// cmdServe starts the REST API server
func cmdServe(args []string, configPath *string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	port := fs.Int("port", 0, "Port to listen on (default from PORT or 8080)")
	fs.Parse(args)

	ctx, cancel := signalContext()
	defer cancel()

	a := mustApp(ctx, *configPath)
	defer a.Close()

	if *port == 0 {
		*port = a.cfg.Service.Port
	}

	apiServer := NewAPIServer(a.service, a.store, a.cfg)
	if err := apiServer.Start(ctx, *port); err != nil {
		slog.Error("server failed", "error", err)
		a.Close()
		os.Exit(1)
	}
	slog.Info("server stopped")
}

// reorderFlagsFirst moves flag arguments before positional arguments so Go's
// flag package parses them correctly. Go's flag stops at the first non-flag arg.
// This allows "nearby 45.5,-122.6 -radius 50" to work like "-radius 50 45.5,-122.6".
// Boolean flags never consume the following argument.
func reorderFlagsFirst(fs *flag.FlagSet, args []string) []string {
	var flags, positional []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		// A bare "-" or a negative coordinate like "-33.9,18.4" is positional
		if !strings.HasPrefix(arg, "-") || arg == "-" || isNumericArg(arg) {
			positional = append(positional, arg)
			continue
		}
		flags = append(flags, arg)
		if strings.Contains(arg, "=") || i+1 >= len(args) {
			continue
		}
		name := strings.TrimLeft(arg, "-")
		if f := fs.Lookup(name); f != nil {
			if bf, ok := f.Value.(interface{ IsBoolFlag() bool }); ok && bf.IsBoolFlag() {
				continue
			}
		}
		// "--key value" form: grab the next arg as the value
		i++
		flags = append(flags, args[i])
	}
	return append(flags, positional...)
}

func isNumericArg(arg string) bool {
	return len(arg) > 1 && (arg[1] >= '0' && arg[1] <= '9' || arg[1] == '.')
}

func showHelp() {
	help := `Vote Service - Road safety voting along simplified routes

Usage:
  vote-service [global options] <command> [command options] [arguments]

Global Options:
  -config string        Path to .env configuration file (default ".env")
  -debug                Enable debug logging
  -help                 Show this help message

Commands:
  simplify              Reduce a route to the waypoints a user votes on
  vote                  Apply an up/down safety vote at a location
  score                 Print the current safety score at a location
  nearby                Print the roads around a location as GeoJSON
  overlay               Print every cached road coloured by safety score
  export                Publish the overlay to S3-compatible storage
  verify                Check the record store for duplicate or orphaned records
  serve                 Start the REST API server

Simplify Command:
  Usage: vote-service simplify [options] <route_file | "lat,lng;lat,lng;...">

  Arguments:
    <route_file>          GeoJSON (.geojson/.json), KML (.kml) or KMZ (.kmz) route

  Options:
    -profile string       Threshold profile from SIMPLIFY_PROFILES (default "default")
    -distance float       Distance threshold in meters (overrides profile)
    -angle float          Angle threshold in degrees (overrides profile)
    -enrich               Fetch nearby roads for every waypoint
    -radius float         Nearby road radius in meters
    -out string           Write the route plan to a file

Vote Command:
  Usage: vote-service vote <lat,lng> <up|down>

  Description:
    Seeds a new location at +/-51 or moves an existing score 20% of the way
    toward +/-255. Roads around a new location are cached when ENRICH_ON_CREATE
    is set.

Score Command:
  Usage: vote-service score <lat,lng>

Nearby Command:
  Usage: vote-service nearby [options] <lat,lng>

  Options:
    -radius float         Search radius in meters (default NEARBY_RADIUS_METERS)
    -out string           Write GeoJSON to a file

Overlay Command:
  Usage: vote-service overlay [-out file]

Export Command:
  Usage: vote-service export [-keep n]

  Description:
    Uploads the overlay as a timestamped snapshot and as latest.geojson under
    S3_BUCKET_PATH, then prunes old snapshots beyond -keep (default 10).

Verify Command:
  Usage: vote-service verify

  Description:
    Reports locations stored more than once, geometries without a feature,
    features without properties, and ways whose feature is missing.
    Exits non-zero when any are found.

Serve Command:
  Usage: vote-service serve [-port n]

  Endpoints:
    POST /api/routes/simplify   Simplify a polyline (optionally with nearby roads)
    POST /api/votes             Apply a vote {lat, lng, vote}
    GET  /api/score             Current score ?lat=&lng=
    GET  /api/nearby            Nearby roads ?lat=&lng=&radius=
    GET  /api/overlay           Coloured overlay of cached roads
    GET  /api/verify            Store integrity report
    GET  /health                Health check
    GET  /metrics               Prometheus metrics

Configuration (.env / .env.local):
  STORE_BACKEND         postgres | pocketbase | memory (default postgres)
  DB_HOST, DB_PORT, DB_USER, DB_PASSWORD, DB_NAME, DB_SSLMODE
  POCKETBASE_URL, POCKETBASE_TOKEN
  OVERPASS_URL, OVERPASS_RETRIES, OVERPASS_WAY_FILTER
  REDIS_ADDR (or REDIS_HOST/REDIS_PORT), REDIS_PASS, REDIS_DB, REDIS_TTL_SECONDS
  S3_ENDPOINT, S3_ACCESS_KEY_ID, S3_SECRET_ACCESS_KEY, S3_REGION, S3_BUCKET,
  S3_BUCKET_PATH, S3_PUBLIC_BASE_URL
  VOTE_COORD_PRECISION  Decimal places locations are snapped to (-1 = exact)
  NEARBY_RADIUS_METERS  Default road search radius (default 30)
  ENRICH_ON_CREATE      Cache nearby roads for new locations (default true)
  ENRICH_TIMEOUT_SECONDS, ENRICH_WORKERS
  GOOGLE_MAPS_API_KEY   Adds Street View preview URLs to waypoints
  SIMPLIFY_PROFILES     YAML file of threshold profiles (default profiles.yaml)
  LOG_FORMAT            text | json
`
	fmt.Print(help)
}
