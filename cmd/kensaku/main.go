// Package main is the Kensaku CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kensaku/internal/cli"
	"github.com/hyperjump/kensaku/internal/config"
	"github.com/hyperjump/kensaku/internal/models"
	"github.com/hyperjump/kensaku/internal/pipeline"
	"github.com/hyperjump/kensaku/internal/server"
	"github.com/hyperjump/kensaku/pkg/utils"
)

var version = "dev"

const (
	defaultConfigPath = "/usr/local/etc/kensaku/config.yaml"
	defaultServerURL  = "http://localhost:8080"
	defaultOrgID      = "local"
)

// loadConfig loads config from path. When path is the default, it first looks for
// config.yaml in the current directory so that running from a project dir picks up
// the project's config. Returns the config and the path that was actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "search":
		runSearch()
	case "index":
		runIndex()
	case "delete":
		runDelete()
	case "chunk":
		runChunk()
	case "quota":
		runQuota()
	case "status":
		runStatus()
	case "version", "--version", "-v":
		fmt.Printf("kensaku version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

// session is a loaded config with its logger and components, used by direct-mode commands.
type session struct {
	cfg        *config.Config
	logger     *zap.Logger
	components *Components
}

func (s *session) Close() {
	s.components.Close()
	_ = s.logger.Sync()
}

func openSession(configPath string, debug bool) *session {
	cfg, resolved, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logger.Debug("config loaded", zap.String("config_path", resolved), zap.Bool("debug", debugMode))
	components, err := initializeComponents(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	return &session{cfg: cfg, logger: logger, components: components}
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])

	sess := openSession(*configPath, *debug)
	defer sess.Close()
	cfg, logger := sess.cfg, sess.logger

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	sess.components.RunBackground(bgCtx, cfg)

	srv := server.NewServer(
		sess.components.Service,
		sess.components.Metrics,
		&cfg.Server,
		logger,
		cfg.Storage.DatabasePath,
		cfg.Storage.BleveIndexPath,
		cfg.Storage.CachePath,
	)
	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	bgCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(ctx)
}

// printSearchUsage prints search subcommand usage.
func printSearchUsage(fs *flag.FlagSet) {
	fmt.Fprintf(fs.Output(), "Usage: kensaku search [flags] <query>\n\n")
	fmt.Fprintf(fs.Output(), "Query is all remaining arguments joined by spaces. Multi-word queries work with or without quotes.\n\n")
	fs.PrintDefaults()
	fmt.Fprintf(fs.Output(), `
Modes:
  vector      cosine similarity over chunk embeddings (default)
  hybrid      weighted blend of vector and keyword relevance
  multimodal  separate audio and visual searches merged by weight
  agentic     decompose, retrieve, reflect and rerank in a loop

Examples:
  kensaku search quarterly budget
  kensaku search --mode hybrid --rerank "pricing decision"
  kensaku search --mode agentic --max-iterations 4 compare the onboarding and churn discussions
  kensaku search --server "" --org acme --output json roadmap   # direct storage
`)
}

func buildSearchQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

func searchConfigPathFromArgs(args []string, defaultPath string) string {
	for i, a := range args {
		if (a == "-config" || a == "--config") && i+1 < len(args) {
			return args[i+1]
		}
	}
	return defaultPath
}

// searchDefaultsFromConfig returns the configured default limit and threshold,
// falling back to 10 and 0.7 when the config cannot be loaded.
func searchDefaultsFromConfig(path string) (limit int, threshold float64) {
	limit, threshold = 10, 0.7
	cfg, _, err := loadConfig(path)
	if err != nil || cfg == nil {
		return limit, threshold
	}
	return cfg.Search.DefaultLimit, cfg.Search.DefaultThreshold
}

func searchArgsReorder(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

// searchFlags are the parsed flags of the search command.
type searchFlags struct {
	mode          string
	limit         int
	threshold     float64
	rerank        bool
	rerankTopN    int
	maxIterations int
	noReflection  bool
	audioWeight   float64
	visualWeight  float64
	recordings    string
	contentTypes  string
}

// buildSearchRequest maps parsed flags onto a request. Negative weights mean unset.
func buildSearchRequest(query string, f searchFlags) *models.SearchRequest {
	threshold := f.threshold
	req := &models.SearchRequest{
		Query:         query,
		Mode:          models.SearchMode(f.mode),
		Limit:         f.limit,
		Threshold:     &threshold,
		Rerank:        f.rerank,
		RerankTopN:    f.rerankTopN,
		MaxIterations: f.maxIterations,
		RecordingIDs:  splitList(f.recordings),
		ContentTypes:  splitList(f.contentTypes),
	}
	if f.noReflection {
		off := false
		req.EnableSelfReflection = &off
	}
	if f.audioWeight >= 0 {
		w := f.audioWeight
		req.AudioWeight = &w
	}
	if f.visualWeight >= 0 {
		w := f.visualWeight
		req.VisualWeight = &w
	}
	return req
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func runSearch() {
	searchArgs := searchArgsReorder(os.Args[2:])
	defaultLimit, defaultThreshold := searchDefaultsFromConfig(searchConfigPathFromArgs(searchArgs, defaultConfigPath))

	fs := flag.NewFlagSet("search", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = use direct storage when server is not running)")
	orgID := fs.String("org", defaultOrgID, "organization to search")
	userID := fs.String("user", "", "user performing the search (rate-limit identity)")
	outputFormat := fs.String("output", "text", "output format: text (human-readable), compact (one result per line), or json (parseable)")
	var f searchFlags
	fs.StringVar(&f.mode, "mode", string(models.ModeVector), "search mode: vector, hybrid, multimodal, or agentic")
	fs.IntVar(&f.limit, "limit", defaultLimit, "number of results")
	fs.Float64Var(&f.threshold, "threshold", defaultThreshold, "minimum similarity in [0,1]")
	fs.BoolVar(&f.rerank, "rerank", false, "rerank results with the configured provider")
	fs.IntVar(&f.rerankTopN, "rerank-top-n", 0, "results kept after reranking (0 = limit)")
	fs.IntVar(&f.maxIterations, "max-iterations", 0, "agentic retrieval iterations (0 = config default)")
	fs.BoolVar(&f.noReflection, "no-reflection", false, "disable agentic self-reflection")
	fs.Float64Var(&f.audioWeight, "audio-weight", -1, "multimodal audio weight in [0,1]")
	fs.Float64Var(&f.visualWeight, "visual-weight", -1, "multimodal visual weight in [0,1]")
	fs.StringVar(&f.recordings, "recordings", "", "comma-separated recording IDs to search within")
	fs.StringVar(&f.contentTypes, "content-types", "", "comma-separated content types to search within")
	fs.Usage = func() { printSearchUsage(fs) }
	_ = fs.Parse(searchArgs)

	queryStr := buildSearchQuery(fs.Args())
	if queryStr == "" {
		printSearchUsage(fs)
		os.Exit(1)
	}
	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	req := buildSearchRequest(queryStr, f)

	var response *models.SearchResponse
	if *serverURL != "" {
		response, err = cli.NewClient(*serverURL, *orgID, *userID).Search(context.Background(), req)
	} else {
		sess := openSession(*configPath, false)
		defer sess.Close()
		actor := pipeline.Actor{OrgID: *orgID, UserID: *userID}
		response, err = sess.components.Service.Search(context.Background(), actor, req)
	}
	if err != nil {
		exitWithError("Search failed", err)
	}
	if err := cli.WriteSearchResults(os.Stdout, response, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

// exitWithError prints err with any retry hint and exits. Rate-limited and
// quota-exhausted failures exit with status 2 so scripts can back off.
func exitWithError(prefix string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", prefix, err)
	kind := models.KindOf(err)
	var apiErr *cli.APIError
	if errors.As(err, &apiErr) {
		kind = apiErr.Kind
	}
	var rle *models.RateLimitError
	if errors.As(err, &rle) {
		fmt.Fprintf(os.Stderr, "Retry after %s\n", rle.RetryAfter(time.Now()).Round(time.Second))
	}
	if kind == models.KindRateLimit || kind == models.KindQuotaExceeded {
		os.Exit(2)
	}
	os.Exit(1)
}

// readDocumentInput builds an ingestion payload from a file. JSON files are decoded
// as a full document (content or timed segments); anything else is plain text titled
// after the file name.
func readDocumentInput(path, title, orgID string) (*models.DocumentInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var input models.DocumentInput
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(data, &input); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	} else {
		input.Content = string(data)
		input.ContentType = "text/plain"
	}
	if title != "" {
		input.Title = title
	}
	if input.Title == "" {
		input.Title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if input.OrgID == "" {
		input.OrgID = orgID
	}
	return &input, nil
}

func runIndex() {
	fs := flag.NewFlagSet("index", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", "", "server URL (empty = index directly into local storage)")
	orgID := fs.String("org", defaultOrgID, "organization that owns the document")
	title := fs.String("title", "", "document title (default: file name)")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Println("Usage: kensaku index [flags] <file>")
		os.Exit(1)
	}
	input, err := readDocumentInput(fs.Arg(0), *title, *orgID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read document: %v\n", err)
		os.Exit(1)
	}

	var doc *models.Document
	if *serverURL != "" {
		doc, err = cli.NewClient(*serverURL, input.OrgID, "").IndexDocument(context.Background(), input)
	} else {
		sess := openSession(*configPath, false)
		defer sess.Close()
		doc, err = sess.components.Service.Ingest(context.Background(), pipeline.Actor{OrgID: input.OrgID}, input)
	}
	if err != nil {
		exitWithError("Indexing failed", err)
	}
	fmt.Printf("Document indexed successfully: %s (%d chunks, %d bytes)\n", doc.ID, doc.ChunkCount, doc.ContentBytes)
}

func runDelete() {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", "", "server URL (empty = delete directly from local storage)")
	orgID := fs.String("org", defaultOrgID, "organization that owns the document")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Println("Usage: kensaku delete [flags] <document-id>")
		os.Exit(1)
	}
	docID := fs.Arg(0)

	var err error
	if *serverURL != "" {
		err = cli.NewClient(*serverURL, *orgID, "").DeleteDocument(context.Background(), docID)
	} else {
		sess := openSession(*configPath, false)
		defer sess.Close()
		err = sess.components.Service.Delete(context.Background(), pipeline.Actor{OrgID: *orgID}, docID)
	}
	if err != nil {
		exitWithError("Deletion failed", err)
	}
	fmt.Printf("Document deleted: %s\n", docID)
}

func runChunk() {
	fs := flag.NewFlagSet("chunk", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	outputFormat := fs.String("output", "text", "output format: text, compact, or json")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Println("Usage: kensaku chunk [flags] <file|->")
		os.Exit(1)
	}
	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	var data []byte
	if path := fs.Arg(0); path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read input: %v\n", err)
		os.Exit(1)
	}

	sess := openSession(*configPath, false)
	defer sess.Close()
	chunks, err := sess.components.Service.PreviewChunks(context.Background(), string(data))
	if err != nil {
		exitWithError("Chunking failed", err)
	}
	if err := cli.WriteChunks(os.Stdout, chunks, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

func runQuota() {
	fs := flag.NewFlagSet("quota", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = use direct storage)")
	orgID := fs.String("org", defaultOrgID, "organization to report")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	resources := []models.Resource{models.ResourceSearch, models.ResourceRecording, models.ResourceAPICall, models.ResourceStorage}
	if fs.NArg() > 0 {
		resources = []models.Resource{models.Resource(fs.Arg(0))}
	}

	var usage func(models.Resource) (*models.QuotaCounter, error)
	if *serverURL != "" {
		client := cli.NewClient(*serverURL, *orgID, "")
		usage = func(r models.Resource) (*models.QuotaCounter, error) { return client.Usage(context.Background(), r) }
	} else {
		sess := openSession(*configPath, false)
		defer sess.Close()
		actor := pipeline.Actor{OrgID: *orgID}
		usage = func(r models.Resource) (*models.QuotaCounter, error) {
			return sess.components.Service.Usage(context.Background(), actor, r)
		}
	}
	for _, r := range resources {
		u, err := usage(r)
		if err != nil {
			exitWithError("Quota lookup failed", err)
		}
		if err := cli.WriteUsage(os.Stdout, u, format); err != nil {
			fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
			os.Exit(1)
		}
	}
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = use direct storage)")
	orgID := fs.String("org", defaultOrgID, "organization to report")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	var status *cli.Status
	if *serverURL != "" {
		res, err := cli.NewClient(*serverURL, *orgID, "").Status(context.Background())
		if err != nil {
			exitWithError("Status failed", err)
		}
		status = res
	} else {
		sess := openSession(*configPath, false)
		defer sess.Close()
		docs, chunks, err := sess.components.Service.Stats(context.Background(), pipeline.Actor{OrgID: *orgID})
		if err != nil {
			exitWithError("Status failed", err)
		}
		status = &cli.Status{Documents: docs, Chunks: chunks}
	}

	switch *outputFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(status); err != nil {
			fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
			os.Exit(1)
		}
	case "text":
		fmt.Printf("documents:          %d   # documents owned by %s\n", status.Documents, *orgID)
		fmt.Printf("chunks:             %d   # searchable chunks\n", status.Chunks)
		if status.DiskUsageBytes != nil {
			fmt.Printf("disk_usage_bytes:   %d   # storage + indices on disk\n", *status.DiskUsageBytes)
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown output format %q; use text or json\n", *outputFormat)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`kensaku - Knowledge-base retrieval over transcribed recordings

Usage:
  kensaku server [flags]              Start the HTTP server
  kensaku search [flags] <query>      Search documents
  kensaku index [flags] <file>        Index a text or JSON document
  kensaku delete [flags] <id>         Delete a document
  kensaku chunk [flags] <file|->      Preview semantic chunking of a text
  kensaku quota [flags] [resource]    Show quota usage
  kensaku status [flags]              Show document and chunk counts
  kensaku version                     Show version
  kensaku help                        Show this help

Common Flags:
  --config string    Config file path (default: /usr/local/etc/kensaku/config.yaml, or ./config.yaml when present)
  --org string       Organization (default: local)
  --server string    Server URL. search, quota and status default to http://localhost:8080;
                     index and delete default to direct storage. Use --server "" for direct storage.

Server Flags:
  --debug            Enable debug logging

Search Flags:
  --mode string            vector, hybrid, multimodal, or agentic (default: vector)
  --limit int              Number of results (default from config, or 10)
  --threshold float        Minimum similarity (default from config, or 0.7)
  --rerank                 Rerank with the configured provider
  --max-iterations int     Agentic iterations (1-10)
  --audio-weight float     Multimodal audio weight
  --visual-weight float    Multimodal visual weight
  --output string          text, compact, or json

Examples:
  kensaku server
  kensaku index --org acme --title "Weekly sync" transcript.txt
  kensaku index --org acme recording.json
  kensaku search --org acme --mode hybrid --rerank "pricing decision"
  kensaku chunk notes.md
  kensaku quota --org acme search
  kensaku status --output json`)
}
