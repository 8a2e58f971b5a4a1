// Package main is the kotae CLI entry point.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/hyperjump/kotae/internal/cli"
	"github.com/hyperjump/kotae/internal/config"
	"github.com/hyperjump/kotae/internal/embedding"
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/internal/retrieval"
	"github.com/hyperjump/kotae/internal/server"
	"github.com/hyperjump/kotae/internal/storage"
	"github.com/hyperjump/kotae/internal/vector"
	"github.com/hyperjump/kotae/internal/watcher"
	"github.com/hyperjump/kotae/pkg/utils"
	"go.uber.org/zap"
)

var version = "dev"

const (
	defaultConfigPath = "/usr/local/etc/kotae/config.yaml"
	defaultServerURL  = "http://localhost:8080"
)

var httpClient = &http.Client{Timeout: 2 * time.Minute}

// loadConfig loads config from path. When path is the default, it first looks for
// config.yaml in the current directory (for development); if that exists it is used.
// Returns the config and the path that was actually loaded.
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
	case "build":
		runBuild()
	case "combine":
		runCombine()
	case "chunks":
		runChunks()
	case "status":
		runStatus()
	case "version", "--version", "-v":
		fmt.Printf("kotae version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging (per-query summaries, watcher events)")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", debugMode),
	)

	components, err := initializeComponents(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := components.loadActive(ctx, cfg.Storage.Prefix); err != nil {
		logger.Fatal("Failed to load snapshot", zap.String("prefix", cfg.Storage.Prefix), zap.Error(err))
	}

	srv := server.NewServer(components.Engine, components.Repository, components.Metrics, cfg, logger)

	if cfg.Storage.Watch {
		watchOpts := []watcher.Option{
			watcher.WithFilter(func(prefix string) bool { return prefix == srv.ActivePrefix() }),
		}
		if debugMode {
			watchOpts = append(watchOpts, watcher.WithLogger(logger))
		}
		watchSvc := watcher.NewWatcher(cfg.Storage.EmbeddingsDir, func(prefix string) {
			if err := srv.Reload(ctx, prefix); err != nil {
				logger.Warn("watch reload failed", zap.String("prefix", prefix), zap.Error(err))
			}
		}, watchOpts...)
		if err := watchSvc.Start(ctx); err != nil {
			logger.Fatal("Failed to start watcher", zap.Error(err))
		}
		defer watchSvc.Stop()
	}

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Stop(shutdownCtx)
}

// printSearchUsage prints search subcommand usage.
func printSearchUsage(fs *flag.FlagSet) {
	fmt.Fprintf(fs.Output(), "Usage: kotae search [flags] <query>\n\n")
	fmt.Fprintf(fs.Output(), "Query is all remaining arguments joined by spaces. Multi-word queries work with or without quotes.\n\n")
	fs.PrintDefaults()
	fmt.Fprintf(fs.Output(), `
Results carry a relevance score in [0, 1] and the reason they were kept:
  university_related, high_relevance, keyword_search, or fallback_best_match (low confidence).

Examples:
  kotae search admission deadlines
  kotae search -k 3 "tuition fees for international students"
  kotae search --server "" --output json library hours    # query the saved snapshot directly
`)
}

// buildSearchQuery joins all positional args with spaces so multi-word queries
// work the same with or without shell quoting.
func buildSearchQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

// searchArgsReorder moves any flags (and their values) that appear after the query
// to the front of the slice so that flag.Parse() sees them. Go's flag package
// stops at the first non-flag argument.
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

// parseOutputFormat validates an --output value against the allowed formats.
func parseOutputFormat(s string, allowed ...cli.SearchOutputFormat) (cli.SearchOutputFormat, error) {
	names := make([]string, len(allowed))
	for i, f := range allowed {
		if string(f) == s {
			return f, nil
		}
		names[i] = string(f)
	}
	return "", fmt.Errorf("unknown output format %q; use %s", s, strings.Join(names, ", "))
}

func runSearch() {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = load the saved snapshot directly)")
	k := fs.Int("k", 0, "number of results (0 = configured default)")
	outputFormat := fs.String("output", "text", "output format: text, compact (one result per line), or json")
	fs.Usage = func() { printSearchUsage(fs) }
	_ = fs.Parse(searchArgsReorder(os.Args[2:]))

	queryStr := buildSearchQuery(fs.Args())
	if queryStr == "" {
		printSearchUsage(fs)
		os.Exit(1)
	}
	format, err := parseOutputFormat(*outputFormat, cli.OutputText, cli.OutputCompact, cli.OutputJSON)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	searchQuery := &models.SearchQuery{Query: queryStr, K: *k}

	var response *models.SearchResponse
	if *serverURL != "" {
		response = &models.SearchResponse{}
		err = postJSON(*serverURL+"/api/v1/search", searchQuery, http.StatusOK, response)
	} else {
		components, cleanup := directComponents(*configPath)
		defer cleanup()
		response, err = components.Engine.Search(context.Background(), searchQuery)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Search failed: %v\n", err)
		os.Exit(1)
	}
	if err := cli.WriteSearchResults(os.Stdout, response, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

// readChunksJSONL parses one {"text": ..., "metadata": {...}} object per line. Blank
// lines are skipped.
func readChunksJSONL(r io.Reader) ([]*models.Chunk, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	var chunks []*models.Chunk
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var ch models.Chunk
		if err := json.Unmarshal(raw, &ch); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		chunks = append(chunks, &ch)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return chunks, nil
}

func runBuild() {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	prefix := fs.String("prefix", "", "snapshot name to save under (required), e.g. pdf or web")
	input := fs.String("input", "-", "JSONL chunk file, one {\"text\", \"metadata\"} object per line (- = stdin)")
	_ = fs.Parse(os.Args[2:])

	if *prefix == "" {
		fmt.Println("Usage: kotae build --prefix <name> [--input chunks.jsonl]")
		os.Exit(1)
	}

	var in io.Reader = os.Stdin
	if *input != "-" {
		f, err := os.Open(*input)
		if err != nil {
			fmt.Printf("Failed to open input: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		in = f
	}
	chunks, err := readChunksJSONL(in)
	if err != nil {
		fmt.Printf("Failed to read chunks: %v\n", err)
		os.Exit(1)
	}

	components, cleanup := directComponents(*configPath)
	defer cleanup()
	ctx := context.Background()
	snap, err := components.Repository.Build(ctx, *prefix, chunks)
	if err != nil {
		fmt.Printf("Build failed: %v\n", err)
		os.Exit(1)
	}
	defer snap.Close()
	if err := components.Repository.Save(ctx, snap); err != nil {
		fmt.Printf("Save failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Built snapshot %s with %d chunks in %s\n", *prefix, snap.Corpus.Len(), components.Repository.Dir())
}

func runCombine() {
	fs := flag.NewFlagSet("combine", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", "", "server URL (empty = combine on disk directly)")
	target := fs.String("target", config.DefaultPrefix, "prefix to save the combined snapshot under")
	activate := fs.Bool("activate", false, "serve the combined snapshot immediately (server mode)")
	_ = fs.Parse(os.Args[2:])

	sources := fs.Args()
	if len(sources) == 0 {
		fmt.Println("Usage: kotae combine [flags] <prefix> [prefix...]")
		os.Exit(1)
	}

	if *serverURL != "" {
		var out struct {
			Target    string `json:"target"`
			Chunks    int    `json:"chunks"`
			Activated bool   `json:"activated"`
		}
		body := map[string]interface{}{"sources": sources, "target": *target, "activate": *activate}
		if err := postJSON(*serverURL+"/api/v1/combine", body, http.StatusCreated, &out); err != nil {
			fmt.Printf("Combine failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Combined %s into %s (%d chunks, activated: %t)\n", strings.Join(sources, ", "), out.Target, out.Chunks, out.Activated)
		return
	}

	components, cleanup := directComponents(*configPath)
	defer cleanup()
	snap, err := components.Repository.Combine(context.Background(), sources, *target)
	if err != nil {
		fmt.Printf("Combine failed: %v\n", err)
		os.Exit(1)
	}
	defer snap.Close()
	fmt.Printf("Combined %s into %s (%d chunks)\n", strings.Join(sources, ", "), snap.Name, snap.Corpus.Len())
}

func runChunks() {
	fs := flag.NewFlagSet("chunks", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = load the saved snapshot directly)")
	sourceType := fs.String("type", "", "source type: pdf, web or general_knowledge")
	category := fs.String("category", "", "domain category name, e.g. financial")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	if (*sourceType == "") == (*category == "") {
		fmt.Println("Usage: kotae chunks (--type <type> | --category <name>) [flags]")
		os.Exit(1)
	}
	format, err := parseOutputFormat(*outputFormat, cli.OutputText, cli.OutputJSON)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var chunks []*models.Chunk
	if *serverURL != "" {
		q := url.Values{}
		if *sourceType != "" {
			q.Set("type", *sourceType)
		} else {
			q.Set("category", *category)
		}
		var out struct {
			Chunks []*models.Chunk `json:"chunks"`
		}
		err = getJSON(*serverURL+"/api/v1/chunks?"+q.Encode(), &out)
		chunks = out.Chunks
	} else {
		components, cleanup := directComponents(*configPath)
		defer cleanup()
		if *sourceType != "" {
			t := models.SourceType(*sourceType)
			if !t.Valid() {
				fmt.Fprintf(os.Stderr, "Unknown source type %q\n", *sourceType)
				os.Exit(1)
			}
			chunks, err = components.Engine.ChunksBySourceType(t)
		} else {
			chunks, err = components.Engine.ChunksByCategory(*category)
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Listing chunks failed: %v\n", err)
		os.Exit(1)
	}
	if err := cli.WriteChunks(os.Stdout, chunks, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = read the embeddings dir directly)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	format, err := parseOutputFormat(*outputFormat, cli.OutputText, cli.OutputJSON)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var status cli.Status
	if *serverURL != "" {
		var out struct {
			Snapshot  retrieval.Status `json:"snapshot"`
			Snapshots []string         `json:"snapshots"`
			DiskUsage int64            `json:"disk_usage_bytes"`
			Config    struct {
				EmbeddingsDir string `json:"embeddings_dir"`
			} `json:"config"`
		}
		if err := getJSON(*serverURL+"/api/v1/status", &out); err != nil {
			fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
			os.Exit(1)
		}
		status = cli.Status{Snapshot: out.Snapshot, Snapshots: out.Snapshots, DiskUsage: out.DiskUsage, Dir: out.Config.EmbeddingsDir}
	} else {
		components, cleanup := directComponents(*configPath)
		defer cleanup()
		repo := components.Repository
		status.Dir = repo.Dir()
		status.Snapshot = components.Engine.Status()
		if status.Snapshots, err = repo.List(); err != nil {
			fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
			os.Exit(1)
		}
		if status.Snapshot.Loaded {
			status.DiskUsage, _ = repo.DiskUsage(status.Snapshot.Prefix)
		}
	}
	if err := cli.WriteStatus(os.Stdout, &status, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

func getJSON(u string, out interface{}) error {
	resp, err := httpClient.Get(u)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, http.StatusOK, out)
}

func postJSON(u string, in interface{}, wantStatus int, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	resp, err := httpClient.Post(u, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, wantStatus, out)
}

func decodeResponse(resp *http.Response, wantStatus int, out interface{}) error {
	if resp.StatusCode != wantStatus {
		b, _ := io.ReadAll(resp.Body)
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(b, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Components holds initialized services.
type Components struct {
	Embedder   embedding.Embedder
	Repository *storage.Repository
	Engine     *retrieval.Engine
	Metrics    *retrieval.Metrics
	logger     *zap.Logger
}

// Close releases the active snapshot and the embedder.
func (c *Components) Close() {
	if c.Engine != nil {
		_ = c.Engine.Close()
	}
	if c.Embedder != nil {
		_ = c.Embedder.Close()
	}
}

// loadActive swaps in prefix. A prefix with no saved snapshot leaves the engine empty.
func (c *Components) loadActive(ctx context.Context, prefix string) error {
	err := c.Engine.Reload(ctx, c.Repository, prefix)
	if errors.Is(err, retrieval.ErrSnapshotNotFound) {
		c.logger.Warn("no saved snapshot; queries fail until one is built or reloaded",
			zap.String("prefix", prefix),
			zap.String("embeddings_dir", c.Repository.Dir()),
		)
		return nil
	}
	return err
}

// directComponents loads config and the active snapshot for commands run without a server.
// It exits on failure.
func directComponents(configPath string) (*Components, func()) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := utils.NewCLILogger(cfg.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	components, err := initializeComponents(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
		os.Exit(1)
	}
	if err := components.loadActive(context.Background(), cfg.Storage.Prefix); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load snapshot: %v\n", err)
		os.Exit(1)
	}
	return components, func() {
		components.Close()
		_ = logger.Sync()
	}
}

func initializeComponents(cfg *config.Config, logger *zap.Logger) (*Components, error) {
	embedder, err := embedding.New(cfg.Embedding, logger)
	if err != nil {
		if cfg.Embedding.Provider != "onnx" {
			return nil, fmt.Errorf("failed to initialize embedder: %w", err)
		}
		logger.Warn("onnx embedder unavailable, falling back to mock embedder",
			zap.String("model_path", cfg.Embedding.ModelPath),
			zap.Error(err))
		embedder = embedding.NewMockEmbedder(cfg.Embedding.Dimensions)
	}

	indexType := cfg.Storage.IndexType
	if indexType == string(vector.IndexTypeFAISS) && !vector.IsFAISSAvailable() {
		logger.Warn("FAISS not available, falling back to memory index")
		indexType = string(vector.IndexTypeMemory)
	}
	logger.Info("vector index configured",
		zap.String("type", indexType),
		zap.Bool("faiss_available", vector.IsFAISSAvailable()))

	classifier, err := cfg.Domain.Classifier()
	if err != nil {
		_ = embedder.Close()
		return nil, fmt.Errorf("failed to initialize classifier: %w", err)
	}
	metrics := retrieval.NewMetrics()
	return &Components{
		Embedder:   embedder,
		Repository: storage.NewRepository(cfg.Storage.EmbeddingsDir, indexType, embedder, cfg.Embedding.BatchSize, logger),
		Engine:     retrieval.NewEngine(classifier, embedder, retrieval.OptionsFromConfig(cfg.Retrieval), logger, metrics),
		Metrics:    metrics,
		logger:     logger,
	}, nil
}

func printUsage() {
	fmt.Println(`kotae - Institutional semantic retrieval service

Usage:
  kotae server [flags]                   Start the HTTP server
  kotae search [flags] <query>           Retrieve relevant chunks for a query
  kotae build --prefix <name> [flags]    Embed a JSONL chunk file and save it as a snapshot
  kotae combine [flags] <prefix>...      Concatenate snapshots and rebuild the index
  kotae chunks --type|--category [flags] List corpus chunks by source type or category
  kotae status [flags]                   Show snapshot and storage status
  kotae version                          Show version
  kotae help                             Show this help

Common Flags:
  --config string    Config file path (default: /usr/local/etc/kotae/config.yaml, or ./config.yaml)
  --server string    Server URL (default: http://localhost:8080 for search, chunks and status).
                     Use --server "" to work on the saved snapshots directly.

Server Flags:
  --debug            Enable debug logging

Search Flags:
  --k int            Number of results (default from config)
  --output string    text, compact or json (default: text)

Build Flags:
  --prefix string    Snapshot name, e.g. pdf, web, general
  --input string     JSONL chunk file (default: stdin)

Combine Flags:
  --target string    Target prefix (default: university_combined)
  --activate         Serve the result immediately (with --server)

Examples:
  kotae server
  kotae build --prefix pdf --input pdf_chunks.jsonl
  kotae build --prefix web --input web_chunks.jsonl
  kotae combine pdf web
  kotae search "What are the admission deadlines?"
  kotae search --output json -k 3 tuition fees
  kotae chunks --type web
  kotae status --output json`)
}
