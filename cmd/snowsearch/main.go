// Package main provides the snowsearch CLI: literature discovery, snowball
// expansion, semantic search, and LLM ranking over a stored paper corpus.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/snowsearch/snowsearch/internal/config"
	"github.com/snowsearch/snowsearch/internal/database"
	"github.com/snowsearch/snowsearch/internal/domain"
	"github.com/snowsearch/snowsearch/internal/grobid"
	"github.com/snowsearch/snowsearch/internal/llm"
	"github.com/snowsearch/snowsearch/internal/observability"
	"github.com/snowsearch/snowsearch/internal/papersources/openalex"
	"github.com/snowsearch/snowsearch/internal/pdf"
	"github.com/snowsearch/snowsearch/internal/qdrant"
	"github.com/snowsearch/snowsearch/internal/rank"
	"github.com/snowsearch/snowsearch/internal/repository"
	"github.com/snowsearch/snowsearch/internal/review"
	"github.com/snowsearch/snowsearch/internal/snowball"
	"github.com/snowsearch/snowsearch/internal/store"
)

const usageText = `Usage: snowsearch <command> [flags]

Commands:
  slr       Run a full literature review: discover, snowball, and rank
  snowball  Run citation expansion over the stored corpus
  search    Semantic search over stored papers
  rank      Rank stored papers against a question with an LLM
  inspect   Show one stored paper's details
  upload    Ingest local PDFs into the corpus

Run "snowsearch <command> -h" for command flags.
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	// A local .env is a development convenience; absence is fine.
	_ = godotenv.Load()

	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usageText)
		return errors.New("no command specified")
	}

	command, rest := args[0], args[1:]
	switch command {
	case "slr":
		return runSLR(rest)
	case "snowball":
		return runSnowball(rest)
	case "search":
		return runSearch(rest)
	case "rank":
		return runRank(rest)
	case "inspect":
		return runInspect(rest)
	case "upload":
		return runUpload(rest)
	case "-h", "--help", "help":
		fmt.Fprint(os.Stderr, usageText)
		return nil
	default:
		fmt.Fprint(os.Stderr, usageText)
		return fmt.Errorf("unknown command %q", command)
	}
}

// globalFlags are the flags every subcommand accepts.
type globalFlags struct {
	configPath *string
	logLevel   *string
	silent     *bool
}

func addGlobalFlags(fs *flag.FlagSet) *globalFlags {
	return &globalFlags{
		configPath: fs.String("config", "", "Path to config file"),
		logLevel:   fs.String("log-level", "", "Override the configured log level"),
		silent:     fs.Bool("silent", false, "Only log errors"),
	}
}

// stringList collects a repeatable string flag.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(value string) error {
	*l = append(*l, value)
	return nil
}

// app holds the wired pipeline components shared by the subcommands.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	db      *database.DB
	vectors *qdrant.Client
	store   *store.Store
	orch    *review.Orchestrator
}

func newApp(ctx context.Context, g *globalFlags) (*app, error) {
	cfg, err := config.Load(*g.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	level := cfg.Logging.Level
	if *g.logLevel != "" {
		level = *g.logLevel
	}
	if *g.silent {
		level = "error"
	}
	logger := observability.NewLogger(observability.LoggingConfig{
		Level:      level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		AddSource:  cfg.Logging.AddSource,
		TimeFormat: cfg.Logging.TimeFormat,
	})

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics(prometheus.DefaultRegisterer)
	}

	db, err := database.New(ctx, &cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if cfg.Database.MigrationAutoRun {
		if err := autoMigrate(db, cfg.Database.MigrationPath, logger); err != nil {
			db.Close()
			return nil, err
		}
	}

	vectors, err := qdrant.NewClient(qdrant.Config{
		Address:        cfg.Qdrant.Address,
		CollectionName: cfg.Qdrant.Collection,
		VectorSize:     cfg.Qdrant.VectorSize,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to vector index: %w", err)
	}

	embedder, err := llm.NewEmbedder(llm.FactoryConfig{
		Provider:   cfg.Embedding.Provider,
		Model:      cfg.Embedding.Model,
		Timeout:    cfg.LLM.Timeout,
		MaxRetries: cfg.LLM.MaxRetries,
		OpenAI:     llm.OpenAISettings{APIKey: cfg.LLM.OpenAI.APIKey, BaseURL: cfg.LLM.OpenAI.BaseURL},
		Ollama:     llm.OllamaSettings{BaseURL: cfg.LLM.Ollama.BaseURL()},
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create embedder: %w", err)
	}

	chat, err := llm.NewChatClient(llm.FactoryConfig{
		Provider:   cfg.LLM.Provider,
		Model:      cfg.LLM.Model,
		Timeout:    cfg.LLM.Timeout,
		MaxRetries: cfg.LLM.MaxRetries,
		OpenAI:     llm.OpenAISettings{APIKey: cfg.LLM.OpenAI.APIKey, BaseURL: cfg.LLM.OpenAI.BaseURL},
		Ollama:     llm.OllamaSettings{BaseURL: cfg.LLM.Ollama.BaseURL()},
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create chat client: %w", err)
	}

	st := store.New(
		repository.NewPgPaperRepository(db),
		repository.NewPgCitationRepository(db),
		repository.NewPgRunRepository(db),
		vectors,
		embedder,
		logger,
	)
	if err := st.EnsureReady(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare vector index: %w", err)
	}

	catalog := openalex.New(openalex.Config{
		BaseURL:    cfg.OpenAlex.BaseURL,
		Email:      cfg.OpenAlex.Email,
		APIKey:     cfg.OpenAlex.APIKey,
		Timeout:    cfg.OpenAlex.Timeout,
		MaxRetries: cfg.OpenAlex.MaxRetries,
		Metrics:    metrics,
	}, logger)

	downloader := pdf.NewDownloader(pdf.Config{MaxSize: cfg.Grobid.MaxPDFSize})
	grobidClient := grobid.NewClient(grobid.Config{
		BaseURL: cfg.Grobid.BaseURL,
		Timeout: cfg.Grobid.Timeout,
	})
	enricher := grobid.NewEnricher(downloader, grobidClient, grobid.EnricherConfig{
		MaxRequests:  cfg.Grobid.MaxRequests,
		MaxDownloads: cfg.Grobid.MaxDownloads,
		MaxLocalPDFs: cfg.Grobid.MaxLocalPDFs,
	}, logger)

	engine := snowball.New(st, enricher, catalog, snowball.Config{
		Rounds:             cfg.Snowball.Rounds,
		RoundQuota:         cfg.Snowball.RoundQuota,
		MinSimilarityScore: float32(cfg.Snowball.MinSimilarityScore),
		MaxRoundAttempts:   cfg.Snowball.MaxRoundAttempts,
	}, metrics, logger)

	querygen := llm.NewQueryGenerator(chat, 0, logger)
	ranker := rank.New(chat, rank.Config{
		ContextWindow: cfg.LLM.ContextWindow,
		TokensPerWord: cfg.Ranking.TokensPerWord,
	}, metrics, logger)

	orch := review.New(st, catalog, querygen, ranker, engine, grobidClient, review.Config{
		TopN:             cfg.Ranking.TopN,
		MinAbstractScore: float32(cfg.Ranking.MinAbstractScore),
	}, metrics, logger)

	return &app{
		cfg:     cfg,
		logger:  logger,
		db:      db,
		vectors: vectors,
		store:   st,
		orch:    orch,
	}, nil
}

func (a *app) close() {
	if err := a.vectors.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("failed to close vector index client")
	}
	a.db.Close()
}

func autoMigrate(db *database.DB, path string, logger zerolog.Logger) error {
	migrator, err := database.NewMigrator(db, path, logger)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer migrator.Close()
	if err := migrator.Up(); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func runSLR(args []string) error {
	fs := flag.NewFlagSet("slr", flag.ExitOnError)
	g := addGlobalFlags(fs)
	nlQuery := fs.String("query", "", "Natural language research question (required)")
	oaQuery := fs.String("openalex-query", "", "Boolean catalog query to use instead of generating one")
	skipRanking := fs.Bool("skip-ranking", false, "End the session after snowballing")
	ignoreQuota := fs.Bool("ignore-quota", false, "Run each snowball round as a single pass")
	jsonOutput := fs.String("json", "", "Write ranked results to this JSON file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	a, err := newApp(ctx, g)
	if err != nil {
		return err
	}
	defer a.close()

	result, err := a.orch.Review(ctx, review.ReviewOptions{
		NLQuery:     *nlQuery,
		Query:       *oaQuery,
		SkipRanking: *skipRanking,
		IgnoreQuota: *ignoreQuota,
	})
	if err != nil {
		return err
	}

	a.logger.Info().
		Int("discovered", result.Discovered).
		Int("rounds", result.Stats.Rounds).
		Int("papers_enriched", result.Stats.PapersEnriched).
		Int("citations_resolved", result.Stats.CitationsResolved).
		Msg("review complete")

	if result.Ranked == nil {
		return nil
	}
	if *jsonOutput != "" {
		path, err := review.WriteRankedJSON(*jsonOutput, *nlQuery, a.cfg.LLM.Model, result.Ranked)
		if err != nil {
			return err
		}
		a.logger.Info().Str("path", path).Msg("results saved")
		return nil
	}
	review.PrintRanked(os.Stdout, *nlQuery, result.Ranked, true)
	return nil
}

func runSnowball(args []string) error {
	fs := flag.NewFlagSet("snowball", flag.ExitOnError)
	g := addGlobalFlags(fs)
	nlQuery := fs.String("query", "", "Natural language question for semantic batch selection")
	ignoreQuota := fs.Bool("ignore-quota", false, "Run each round as a single pass")
	var seeds stringList
	fs.Var(&seeds, "seed", "Title of a stored seed paper (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	a, err := newApp(ctx, g)
	if err != nil {
		return err
	}
	defer a.close()

	stats, err := a.orch.Snowball(ctx, review.SnowballOptions{
		NLQuery:     *nlQuery,
		SeedTitles:  seeds,
		IgnoreQuota: *ignoreQuota,
	})
	if err != nil {
		return err
	}

	a.logger.Info().
		Int("rounds", stats.Rounds).
		Int("papers_enriched", stats.PapersEnriched).
		Int("citations_harvested", stats.CitationsHarvested).
		Int("citations_resolved", stats.CitationsResolved).
		Msg("snowballing complete")
	return nil
}

func runSearch(args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	g := addGlobalFlags(fs)
	limit := fs.Int("limit", 10, "Maximum papers to display")
	minScore := fs.Float64("min-score", -2, "Minimum similarity score in [-1,1]")
	openAccess := fs.Bool("open-access", false, "Only open-access papers")
	processed := fs.Bool("processed", false, "Only papers with an extracted abstract")
	orderByAbstract := fs.Bool("order-by-abstract", false, "Order by abstract match instead of title match")
	if err := fs.Parse(args); err != nil {
		return err
	}
	query := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if query == "" {
		return errors.New("search requires a query argument")
	}

	ctx := context.Background()
	a, err := newApp(ctx, g)
	if err != nil {
		return err
	}
	defer a.close()

	opts := store.SearchOptions{
		Limit:           *limit,
		OpenAccessOnly:  *openAccess,
		RequireAbstract: *processed,
	}
	if *minScore >= -1 {
		score := float32(*minScore)
		opts.MinScore = &score
	}
	if *orderByAbstract {
		opts.OrderBy = store.OrderByAbstractScore
	}

	hits, err := a.store.SearchByQuery(ctx, query, opts)
	if err != nil {
		return err
	}
	review.PrintSearchResults(os.Stdout, hits)
	return nil
}

func runRank(args []string) error {
	fs := flag.NewFlagSet("rank", flag.ExitOnError)
	g := addGlobalFlags(fs)
	nlQuery := fs.String("query", "", "Natural language question to rank against (required)")
	limit := fs.Int("limit", 0, "Maximum papers to rank (defaults to the configured top-N)")
	minScore := fs.Float64("min-score", -2, "Minimum abstract similarity in [-1,1]")
	jsonOutput := fs.String("json", "", "Write ranked results to this JSON file instead of stdout")
	var titles stringList
	fs.Var(&titles, "paper", "Title of a stored paper to rank (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	a, err := newApp(ctx, g)
	if err != nil {
		return err
	}
	defer a.close()

	opts := review.RankOptions{NLQuery: *nlQuery, Titles: titles, Limit: *limit}
	if *minScore >= -1 {
		score := float32(*minScore)
		opts.MinScore = &score
	}

	ranked, err := a.orch.RankStored(ctx, opts)
	if err != nil {
		return err
	}

	if *jsonOutput != "" {
		path, err := review.WriteRankedJSON(*jsonOutput, *nlQuery, a.cfg.LLM.Model, ranked)
		if err != nil {
			return err
		}
		a.logger.Info().Str("path", path).Msg("results saved")
		return nil
	}
	review.PrintRanked(os.Stdout, *nlQuery, ranked, true)
	return nil
}

func runInspect(args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	g := addGlobalFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	title := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if title == "" {
		return errors.New("inspect requires a paper title argument")
	}

	ctx := context.Background()
	a, err := newApp(ctx, g)
	if err != nil {
		return err
	}
	defer a.close()

	paper, err := a.store.GetPaper(ctx, domain.NormalizeTitleHash(title))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.logger.Warn().Str("title", title).Msg("paper not found")
			return nil
		}
		return err
	}

	citations, err := a.store.CitationsOf(ctx, paper.TitleHash(), false)
	if err != nil {
		return err
	}
	review.PrintPaperDetail(os.Stdout, paper, citations)
	return nil
}

func runUpload(args []string) error {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	g := addGlobalFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	paths := fs.Args()
	if len(paths) == 0 {
		return errors.New("upload requires at least one PDF path")
	}

	files := make([]review.UploadFile, 0, len(paths))
	for _, path := range paths {
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %q: %w", path, err)
		}
		files = append(files, review.UploadFile{Name: path, Content: content})
	}

	ctx := context.Background()
	a, err := newApp(ctx, g)
	if err != nil {
		return err
	}
	defer a.close()

	stats, err := a.orch.Upload(ctx, files)
	if err != nil {
		return err
	}

	a.logger.Info().
		Int("processed", stats.Processed).
		Int("failed", stats.Failed).
		Int("citations_found", stats.CitationsFound).
		Int("metadata_resolved", stats.MetadataResolved).
		Msg("upload complete")
	return nil
}
