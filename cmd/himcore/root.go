package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"himcore/internal/chunker"
	"himcore/internal/classifier"
	"himcore/internal/config"
	"himcore/internal/domain"
	"himcore/internal/embedding/tfidf"
	"himcore/internal/extract"
	"himcore/internal/metrics"
	"himcore/internal/recommend"
	"himcore/internal/risk"
	"himcore/internal/rules"
	"himcore/internal/service"
	"himcore/internal/store/sqlite"
	"himcore/internal/summarizer"
	"himcore/internal/synthesis/openai"
	"himcore/internal/vectorstore"
	"himcore/internal/vectorstore/ivf"
	"himcore/internal/vectorstore/memory"
	"himcore/internal/vectorstore/qdrant"
)

type rootOptions struct {
	configPath  string
	storePath   string
	metricsAddr string
	verbose     bool
}

// app holds the engines assembled for one command invocation.
type app struct {
	cfg        *config.AppConfig
	logger     *slog.Logger
	metrics    *metrics.Metrics
	store      *sqlite.Store
	extractor  *extract.Extractor
	knowledge  *service.KnowledgeService
	prediction *service.PredictionService

	stopMetrics context.CancelFunc
	metricsDone chan struct{}
}

// run executes the command line and releases everything it opened.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	a := &app{}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if cerr := a.close(); err == nil {
		err = cerr
	}
	return err
}

func newRootCmd(a *app) *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "himcore",
		Short: "Clinical coding knowledge base and case classifier",
		Long: `himcore answers coding questions from ingested guidelines and memos,
and predicts the complexity group, denial risk and coding recommendations
of inpatient cases.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.open(cmd.Context(), opts, cmd.ErrOrStderr())
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "path to YAML config (default ./config.yaml or ~/.config/himcore/config.yaml)")
	pf.StringVar(&opts.storePath, "db", "", "snapshot database path (overrides store.path)")
	pf.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newIngestCmd(a),
		newRemoveCmd(a),
		newListCmd(a),
		newAskCmd(a),
		newPredictCmd(a),
		newBatchCmd(a),
		newReindexCmd(a),
		newStatsCmd(a),
		newComplyCmd(a),
		newCDICmd(a),
		newTUICmd(a),
	)
	return root
}

func (a *app) open(ctx context.Context, opts *rootOptions, stderr io.Writer) error {
	_ = godotenv.Load()

	var cfg *config.AppConfig
	var err error
	if opts.configPath == "" {
		cfg, _, err = config.LoadDefault()
	} else {
		cfg, err = config.Load(opts.configPath)
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.storePath != "" {
		cfg.Store.Path = opts.storePath
	}
	if opts.metricsAddr != "" {
		cfg.Metrics.Addr = opts.metricsAddr
	}
	a.cfg = cfg
	a.logger = cfg.NewLogger(stderr, opts.verbose)
	a.metrics = metrics.New()
	a.extractor = extract.New(a.logger)

	index, err := buildIndex(cfg.Index)
	if err != nil {
		return err
	}
	synth, err := buildSynthesizer(cfg.Synthesis)
	if err != nil {
		return err
	}
	a.knowledge = service.NewKnowledgeService(service.KnowledgeDeps{
		Chunker:     chunker.NewTokenChunker(cfg.Chunker.MaxTokens, cfg.Chunker.OverlapTokens),
		Embedder:    tfidf.NewVectorizer(),
		Index:       index,
		Summarizer:  summarizer.NewFrequencySummarizer(),
		Synthesizer: synth,
		Logger:      a.logger,
		Metrics:     a.metrics,
	}, service.KnowledgeOptions{
		TopK:             cfg.Retriever.TopK,
		MinScore:         cfg.Retriever.MinScore,
		SynthesisTimeout: time.Duration(cfg.Retriever.SynthesisTimeoutSecs) * time.Second,
		SummarySentences: cfg.Retriever.SummarySentences,
	})

	if a.prediction, err = buildPrediction(cfg.Prediction, a.knowledge, a.logger, a.metrics); err != nil {
		return err
	}

	if cfg.Store.Path != "" {
		if a.store, err = sqlite.Open(cfg.Store.Path); err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		snap, err := a.store.Load(ctx)
		if err != nil {
			return fmt.Errorf("load snapshot: %w", err)
		}
		if err := a.knowledge.Restore(ctx, snap); err != nil {
			return fmt.Errorf("restore snapshot: %w", err)
		}
	}

	if cfg.Metrics.Addr != "" {
		mctx, cancel := context.WithCancel(context.Background())
		a.stopMetrics = cancel
		a.metricsDone = make(chan struct{})
		go func() {
			defer close(a.metricsDone)
			if err := a.metrics.Serve(mctx, cfg.Metrics.Addr, a.logger); err != nil {
				a.logger.Error("metrics server failed", "addr", cfg.Metrics.Addr, "error", err)
			}
		}()
	}
	return nil
}

// persist writes the knowledge state back to the store, if one is open.
func (a *app) persist(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	if err := a.store.Save(ctx, a.knowledge.Snapshot()); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	a.logger.Debug("snapshot saved", "path", a.store.Path())
	return nil
}

func (a *app) close() error {
	if a.stopMetrics != nil {
		a.stopMetrics()
		<-a.metricsDone
	}
	if a.store != nil {
		err := a.store.Close()
		a.store = nil
		return err
	}
	return nil
}

func buildIndex(cfg config.IndexConfig) (vectorstore.Index, error) {
	switch cfg.Type {
	case "memory", "":
		return memory.NewStorage(), nil
	case "ivf":
		c := ivf.Config{}
		if cfg.IVF != nil {
			c = ivf.Config{
				Lists:          cfg.IVF.Lists,
				NProbe:         cfg.IVF.NProbe,
				TrainThreshold: cfg.IVF.TrainThreshold,
				Iterations:     cfg.IVF.Iterations,
			}
		}
		return ivf.New(c), nil
	case "qdrant":
		if cfg.Qdrant == nil {
			return nil, errors.New("qdrant index config missing")
		}
		return qdrant.NewStorage(qdrant.Config{
			URL:        cfg.Qdrant.URL,
			APIKey:     envOrEmpty(cfg.Qdrant.APIKeyEnv),
			Collection: cfg.Qdrant.Collection,
			Size:       cfg.Qdrant.Size,
			Timeout:    time.Duration(cfg.Qdrant.TimeoutSecs) * time.Second,
		}), nil
	default:
		return nil, fmt.Errorf("unknown index: %s", cfg.Type)
	}
}

// buildSynthesizer returns nil when synthesis is disabled; answers are then
// always extractive.
func buildSynthesizer(cfg config.SynthesisConfig) (domain.Synthesizer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	client, err := openai.NewClient(openai.Config{
		BaseURL:     cfg.BaseURL,
		APIKeyEnv:   cfg.APIKeyEnv,
		Model:       cfg.Model,
		Timeout:     time.Duration(cfg.TimeoutSecs) * time.Second,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		MaxRetries:  cfg.MaxRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("synthesis client init failed: %w", err)
	}
	return client, nil
}

func buildPrediction(cfg config.PredictionConfig, guidelines service.GuidelineSearcher, logger *slog.Logger, m *metrics.Metrics) (*service.PredictionService, error) {
	table := rules.Default()
	if cfg.RulesFile != "" {
		var err error
		if table, err = rules.Load(cfg.RulesFile); err != nil {
			return nil, fmt.Errorf("load rules: %w", err)
		}
	}
	scorer, err := risk.NewScorer(table, risk.Thresholds{High: cfg.RiskHigh, Medium: cfg.RiskMedium})
	if err != nil {
		return nil, err
	}
	cmi := make(map[domain.Group]float64, len(cfg.CMI))
	for name, w := range cfg.CMI {
		g, ok := domain.ParseGroup(name)
		if !ok {
			return nil, fmt.Errorf("unknown CMI group %q", name)
		}
		cmi[g] = w
	}
	return service.NewPredictionService(service.PredictionDeps{
		Classifier: classifier.New(table, cfg.UpgradeThreshold),
		Risk:       scorer,
		Composer: recommend.New(table, recommend.Config{
			SeverityCutoff: cfg.SeverityCutoff,
			MaxItems:       cfg.MaxRecommendations,
		}),
		Guidelines: guidelines,
		Logger:     logger,
		Metrics:    m,
	}, service.PredictionOptions{
		CMI:         cmi,
		RevenueBase: cfg.RevenueBase,
		Guidelines:  cfg.Guidelines,
		Workers:     cfg.BatchWorkers,
	})
}

func envOrEmpty(name string) string {
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}
