package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/khairulanwarjo/gestella/internal/agent"
	"github.com/khairulanwarjo/gestella/internal/checkpoint"
	"github.com/khairulanwarjo/gestella/internal/config"
	"github.com/khairulanwarjo/gestella/internal/connwatch"
	"github.com/khairulanwarjo/gestella/internal/database"
	"github.com/khairulanwarjo/gestella/internal/embeddings"
	"github.com/khairulanwarjo/gestella/internal/gatekeeper"
	"github.com/khairulanwarjo/gestella/internal/gcal"
	"github.com/khairulanwarjo/gestella/internal/llm"
	"github.com/khairulanwarjo/gestella/internal/meeting"
	"github.com/khairulanwarjo/gestella/internal/memory"
	"github.com/khairulanwarjo/gestella/internal/prompts"
	"github.com/khairulanwarjo/gestella/internal/tools"
	"github.com/khairulanwarjo/gestella/internal/usage"
)

// localDBName is the SQLite file under data_dir. It always holds usage
// records, and also users, checkpoints and memories when those use the
// sqlite backend.
const localDBName = "gestella.db"

// stores are the persistent state shared by every subcommand.
type stores struct {
	local   *sql.DB
	pg      *sql.DB // nil unless a component uses postgres
	users   *gatekeeper.SQLUsers
	usage   *usage.Store
	threads checkpoint.Store

	// probes are the remote dependencies serve watches for /healthz.
	probes  map[string]connwatch.ProbeFunc
	closers []func() error
}

// openStores opens the databases and migrates every table the
// configuration selects.
func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *stores, err error) {
	s := &stores{probes: make(map[string]connwatch.ProbeFunc)}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	path := filepath.Join(cfg.DataDir, localDBName)
	if s.local, err = database.OpenSQLite(path); err != nil {
		return nil, err
	}
	s.closers = append(s.closers, s.local.Close)
	logger.Info("database opened", "driver", database.DriverSQLite, "path", path)

	if cfg.Storage.Driver == database.DriverPostgres || cfg.Memory.Backend == database.DriverPostgres {
		if s.pg, err = database.OpenPostgres(ctx, cfg.Storage.PostgresDSN); err != nil {
			return nil, err
		}
		s.closers = append(s.closers, s.pg.Close)
		s.probes["postgres"] = s.pg.PingContext
		logger.Info("database opened", "driver", database.DriverPostgres)
	}

	if cfg.Storage.Driver == database.DriverPostgres {
		s.users, err = gatekeeper.NewPostgresUsers(ctx, s.pg)
	} else {
		s.users, err = gatekeeper.NewSQLiteUsers(s.local)
	}
	if err != nil {
		return nil, err
	}

	if s.usage, err = usage.NewStore(s.local); err != nil {
		return nil, err
	}

	switch cfg.Checkpoint.Backend {
	case "sqlite":
		if s.threads, err = checkpoint.NewSQLiteStore(s.local); err != nil {
			return nil, err
		}
	default:
		s.threads = checkpoint.NewMemoryStore()
	}
	return s, nil
}

// Close releases everything in reverse order of opening.
func (s *stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}

// prune drops expired login sessions and, for the sqlite checkpoint
// backend, threads idle past the retention window.
func (s *stores) prune(ctx context.Context, cfg *config.Config, logger *slog.Logger) {
	if n, err := s.users.PruneSessions(ctx); err != nil {
		logger.Warn("prune auth sessions failed", "error", err)
	} else if n > 0 {
		logger.Info("expired auth sessions pruned", "count", n)
	}

	sq, ok := s.threads.(*checkpoint.SQLiteStore)
	if !ok || cfg.Checkpoint.Retention <= 0 {
		return
	}
	if n, err := sq.Prune(ctx, cfg.Checkpoint.Retention); err != nil {
		logger.Warn("prune threads failed", "error", err)
	} else if n > 0 {
		logger.Info("idle threads pruned", "count", n, "retention", cfg.Checkpoint.Retention)
	}
}

// buildLLMClient routes models whose name starts with "claude" to
// Anthropic when a key is configured; every other model goes to the
// OpenAI-compatible endpoint.
func buildLLMClient(cfg *config.Config, logger *slog.Logger) *llm.MultiClient {
	openai := llm.NewOpenAIClient(cfg.OpenAI.BaseURL, cfg.OpenAI.APIKey, logger)
	multi := llm.NewMultiClient(openai)
	multi.AddProvider("openai", openai)

	if cfg.Anthropic.Configured() {
		multi.AddProvider("anthropic", llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger))
		multi.AddPrefix("claude", "anthropic")
		logger.Info("Anthropic provider configured")
	}

	logger.Info("LLM client initialized",
		"default_model", cfg.Models.Default,
		"default_provider", multi.ProviderFor(cfg.Models.Default),
		"analyst_model", cfg.Models.Analyst,
	)
	return multi
}

// buildMemoryStore selects the vector backend. The returned close func
// is never nil.
func buildMemoryStore(ctx context.Context, cfg *config.Config, s *stores) (memory.Store, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Memory.Backend {
	case "postgres":
		st, err := memory.NewPostgresStore(ctx, s.pg, cfg.Embeddings.Dimension)
		return st, noop, err
	case "qdrant":
		q := cfg.Memory.Qdrant
		st, err := memory.NewQdrantStore(ctx, memory.QdrantConfig{
			Host:       q.Host,
			Port:       q.Port,
			APIKey:     q.APIKey,
			UseTLS:     q.UseTLS,
			Collection: q.Collection,
			Dimension:  uint64(cfg.Embeddings.Dimension),
		})
		if err != nil {
			return nil, noop, err
		}
		s.probes["qdrant"] = st.Ping
		return st, st.Close, nil
	default:
		st, err := memory.NewSQLiteStore(s.local)
		return st, noop, err
	}
}

// buildEmbedder returns the embedding client, cached when a cache
// budget is configured.
func buildEmbedder(cfg *config.Config) (embeddings.Embedder, func(), error) {
	client := embeddings.New(embeddings.Config{
		BaseURL: cfg.OpenAI.BaseURL,
		APIKey:  cfg.OpenAI.APIKey,
		Model:   cfg.Embeddings.Model,
	})
	if cfg.Embeddings.CacheMaxCost <= 0 {
		return client, func() {}, nil
	}
	cached, err := embeddings.NewCachedEmbedder(client, client.Model(), cfg.Embeddings.CacheMaxCost)
	if err != nil {
		return nil, nil, err
	}
	return cached, cached.Close, nil
}

// buildAgent assembles the tool registry and the agent loop. Resources
// it opens are registered on s and released by s.Close.
func buildAgent(ctx context.Context, cfg *config.Config, s *stores, client *llm.MultiClient, logger *slog.Logger) (*agent.Loop, error) {
	embedder, closeCache, err := buildEmbedder(cfg)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, func() error { closeCache(); return nil })

	memStore, closeMem, err := buildMemoryStore(ctx, cfg, s)
	if err != nil {
		return nil, fmt.Errorf("open memory backend %s: %w", cfg.Memory.Backend, err)
	}
	s.closers = append(s.closers, closeMem)
	logger.Info("memory backend ready", "backend", cfg.Memory.Backend, "embedding_model", cfg.Embeddings.Model)

	registry := tools.New(tools.Deps{
		Memory:          memory.NewService(embedder, memStore, logger),
		Calendar:        gcal.NewClient(),
		Analyzer:        meeting.NewAnalyzer(client, cfg.Models.Analyst, logger),
		TimeZone:        cfg.Persona.Timezone,
		SearchThreshold: cfg.Memory.Threshold,
		SearchLimit:     cfg.Memory.Limit,
	}, logger)

	loop := agent.NewLoop(agent.Config{
		Model:           cfg.Models.Default,
		MaxIterations:   cfg.Agent.MaxIterations,
		VacuumThreshold: cfg.Agent.VacuumThreshold,
		VacuumScope:     agent.VacuumScope(cfg.Agent.VacuumScope),
		Persona: prompts.Persona{
			BotName:     cfg.Persona.BotName,
			Personality: cfg.Persona.Personality,
			UserName:    cfg.Persona.UserName,
			Location:    cfg.Persona.Location,
		},
		Location: cfg.Persona.TimeLocation(),
		Pricing:  cfg.Pricing,
	}, client, registry, s.threads, logger)
	loop.SetUsageRecorder(s.usage)

	logger.Info("agent ready", "tools", registry.Names(), "max_iterations", cfg.Agent.MaxIterations)
	return loop, nil
}

// buildGatekeeper wires the users store, the Google OAuth client and
// the token sealer. Missing Google credentials are not fatal: users are
// told the master credentials are missing when they try to log in.
func buildGatekeeper(cfg *config.Config, s *stores, logger *slog.Logger) (*gatekeeper.Gatekeeper, error) {
	var auth gatekeeper.Authorizer
	if cfg.Google.Configured() {
		secret, err := cfg.Google.ClientSecret()
		if err != nil {
			return nil, fmt.Errorf("read google credentials: %w", err)
		}
		oauth, err := gcal.NewOAuth(secret, cfg.Google.RedirectURL)
		if err != nil {
			return nil, err
		}
		auth = oauth
	} else {
		logger.Warn("google credentials not configured - calendar login disabled")
	}

	var sealer *gatekeeper.Sealer
	if cfg.Gatekeeper.TokenKey != "" {
		key, err := gatekeeper.ParseKey(cfg.Gatekeeper.TokenKey)
		if err != nil {
			return nil, fmt.Errorf("gatekeeper.token_key: %w", err)
		}
		if sealer, err = gatekeeper.NewSealer(key); err != nil {
			return nil, err
		}
	} else {
		logger.Warn("gatekeeper.token_key not set - OAuth tokens are stored unsealed")
	}

	if cfg.Gatekeeper.AllowAll {
		logger.Warn("gatekeeper.allow_all is set - every user is treated as subscribed")
	}

	return gatekeeper.New(gatekeeper.Config{
		AllowAll:      cfg.Gatekeeper.AllowAll,
		SessionTTL:    cfg.Gatekeeper.SessionTTL,
		MinCodeLength: cfg.Gatekeeper.MinCodeLength,
	}, s.users, auth, sealer, logger), nil
}
