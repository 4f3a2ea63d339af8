package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"eduhelper/db"
	"eduhelper/db/postgres"
	"eduhelper/limiter"
	"eduhelper/llm"
	"eduhelper/moderation"
	"eduhelper/orchestrator"
	"eduhelper/server"
	"eduhelper/utils"
)

// usageStore is the persistence behind the limiter and the completion log.
type usageStore interface {
	limiter.Store
	orchestrator.Repository
	server.Store
}

// application holds the wired components shared by the subcommands.
type application struct {
	config  *utils.Config
	logger  *utils.Logger
	local   *db.DB
	pg      *postgres.Store
	store   usageStore
	limiter *limiter.Limiter
}

// openApplication loads configuration, opens the logger and storage, and
// builds the limiter. The caller must Close it.
func openApplication(ctx context.Context) (*application, error) {
	if err := utils.LoadDotEnv(); err != nil {
		return nil, err
	}

	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if flagLogLevel != "" {
		cfg.Log.Level = flagLogLevel
	}

	logPath := cfg.Log.Path
	if logPath == "" {
		logPath = utils.GetLogPath()
	}
	logger, err := utils.NewLogger(logPath, cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	app := &application{config: cfg, logger: logger}

	// Conversation states always live in SQLite; Postgres only takes the
	// usage and history tables when configured.
	app.local, err = db.New(cfg.Data.DBPath)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	app.store = app.local
	logger.Info("Database initialized: %s", cfg.Data.DBPath)

	if cfg.Data.PostgresDSN != "" {
		app.pg, err = postgres.Open(ctx, cfg.Data.PostgresDSN)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		app.store = app.pg
		logger.Info("Usage and task history stored in PostgreSQL")
	}

	app.limiter = limiter.New(app.store, limiter.Options{
		DefaultDailyLimit: cfg.Engine.DefaultDailyLimit,
		Location:          cfg.Engine.Location(),
	})
	return app, nil
}

func loadConfig() (*utils.Config, error) {
	if flagConfig != "" {
		cfg, err := utils.LoadConfig(flagConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		return cfg, nil
	}
	path, err := utils.EnsureDefaultConfig(utils.GetConfigPath())
	if err != nil {
		return nil, fmt.Errorf("failed to create default config: %w", err)
	}
	cfg, err := utils.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return cfg, nil
}

// Close releases storage and flushes the log.
func (a *application) Close() error {
	var errs []error
	if a.pg != nil {
		errs = append(errs, a.pg.Close())
	}
	if a.local != nil {
		errs = append(errs, a.local.Close())
	}
	if a.logger != nil {
		errs = append(errs, a.logger.Close())
	}
	return errors.Join(errs...)
}

// newOrchestrator builds the model client, moderation chain, transcriber
// and image pipeline around the storage. notifier may be nil.
func (a *application) newOrchestrator(notifier orchestrator.Outbox) (*orchestrator.Orchestrator, error) {
	cfg := a.config

	provider, err := newProvider(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM provider: %w", err)
	}
	if err := provider.ValidateConfig(); err != nil {
		return nil, fmt.Errorf("LLM provider %s: %w (set LLM_API_KEY or llm.api_key)", provider.Name(), err)
	}
	client := llm.NewClient(provider, llm.RetryOptions{
		Attempts:      cfg.Engine.LLMRetryAttempts,
		BaseDelay:     seconds(cfg.Engine.LLMRetryBaseDelaySeconds),
		MaxRetryAfter: seconds(cfg.Engine.RateLimitMaxWaitSeconds),
	}, a.logger.With("component", "llm"))

	gates := moderation.Chain{moderation.NewPatternGate()}
	if cfg.Moderation.UseProvider {
		gates = append(gates, moderation.NewProviderGate(moderation.ProviderConfig{
			APIKey:   cfg.Moderation.APIKey,
			BaseURL:  cfg.Moderation.BaseURL,
			Model:    cfg.Moderation.Model,
			FailOpen: cfg.Moderation.FailOpen,
		}, nil, a.logger.With("component", "moderation")))
	}

	deps := orchestrator.Deps{
		LLM:        client,
		Limiter:    a.limiter,
		Moderation: gates,
		States:     a.local,
		Repository: a.store,
		Images:     utils.NewImageProcessor(),
		Notifier:   notifier,
		Logger:     a.logger.With("component", "orchestrator"),
		Model:      cfg.LLM.Model,
	}
	if cfg.Transcription.Enabled {
		deps.Transcriber = llm.NewWhisperTranscriber(llm.WhisperConfig{
			APIKey:   cfg.Transcription.APIKey,
			BaseURL:  cfg.Transcription.BaseURL,
			Model:    cfg.Transcription.Model,
			Language: cfg.Transcription.Language,
		}, nil)
	}

	settings := orchestrator.DefaultSettings()
	settings.InterviewMaxRounds = cfg.Engine.InterviewMaxRounds
	settings.ConversationTTL = time.Duration(cfg.Engine.ConversationTTLSeconds) * time.Second
	settings.MaxMessageLength = cfg.Engine.MaxMessageLength
	settings.MaxQuestionLength = cfg.Engine.MaxQuestionLength
	settings.InputPricePerToken = cfg.LLM.InputPrice
	settings.OutputPricePerToken = cfg.LLM.OutputPrice

	return orchestrator.New(deps, settings)
}

func newProvider(c utils.ProviderConfig) (llm.Provider, error) {
	config := llm.Config{
		ProviderName: c.DisplayName,
		APIKey:       c.APIKey,
		BaseURL:      c.BaseURL,
		Model:        c.Model,
		Timeout:      c.TimeoutSeconds,
		MaxTokens:    c.MaxTokens,
		Temperature:  c.Temperature,
		SiteURL:      c.SiteURL,
		SiteName:     c.SiteName,
	}
	if c.Backend == "ollama" {
		return llm.NewOllamaProvider(config, nil)
	}
	return llm.NewOpenAIProvider(config, nil)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
