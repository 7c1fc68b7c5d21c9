package main

import (
	"context"
	"fmt"
	"os"

	"github.com/daviddao/finbrief/internal/auth"
	"github.com/daviddao/finbrief/internal/classify"
	"github.com/daviddao/finbrief/internal/config"
	"github.com/daviddao/finbrief/internal/db"
	"github.com/daviddao/finbrief/internal/display"
	"github.com/daviddao/finbrief/internal/gmail"
	"github.com/daviddao/finbrief/internal/imap"
	"github.com/daviddao/finbrief/internal/llm"
	"github.com/daviddao/finbrief/internal/logging"
	"github.com/daviddao/finbrief/internal/organic"
	"github.com/daviddao/finbrief/internal/pipeline"
	"github.com/daviddao/finbrief/internal/rules"
	"github.com/daviddao/finbrief/internal/summarize"
	"github.com/daviddao/finbrief/internal/telegram"
)

// App holds the opened resources shared by every command. Components that
// need credentials are built on demand so read-only commands work without
// them.
type App struct {
	Config *config.Config
	Log    *logging.Logger
	DB     *db.DB
	Rules  *rules.FileStore

	gateway *llm.Gateway
}

// NewApp loads settings, opens the log and the database.
func NewApp(envFile string, logToStderr bool) (*App, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Home, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	log, err := logging.New(cfg.Home, !logToStderr)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	store, err := db.Open(cfg.DBPath)
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	return &App{
		Config: cfg,
		Log:    log,
		DB:     store,
		Rules:  rules.NewFileStore(cfg.RulesDir()),
	}, nil
}

// Close releases the database and log file.
func (a *App) Close() {
	a.DB.Close()
	a.Log.Close()
}

// LLM returns the inference gateway over the configured providers.
func (a *App) LLM() (*llm.Gateway, error) {
	if a.gateway != nil {
		return a.gateway, nil
	}
	primary, err := llm.NewProvider(a.Config.LLMProvider, a.Config.LLM)
	if err != nil {
		return nil, err
	}
	var fallback llm.Provider
	if a.Config.LLMFallback != "" {
		if fallback, err = llm.NewProvider(a.Config.LLMFallback, a.Config.LLM); err != nil {
			return nil, err
		}
	}
	a.gateway = llm.NewGateway(primary, fallback, llm.GatewayOptions{
		Retry:        a.Config.Retry,
		Timeout:      a.Config.LLM.Timeout,
		ProbeTimeout: a.Config.ProbeTimeout,
		Logger:       a.Log,
	})
	return a.gateway, nil
}

// Classifier returns the classification service.
func (a *App) Classifier() *classify.Service {
	return classify.NewService(a.DB, a.Rules, a.Log)
}

// Builder returns the organic rule builder.
func (a *App) Builder() (*organic.Builder, error) {
	gw, err := a.LLM()
	if err != nil {
		return nil, err
	}
	return organic.New(a.DB, a.Rules, gw, a.Config.RulesRefresh, a.Log), nil
}

// Summarizer returns the digest generator.
func (a *App) Summarizer() (*summarize.Summarizer, error) {
	gw, err := a.LLM()
	if err != nil {
		return nil, err
	}
	return summarize.New(gw, a.DB, summarize.Options{
		Threshold: a.Config.SummaryThreshold,
		ChunkSize: a.Config.SummaryChunk,
	}, a.Log), nil
}

// Connector returns the configured mail source.
func (a *App) Connector(ctx context.Context) (pipeline.Connector, error) {
	c := a.Config
	switch c.Source {
	case config.SourceGmail:
		svc, err := auth.LoadGmailService(ctx, c.GmailCredentials, c.TokenPath(), a.Log)
		if err != nil {
			return nil, err
		}
		return gmail.New(svc, gmail.Options{Delay: c.FetchDelay, Retry: c.Retry}, a.Log), nil
	case config.SourceIMAP:
		return imap.New(imap.Config{
			Addr:     c.IMAPAddr,
			User:     c.IMAPUser,
			Password: c.IMAPPassword,
			Mailbox:  c.IMAPMailbox,
		}, a.Log), nil
	default:
		return nil, &config.Error{Key: "FB_SOURCE", Msg: fmt.Sprintf("unknown source %q", c.Source)}
	}
}

// Channel returns Telegram when configured, otherwise the terminal.
func (a *App) Channel() pipeline.Channel {
	c := a.Config
	if c.TelegramBotToken == "" {
		return display.NewConsole(os.Stdout)
	}
	return telegram.NewChannel(telegram.Config{
		BotToken: c.TelegramBotToken,
		ChatID:   c.TelegramChatID,
		Retry:    c.Retry,
	}, a.Log)
}

// Orchestrator wires the full pipeline. The configuration is validated first.
func (a *App) Orchestrator(ctx context.Context) (*pipeline.Orchestrator, error) {
	if err := a.Config.Validate(); err != nil {
		return nil, err
	}
	conn, err := a.Connector(ctx)
	if err != nil {
		return nil, err
	}
	builder, err := a.Builder()
	if err != nil {
		return nil, err
	}
	sum, err := a.Summarizer()
	if err != nil {
		return nil, err
	}
	return pipeline.New(pipeline.Deps{
		Store:      a.DB,
		Connector:  conn,
		Classifier: a.Classifier(),
		Refresher:  builder,
		Summarizer: sum,
		Channel:    a.Channel(),
	}, pipeline.Options{
		InitialLookback: a.Config.InitialLookback,
		Location:        a.Config.Location,
	}, a.Log), nil
}
