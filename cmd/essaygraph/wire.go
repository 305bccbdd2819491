package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/dshills/essaygraph/essay"
	"github.com/dshills/essaygraph/graph/emit"
	"github.com/dshills/essaygraph/graph/model"
	"github.com/dshills/essaygraph/graph/model/anthropic"
	"github.com/dshills/essaygraph/graph/model/google"
	"github.com/dshills/essaygraph/graph/model/openai"
	"github.com/dshills/essaygraph/graph/store"
	"github.com/dshills/essaygraph/graph/tool"
	"github.com/dshills/essaygraph/internal/config"
	"github.com/dshills/essaygraph/internal/telemetry"
)

// app is everything a command needs, opened from the configuration.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	writer *essay.Writer
	events *emit.BufferedEmitter

	closers []func(context.Context) error
}

func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	return errors.Join(errs...)
}

// opener builds the app for a command. live is true for commands that
// execute nodes and therefore need a model and a searcher.
type opener func(ctx context.Context, g *globalFlags, live bool) (*app, error)

type globalFlags struct {
	configPath string
	envFiles   []string
	jsonOut    bool
	events     bool

	// quiet discards logs, for the full-screen UI.
	quiet bool
}

func openApp(ctx context.Context, g *globalFlags, live bool) (*app, error) {
	cfg, err := config.Load(g.configPath, g.envFiles...)
	if err != nil {
		return nil, err
	}
	var logOut io.Writer = os.Stderr
	if g.quiet {
		logOut = io.Discard
	}
	logger := newLogger(cfg, logOut)

	a := &app{cfg: cfg, logger: logger, events: emit.NewBufferedEmitter()}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close(context.Background())
		}
	}()

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return st.Close() })

	tel, err := telemetry.Setup(ctx, cfg.Telemetry, os.Stderr, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, tel.Shutdown)

	emitters := emit.MultiEmitter{emit.NewSlogEmitter(logger), a.events}
	if cfg.Telemetry.Tracing != "none" {
		emitters = append(emitters, emit.NewOTelEmitter(tel.Tracer))
	}
	if g.events && !g.quiet {
		emitters = append(emitters, emit.NewLogEmitter(os.Stderr, cfg.Log.Format == "json"))
	}

	deps := essay.Deps{Store: st, Emitter: emitters, Metrics: tel.Metrics}
	if live {
		if err := cfg.RequireCredentials(); err != nil {
			return nil, err
		}
		m, closeModel, err := openModel(ctx, cfg.Model)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, closeModel)
		deps.Model = m
		deps.Search = openSearcher(cfg.Search)
	} else {
		deps.Model = offline{}
		deps.Search = offline{}
	}

	a.writer, err = essay.NewWriter(deps, cfg.Essay())
	if err != nil {
		return nil, err
	}
	ok = true
	return a, nil
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store[essay.AgentState], error) {
	name := cfg.Codec
	if cfg.Compress {
		name += "+zstd"
	}
	codec, err := store.CodecByName(name)
	if err != nil {
		return nil, err
	}

	switch cfg.Backend {
	case "memory":
		return store.NewMemStore[essay.AgentState](), nil
	case "sqlite":
		return store.NewSQLiteStore[essay.AgentState](cfg.Path, codec)
	case "mysql":
		return store.NewMySQLStore[essay.AgentState](cfg.DSN, codec)
	case "postgres":
		return store.NewPostgresStore[essay.AgentState](ctx, cfg.DSN, codec)
	case "redis":
		return store.NewRedisStore[essay.AgentState](store.RedisConfig{Addr: cfg.Addr, Prefix: cfg.Prefix}, codec)
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

func openModel(ctx context.Context, cfg config.ModelConfig) (model.ChatModel, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	switch cfg.Provider {
	case "openai":
		opts := []openai.Option{openai.WithTemperature(cfg.Temperature), openai.WithTimeout(cfg.Timeout)}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		return openai.NewChatModel(cfg.APIKey, cfg.Name, opts...), noop, nil
	case "anthropic":
		opts := []anthropic.Option{anthropic.WithTemperature(cfg.Temperature), anthropic.WithTimeout(cfg.Timeout)}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		return anthropic.NewChatModel(cfg.APIKey, cfg.Name, opts...), noop, nil
	case "google":
		m, err := google.NewChatModel(ctx, cfg.APIKey, cfg.Name,
			google.WithTemperature(float32(cfg.Temperature)),
			google.WithTimeout(cfg.Timeout),
		)
		if err != nil {
			return nil, nil, err
		}
		return m, func(context.Context) error { return m.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
}

func openSearcher(cfg config.SearchConfig) tool.Searcher {
	opts := []tool.TavilyOption{
		tool.WithSearchDepth(cfg.Depth),
		tool.WithSearchTimeout(cfg.Timeout),
		tool.WithRateLimit(cfg.RateLimit, cfg.Burst),
	}
	if cfg.Endpoint != "" {
		opts = append(opts, tool.WithEndpoint(cfg.Endpoint))
	}
	return tool.NewTavilySearch(cfg.APIKey, opts...)
}

var errOffline = errors.New("this command does not call models or search")

// offline stands in for the model and searcher in commands that never
// execute a node.
type offline struct{}

func (offline) Chat(context.Context, []model.Message, []model.ToolSpec) (model.ChatOut, error) {
	return model.ChatOut{}, errOffline
}

func (offline) Search(context.Context, string, int) ([]tool.SearchResult, error) {
	return nil, errOffline
}
