package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ZapMentor/ZapMentor/internal/api"
	"github.com/ZapMentor/ZapMentor/internal/convo"
	"github.com/ZapMentor/ZapMentor/internal/delivery"
	"github.com/ZapMentor/ZapMentor/internal/genai"
	"github.com/ZapMentor/ZapMentor/internal/graphapi"
	"github.com/ZapMentor/ZapMentor/internal/lockfile"
	"github.com/ZapMentor/ZapMentor/internal/metrics"
	"github.com/ZapMentor/ZapMentor/internal/models"
	"github.com/ZapMentor/ZapMentor/internal/pipeline"
	"github.com/ZapMentor/ZapMentor/internal/scheduler"
	"github.com/ZapMentor/ZapMentor/internal/store"
	"github.com/ZapMentor/ZapMentor/internal/token"
	"github.com/ZapMentor/ZapMentor/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for ZapMentor state data
	DefaultStateDir = "/var/lib/zapmentor"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "zapmentor.db"
	// DefaultAPIAddr is the default API listen address
	DefaultAPIAddr = ":8080"
)

// Backend is the combined persistence surface backing the pipeline.
type Backend interface {
	store.Store
	store.JobRepo
}

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	if err := run(config, flags); err != nil {
		slog.Error("ZapMentor failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("ZapMentor exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL     string
	StateDir        string
	OpenAIKey       string
	OpenAIModel     string
	FallbackBaseURL string
	FallbackKey     string
	FallbackModel   string
	Channel         string
	PhoneNumberID   string
	VerifyToken     string
	AppID           string
	AppSecret       string
	ShortLivedToken string
	APIAddr         string
	JobPollInterval time.Duration
	MaxRetries      int
	PartDelay       time.Duration
}

// Flags holds command line flag values
type Flags struct {
	stateDir *string
	dbDSN    *string
	apiAddr  *string
	channel  *string
}

// initializeLogger sets up structured logging
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("ZAPMENTOR_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		StateDir:        os.Getenv("ZAPMENTOR_STATE_DIR"),
		OpenAIKey:       os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:     os.Getenv("OPENAI_MODEL"),
		FallbackBaseURL: os.Getenv("FALLBACK_BASE_URL"),
		FallbackKey:     os.Getenv("FALLBACK_API_KEY"),
		FallbackModel:   os.Getenv("FALLBACK_MODEL"),
		Channel:         os.Getenv("CHANNEL_PROVIDER"),
		PhoneNumberID:   os.Getenv("WHATSAPP_PHONE_NUMBER_ID"),
		VerifyToken:     os.Getenv("WHATSAPP_VERIFY_TOKEN"),
		AppID:           os.Getenv("WHATSAPP_APP_ID"),
		AppSecret:       os.Getenv("WHATSAPP_APP_SECRET"),
		ShortLivedToken: os.Getenv("WHATSAPP_SHORT_LIVED_TOKEN"),
		APIAddr:         os.Getenv("API_ADDR"),
		JobPollInterval: util.ParseDurationEnv("JOB_POLL_INTERVAL", 2*time.Second),
		MaxRetries:      util.ParseIntEnv("DELIVERY_MAX_RETRIES", delivery.DefaultMaxRetries),
		PartDelay:       util.ParseDurationEnv("DELIVERY_PART_DELAY", delivery.DefaultPartDelay),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No ZAPMENTOR_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.Channel == "" {
		config.Channel = "graph"
	}
	if config.APIAddr == "" {
		config.APIAddr = DefaultAPIAddr
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"ZAPMENTOR_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"FALLBACK_BASE_URL_SET", config.FallbackBaseURL != "",
		"CHANNEL_PROVIDER", config.Channel,
		"API_ADDR", config.APIAddr)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir: flag.String("state-dir", config.StateDir, "state directory for ZapMentor data (overrides $ZAPMENTOR_STATE_DIR)"),
		dbDSN:    flag.String("db-dsn", config.DatabaseURL, "database DSN (overrides $DATABASE_URL)"),
		apiAddr:  flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		channel:  flag.String("channel", config.Channel, "delivery channel backend: graph or twilio (overrides $CHANNEL_PROVIDER)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"channel", *flags.channel)

	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) == "sqlite" {
		stateDir := filepath.Dir(*flags.dbDSN)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// openBackend opens the persistence backend matching the DSN type.
func openBackend(dsn string) (Backend, error) {
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Info("Opening PostgreSQL backend")
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	}
	slog.Info("Opening SQLite backend", "path", dsn)
	return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
}

// buildSender wires the channel backend: the graph client with its token
// manager, or Twilio with self-contained credentials.
func buildSender(ctx context.Context, config Config, channel string, backend Backend, rec *metrics.Recorder) (delivery.Sender, delivery.TokenSource, *token.Manager, error) {
	if channel == "twilio" {
		sender, err := delivery.NewTwilioSender()
		if err != nil {
			return nil, nil, nil, err
		}
		return sender, nil, nil, nil
	}

	client, err := graphapi.NewClient(graphapi.WithPhoneNumberID(config.PhoneNumberID))
	if err != nil {
		return nil, nil, nil, err
	}
	tokens := token.NewManager(client, backend, rec)

	if _, err := tokens.Current(ctx); err != nil {
		if !errors.Is(err, models.ErrCredentialNotFound) {
			return nil, nil, nil, err
		}
		if config.ShortLivedToken == "" {
			return nil, nil, nil, errors.New("no stored credential and WHATSAPP_SHORT_LIVED_TOKEN not set")
		}
		slog.Info("No stored credential, running initial token exchange")
		if _, err := tokens.Initialize(ctx, config.AppID, config.AppSecret, config.ShortLivedToken); err != nil {
			return nil, nil, nil, err
		}
	}

	return delivery.NewGraphSender(client, tokens), tokens, tokens, nil
}

func run(config Config, flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if store.DetectDSNType(*flags.dbDSN) == "sqlite" {
		lock, err := lockfile.AcquireLock(filepath.Dir(*flags.dbDSN))
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	backend, err := openBackend(*flags.dbDSN)
	if err != nil {
		return err
	}
	defer backend.Close()

	rec := metrics.NewRecorder()

	sender, tokenSource, tokens, err := buildSender(ctx, config, *flags.channel, backend, rec)
	if err != nil {
		return err
	}

	engine := delivery.NewEngine(sender, backend, tokenSource, rec,
		delivery.WithMaxRetries(config.MaxRetries),
		delivery.WithPartDelay(config.PartDelay),
	)

	primary, err := genai.NewOpenAIProvider(config.OpenAIKey, config.OpenAIModel)
	if err != nil {
		return err
	}
	secondary, err := genai.NewFallbackProvider(config.FallbackBaseURL, config.FallbackKey, config.FallbackModel)
	if err != nil {
		return err
	}
	gen := genai.NewOrchestrator(primary, secondary, backend, rec)

	onboarding := convo.NewOnboarding(backend, engine)
	processor := pipeline.NewProcessor(backend, backend, gen, engine, onboarding, rec)

	runner := store.NewJobRunner(backend, config.JobPollInterval)
	if err := runner.RecoverStaleJobs(); err != nil {
		slog.Error("Stale job recovery failed", "error", err)
	}
	processor.Register(runner)
	go runner.Run(ctx)

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if tokens != nil {
		if err := sched.ScheduleTokenRenewal(func(c context.Context) error {
			_, rerr := tokens.Renew(c)
			return rerr
		}); err != nil {
			return err
		}
	}

	server := api.NewServer(processor, rec,
		api.WithAddr(*flags.apiAddr),
		api.WithVerifyToken(config.VerifyToken),
	)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Run() }()

	slog.Info("ZapMentor running", "addr", *flags.apiAddr, "channel", *flags.channel)

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("API shutdown failed", "error", err)
	}
	return nil
}
