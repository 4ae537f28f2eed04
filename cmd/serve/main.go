// Command serve runs the orchestration core's Session Gateway: the
// Command API and Event Stream described in spec §4.6, backed by the
// Persistence Port (C1), MCP Transport (C2), Agent Runtime (C3), Plan
// State Machine (C4), and Orchestrator (C5). Grounded on the CLI
// structure of vanducng-goclaw's cmd/root.go (cobra root command with
// --config) and the Redis-dial/graceful-run shape of the teacher's
// registry/cmd/registry/main.go.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/mosaicflow/orchestrator/agentllm"
	"github.com/mosaicflow/orchestrator/agentllm/anthropic"
	"github.com/mosaicflow/orchestrator/agentllm/bedrock"
	"github.com/mosaicflow/orchestrator/agentllm/openai"
	"github.com/mosaicflow/orchestrator/agentllm/ratelimit"
	"github.com/mosaicflow/orchestrator/blobstore"
	blobinmem "github.com/mosaicflow/orchestrator/blobstore/inmem"
	blobs3 "github.com/mosaicflow/orchestrator/blobstore/s3"
	"github.com/mosaicflow/orchestrator/config"
	"github.com/mosaicflow/orchestrator/coreerr"
	"github.com/mosaicflow/orchestrator/entitystore"
	"github.com/mosaicflow/orchestrator/gateway"
	"github.com/mosaicflow/orchestrator/mcptransport"
	"github.com/mosaicflow/orchestrator/orchestrator"
	"github.com/mosaicflow/orchestrator/persistence"
	persistmongo "github.com/mosaicflow/orchestrator/persistence/mongo"
	persistinmem "github.com/mosaicflow/orchestrator/persistence/inmem"
	"github.com/mosaicflow/orchestrator/planfsm"
	"github.com/mosaicflow/orchestrator/sessionindex"
	"github.com/mosaicflow/orchestrator/telemetry"

	"go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
)

var (
	cfgFile       string
	teamsFilePath string
	inMemory      bool
)

var rootCmd = &cobra.Command{
	Use:   "orchestrator-serve",
	Short: "Run the multi-agent plan orchestration Session Gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (optional; ORCH_ env vars and defaults still apply)")
	rootCmd.PersistentFlags().StringVar(&teamsFilePath, "teams-file", "", "path to a YAML/JSON/TOML file seeding team rosters into the store at startup")
	rootCmd.PersistentFlags().BoolVar(&inMemory, "in-memory", false, "use in-memory persistence and blob store instead of MongoDB/S3 (local/dev only)")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := telemetry.NewNoopLogger()

	port, err := buildPersistence(ctx, cfg)
	if err != nil {
		return err
	}
	store := entitystore.New(port, cfg.PersistenceConflictRetries)

	if err := seedTeams(ctx, teamsFilePath, store); err != nil {
		return err
	}

	blobs, err := buildBlobstore(ctx, cfg)
	if err != nil {
		return err
	}

	var sessions *sessionindex.Index
	if cfg.RedisAddr != "" && !inMemory {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		sessions = sessionindex.New(rdb, 0)
	}

	transport, err := buildTransport(ctx, cfg, logger)
	if err != nil {
		return err
	}

	clients := buildClientFactory(cfg)
	bus := planfsm.NewBus()
	orch := orchestrator.New(orchestrator.Options{
		Store: store, Transport: transport, Bus: bus,
		Clients: clients, Planner: orchestrator.NewLLMPlanner(clients),
		Config: cfg, Logger: logger, Sessions: sessions,
	})

	orch.ResumeAll(ctx)

	gw := gateway.New(gateway.Options{
		Store: store, Orchestrator: orch, Blobs: blobs, Bus: bus,
		Config: cfg, Logger: logger,
	})

	srv := &http.Server{Addr: cfg.Listen, Handler: gw}
	errc := make(chan error, 1)
	go func() {
		logger.Info(ctx, "gateway: listening", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
			return
		}
		errc <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("gateway server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	if transport != nil {
		_ = transport.Close()
	}
	return nil
}

func buildPersistence(ctx context.Context, cfg config.Config) (persistence.Port, error) {
	if inMemory || cfg.MongoURI == "" {
		return persistinmem.New(), nil
	}
	client, err := mongo.Connect(mongooptions.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	store, err := persistmongo.New(ctx, persistmongo.Options{Client: client, Database: cfg.MongoDatabase})
	if err != nil {
		return nil, fmt.Errorf("build mongo store: %w", err)
	}
	return store, nil
}

func buildBlobstore(ctx context.Context, cfg config.Config) (blobstore.Store, error) {
	if inMemory || cfg.S3Bucket == "" {
		return blobinmem.New(), nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return blobs3.New(s3.NewFromConfig(awsCfg), cfg.S3Bucket), nil
}

func buildTransport(ctx context.Context, cfg config.Config, logger telemetry.Logger) (*mcptransport.Transport, error) {
	if cfg.MCPEndpoint == "" {
		return nil, nil
	}
	var tokenSource func(context.Context) (string, error)
	if cfg.MCPAuthEnabled {
		tokenSource = func(context.Context) (string, error) { return cfg.JWTSecret, nil }
	}
	conn, err := mcptransport.DialHTTP(ctx, cfg.MCPEndpoint, tokenSource)
	if err != nil {
		return nil, fmt.Errorf("dial mcp endpoint: %w", err)
	}
	transport := mcptransport.New(conn, mcptransport.Options{
		Endpoint: cfg.MCPEndpoint, MaxInflight: cfg.MCPMaxInflight,
		AuthEnabled: cfg.MCPAuthEnabled, TokenSource: tokenSource, Logger: logger,
	})
	if err := transport.Discover(ctx); err != nil {
		return nil, fmt.Errorf("discover mcp tools: %w", err)
	}
	return transport, nil
}

// buildClientFactory resolves an agentllm.Client per model provider name
// (DESIGN.md supplemented feature #1), constructing each lazily so a
// deployment that never uses a given provider need not hold its key. Every
// constructed client is wrapped with a shared AdaptiveRateLimiter so all
// providers draw against one tokens-per-minute budget (DESIGN.md bugfix:
// golang.org/x/time rate limiting).
func buildClientFactory(cfg config.Config) orchestrator.ClientFactory {
	limiter := ratelimit.New(cfg.ModelRateLimitTPM, cfg.ModelRateLimitMaxTPM)
	return func(provider string) (agentllm.Client, error) {
		switch provider {
		case "anthropic":
			if cfg.AnthropicAPIKey == "" {
				return nil, coreerr.New(coreerr.ValidationError, "anthropic_api_key not configured")
			}
			return limiter.Middleware(anthropic.New(cfg.AnthropicAPIKey)), nil
		case "openai":
			if cfg.OpenAIAPIKey == "" {
				return nil, coreerr.New(coreerr.ValidationError, "openai_api_key not configured")
			}
			return limiter.Middleware(openai.New(cfg.OpenAIAPIKey)), nil
		case "bedrock":
			awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
			if err != nil {
				return nil, coreerr.Wrap(coreerr.ValidationError, "load aws config for bedrock", err)
			}
			return limiter.Middleware(bedrock.New(awsCfg)), nil
		default:
			return nil, agentllm.ErrUnsupportedProvider(provider)
		}
	}
}
