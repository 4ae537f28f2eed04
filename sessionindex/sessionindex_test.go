package sessionindex

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mosaicflow/orchestrator/domain"
)

var (
	testRedisClient    *redis.Client
	testRedisContainer testcontainers.Container
	skipIntegration    bool
)

// TestMain starts a single Redis container for the package, mirroring the
// teacher's registry integration test setup.
func TestMain(m *testing.M) {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		}
		testRedisContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, sessionindex integration tests will be skipped: %v\n", containerErr)
		skipIntegration = true
	} else {
		host, err := testRedisContainer.Host(ctx)
		if err != nil {
			skipIntegration = true
		} else {
			port, err := testRedisContainer.MappedPort(ctx, "6379")
			if err != nil {
				skipIntegration = true
			} else {
				testRedisClient = redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
				if err := testRedisClient.Ping(ctx).Err(); err != nil {
					skipIntegration = true
				}
			}
		}
	}

	code := m.Run()

	if testRedisClient != nil {
		_ = testRedisClient.Close()
	}
	if testRedisContainer != nil {
		_ = testRedisContainer.Terminate(ctx)
	}
	os.Exit(code)
}

func getRedis(t *testing.T) *redis.Client {
	t.Helper()
	if skipIntegration {
		t.Skip("Docker not available, skipping integration test")
	}
	if err := testRedisClient.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("failed to flush redis: %v", err)
	}
	return testRedisClient
}

func TestTouchThenList(t *testing.T) {
	rdb := getRedis(t)
	idx := New(rdb, time.Minute)
	ctx := context.Background()

	require.NoError(t, idx.Touch(ctx, domain.SessionID("sess-1")))
	require.NoError(t, idx.Touch(ctx, domain.SessionID("sess-2")))

	got, err := idx.List(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []domain.SessionID{"sess-1", "sess-2"}, got)
}

func TestForgetRemovesSession(t *testing.T) {
	rdb := getRedis(t)
	idx := New(rdb, time.Minute)
	ctx := context.Background()

	require.NoError(t, idx.Touch(ctx, domain.SessionID("sess-1")))
	require.NoError(t, idx.Forget(ctx, domain.SessionID("sess-1")))

	got, err := idx.List(ctx)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestExpiredEntryPrunedFromList(t *testing.T) {
	rdb := getRedis(t)
	idx := New(rdb, 50*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, idx.Touch(ctx, domain.SessionID("sess-expiring")))
	time.Sleep(200 * time.Millisecond)

	got, err := idx.List(ctx)
	require.NoError(t, err)
	require.Empty(t, got)
}
