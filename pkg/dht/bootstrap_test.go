package dht

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBootstrapUnreachableRoutersIsNotFatal(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Routers = []string{"127.0.0.1:9"} // discard port, nothing answers
	cfg.QueryTimeout = 100 * time.Millisecond
	cfg.MinNodes = 4
	cfg.BootstrapRounds = 2
	cfg.BootstrapTimeout = 500 * time.Millisecond

	s, err := New(zap.NewNop(), cfg)
	require.NoError(t, err)
	defer s.Stop()

	start := time.Now()
	s.Start(context.Background())

	require.Equal(t, 0, s.table.Len())
	require.Less(t, time.Since(start), 5*time.Second, "bootstrap must give up, not hang")
}

func TestBootstrapNoResolvableRouters(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Routers = nil

	s, err := New(zap.NewNop(), cfg)
	require.NoError(t, err)
	defer s.Stop()

	s.Start(context.Background())
	require.Equal(t, 0, s.table.Len())
}

func TestBootstrapFromSeedNode(t *testing.T) {
	t.Parallel()

	// A live in-process node whose table already knows a batch of
	// (fake, unreachable) contacts. Its find_node replies are enough to
	// populate a fresh scanner past its minimum.
	seed, seedTable := newTestTransport(t, 2*time.Second)
	for i, id := range randomIDs(42, 20) {
		seedTable.Insert(id, testAddr(i))
	}

	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Routers = []string{seed.localAddr().String()}
	cfg.QueryTimeout = 500 * time.Millisecond
	cfg.MinNodes = 4
	cfg.BootstrapRounds = 2
	cfg.BootstrapTimeout = 5 * time.Second

	s, err := New(zap.NewNop(), cfg)
	require.NoError(t, err)
	defer s.Stop()

	s.Start(context.Background())

	// The seed itself plus the contacts it handed back.
	require.GreaterOrEqual(t, s.table.Len(), cfg.MinNodes)
	require.Equal(t, StatusGood, s.table.Status(seed.self))
}

func TestBootstrapStopsOnCancellation(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Routers = []string{"127.0.0.1:9"}
	cfg.QueryTimeout = 5 * time.Second
	cfg.MinNodes = 4
	cfg.BootstrapRounds = 8
	cfg.BootstrapTimeout = time.Minute

	s, err := New(zap.NewNop(), cfg)
	require.NoError(t, err)
	defer s.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	s.Start(ctx)
	require.Less(t, time.Since(start), 3*time.Second, "cancellation must cut bootstrap short")
}
