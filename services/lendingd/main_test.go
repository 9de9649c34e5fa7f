package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"loanledger/core/state"
	"loanledger/native/bank"
	"loanledger/native/lending"
	"loanledger/services/lendingd/server"
	"loanledger/storage"
)

func TestBootstrapInitialisesOnce(t *testing.T) {
	db := storage.NewMemDB()
	manager := state.NewManager(db)
	engine := lending.NewEngine(manager, bank.NewKeeper(manager), nil, common.HexToAddress("0xc057"))
	exec := server.NewExecutor(manager, nil, nil, nil)
	engine.SetEmitter(exec)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	require.Error(t, bootstrap(context.Background(), engine, exec, "", logger))

	owner := common.HexToAddress("0xa0")
	path := filepath.Join(t.TempDir(), "policy.toml")
	cfg := lending.DefaultConfig()
	cfg.Owner = owner.Hex()
	cfg.FeeRecipient = owner.Hex()
	require.NoError(t, lending.WriteConfig(path, cfg))

	require.NoError(t, bootstrap(context.Background(), engine, exec, path, logger))
	got, err := engine.Owner()
	require.NoError(t, err)
	require.Equal(t, owner, got)
	require.Zero(t, manager.Dirty())

	// A second start with a different file leaves the stored owner alone.
	cfg.Owner = common.HexToAddress("0xb0").Hex()
	require.NoError(t, lending.WriteConfig(path, cfg))
	require.NoError(t, bootstrap(context.Background(), engine, exec, path, logger))
	got, err = engine.Owner()
	require.NoError(t, err)
	require.Equal(t, owner, got)
}

func TestShippedConfigsLoad(t *testing.T) {
	cfg, err := lending.LoadConfig("policy.toml")
	require.NoError(t, err)
	require.Len(t, cfg.Assets, 1)
}
