package bank

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"loanledger/core/state"
	"loanledger/storage"
)

func newTestAddress(fill byte) common.Address {
	return common.BytesToAddress(bytes.Repeat([]byte{fill}, common.AddressLength))
}

func newTestKeeper() (*Keeper, *state.Manager) {
	manager := state.NewManager(storage.NewMemDB())
	return NewKeeper(manager), manager
}

func mustBalance(t *testing.T, k *Keeper, asset, holder common.Address) uint64 {
	t.Helper()
	balance, err := k.BalanceOf(asset, holder)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return balance.Uint64()
}

func TestTransferMovesNativeBalance(t *testing.T) {
	keeper, _ := newTestKeeper()
	alice := newTestAddress(0x01)
	bob := newTestAddress(0x02)
	if err := keeper.Mint(NativeAsset, alice, uint256.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := keeper.Transfer(NativeAsset, alice, bob, uint256.NewInt(40)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := mustBalance(t, keeper, NativeAsset, alice); got != 60 {
		t.Fatalf("expected alice 60, got %d", got)
	}
	if got := mustBalance(t, keeper, NativeAsset, bob); got != 40 {
		t.Fatalf("expected bob 40, got %d", got)
	}
	if err := keeper.Transfer(NativeAsset, bob, alice, uint256.NewInt(41)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestTransferFromConsumesAllowance(t *testing.T) {
	keeper, _ := newTestKeeper()
	token := newTestAddress(0xEE)
	owner := newTestAddress(0x01)
	spender := newTestAddress(0x0C)
	if err := keeper.Mint(token, owner, uint256.NewInt(500)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := keeper.TransferFrom(token, spender, owner, spender, uint256.NewInt(1)); !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("expected ErrInsufficientAllowance, got %v", err)
	}
	if err := keeper.Approve(token, owner, spender, uint256.NewInt(300)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := keeper.TransferFrom(token, spender, owner, spender, uint256.NewInt(200)); err != nil {
		t.Fatalf("transferFrom: %v", err)
	}
	allowance, err := keeper.Allowance(token, owner, spender)
	if err != nil {
		t.Fatalf("allowance: %v", err)
	}
	if allowance.Uint64() != 100 {
		t.Fatalf("expected remaining allowance 100, got %s", allowance.Dec())
	}
	if got := mustBalance(t, keeper, token, spender); got != 200 {
		t.Fatalf("expected spender 200, got %d", got)
	}
}

func TestApproveRejectsNativeAsset(t *testing.T) {
	keeper, _ := newTestKeeper()
	err := keeper.Approve(NativeAsset, newTestAddress(0x01), newTestAddress(0x02), uint256.NewInt(1))
	if !errors.Is(err, ErrNativeAllowance) {
		t.Fatalf("expected ErrNativeAllowance, got %v", err)
	}
}

func TestReceiveHookCanReject(t *testing.T) {
	keeper, manager := newTestKeeper()
	alice := newTestAddress(0x01)
	vault := newTestAddress(0x0F)
	if err := keeper.Mint(NativeAsset, alice, uint256.NewInt(10)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	noDeposits := errors.New("no deposits")
	keeper.SetReceiveHook(vault, func(asset, from common.Address, amount *uint256.Int) error {
		return noDeposits
	})

	snap := manager.Snapshot()
	err := keeper.Transfer(NativeAsset, alice, vault, uint256.NewInt(5))
	if !errors.Is(err, ErrRecipientRejected) {
		t.Fatalf("expected ErrRecipientRejected, got %v", err)
	}
	if !errors.Is(err, noDeposits) {
		t.Fatalf("hook error missing from chain: %v", err)
	}
	manager.RevertToSnapshot(snap)
	if got := mustBalance(t, keeper, NativeAsset, alice); got != 10 {
		t.Fatalf("expected revert to restore alice balance, got %d", got)
	}

	keeper.SetReceiveHook(vault, nil)
	if err := keeper.Transfer(NativeAsset, alice, vault, uint256.NewInt(5)); err != nil {
		t.Fatalf("transfer after clearing hook: %v", err)
	}
}

func TestZeroTransferIsNoop(t *testing.T) {
	keeper, _ := newTestKeeper()
	called := false
	dest := newTestAddress(0x02)
	keeper.SetReceiveHook(dest, func(common.Address, common.Address, *uint256.Int) error {
		called = true
		return nil
	})
	if err := keeper.Transfer(NativeAsset, newTestAddress(0x01), dest, new(uint256.Int)); err != nil {
		t.Fatalf("zero transfer: %v", err)
	}
	if called {
		t.Fatalf("hook must not run for zero transfers")
	}
}
