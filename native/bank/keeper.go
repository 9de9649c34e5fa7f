package bank

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// NativeAsset identifies the base currency. Every other address names a
// fungible token.
var NativeAsset = common.Address{}

var (
	ErrNilState              = errors.New("bank: state not configured")
	ErrInvalidAmount         = errors.New("bank: amount must not be nil")
	ErrInsufficientBalance   = errors.New("bank: insufficient balance")
	ErrInsufficientAllowance = errors.New("bank: insufficient allowance")
	ErrNativeAllowance       = errors.New("bank: native asset has no allowance")
	ErrRecipientRejected     = errors.New("bank: recipient rejected transfer")
	ErrBalanceOverflow       = errors.New("bank: balance overflow")
)

// Storage is the subset of the state manager used by the keeper.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// ReceiveHook runs after an account has been credited. Returning an error
// rejects the transfer; hooks may also call back into other modules.
type ReceiveHook func(asset, from common.Address, amount *uint256.Int) error

// Keeper tracks native and token balances plus token allowances. Balances live
// in the shared journaled state so a caller that reverts its snapshot also
// reverts every transfer made through the keeper.
type Keeper struct {
	state Storage
	hooks map[common.Address]ReceiveHook
}

// NewKeeper constructs a keeper backed by the supplied state.
func NewKeeper(state Storage) *Keeper {
	return &Keeper{state: state, hooks: make(map[common.Address]ReceiveHook)}
}

// SetReceiveHook installs or clears (nil hook) the receive hook for addr.
func (k *Keeper) SetReceiveHook(addr common.Address, hook ReceiveHook) {
	if k == nil {
		return
	}
	if hook == nil {
		delete(k.hooks, addr)
		return
	}
	k.hooks[addr] = hook
}

// BalanceOf returns the holder's balance of asset.
func (k *Keeper) BalanceOf(asset, holder common.Address) (*uint256.Int, error) {
	if k == nil || k.state == nil {
		return nil, ErrNilState
	}
	balance := new(uint256.Int)
	if _, err := k.state.KVGet(balanceKey(asset, holder), balance); err != nil {
		return nil, fmt.Errorf("bank: load balance: %w", err)
	}
	return balance, nil
}

// Allowance returns the amount spender may pull from owner.
func (k *Keeper) Allowance(asset, owner, spender common.Address) (*uint256.Int, error) {
	if k == nil || k.state == nil {
		return nil, ErrNilState
	}
	allowance := new(uint256.Int)
	if _, err := k.state.KVGet(allowanceKey(asset, owner, spender), allowance); err != nil {
		return nil, fmt.Errorf("bank: load allowance: %w", err)
	}
	return allowance, nil
}

// Approve sets the token allowance granted by owner to spender.
func (k *Keeper) Approve(asset, owner, spender common.Address, amount *uint256.Int) error {
	if k == nil || k.state == nil {
		return ErrNilState
	}
	if amount == nil {
		return ErrInvalidAmount
	}
	if asset == NativeAsset {
		return ErrNativeAllowance
	}
	return k.state.KVPut(allowanceKey(asset, owner, spender), amount)
}

// Mint credits amount of asset to the recipient without a counterparty.
func (k *Keeper) Mint(asset, to common.Address, amount *uint256.Int) error {
	if k == nil || k.state == nil {
		return ErrNilState
	}
	if amount == nil {
		return ErrInvalidAmount
	}
	return k.credit(asset, to, amount)
}

// Transfer moves amount of asset from one holder to another and then runs the
// recipient's receive hook.
func (k *Keeper) Transfer(asset, from, to common.Address, amount *uint256.Int) error {
	if k == nil || k.state == nil {
		return ErrNilState
	}
	if amount == nil {
		return ErrInvalidAmount
	}
	if amount.IsZero() {
		return nil
	}
	balance, err := k.BalanceOf(asset, from)
	if err != nil {
		return err
	}
	if balance.Lt(amount) {
		return fmt.Errorf("%w: %s holds %s of %s, needs %s", ErrInsufficientBalance, from.Hex(), balance.Dec(), asset.Hex(), amount.Dec())
	}
	if err := k.state.KVPut(balanceKey(asset, from), new(uint256.Int).Sub(balance, amount)); err != nil {
		return err
	}
	if err := k.credit(asset, to, amount); err != nil {
		return err
	}
	if hook, ok := k.hooks[to]; ok {
		if err := hook(asset, from, amount); err != nil {
			return fmt.Errorf("%w: %w", ErrRecipientRejected, err)
		}
	}
	return nil
}

// TransferFrom moves tokens on behalf of from, consuming spender's allowance.
func (k *Keeper) TransferFrom(asset, spender, from, to common.Address, amount *uint256.Int) error {
	if k == nil || k.state == nil {
		return ErrNilState
	}
	if amount == nil {
		return ErrInvalidAmount
	}
	if asset == NativeAsset {
		if spender != from {
			return ErrNativeAllowance
		}
		return k.Transfer(asset, from, to, amount)
	}
	allowance, err := k.Allowance(asset, from, spender)
	if err != nil {
		return err
	}
	if allowance.Lt(amount) {
		return fmt.Errorf("%w: %s approved %s, needs %s", ErrInsufficientAllowance, from.Hex(), allowance.Dec(), amount.Dec())
	}
	if err := k.state.KVPut(allowanceKey(asset, from, spender), new(uint256.Int).Sub(allowance, amount)); err != nil {
		return err
	}
	return k.Transfer(asset, from, to, amount)
}

func (k *Keeper) credit(asset, to common.Address, amount *uint256.Int) error {
	balance, err := k.BalanceOf(asset, to)
	if err != nil {
		return err
	}
	updated, overflow := new(uint256.Int).AddOverflow(balance, amount)
	if overflow {
		return ErrBalanceOverflow
	}
	return k.state.KVPut(balanceKey(asset, to), updated)
}
