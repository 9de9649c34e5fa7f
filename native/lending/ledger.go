package lending

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// LedgerAccount tracks collateral pledged to open loans per asset. Only loan
// transitions move these counters.
type LedgerAccount struct {
	state Storage
}

// Locked returns the collateral currently pledged for asset.
func (l LedgerAccount) Locked(asset common.Address) (*uint256.Int, error) {
	locked := new(uint256.Int)
	if _, err := l.state.KVGet(lockedKey(asset), locked); err != nil {
		return nil, fmt.Errorf("lending: load locked %s: %w", asset.Hex(), err)
	}
	return locked, nil
}

// Lock adds amount to the asset's locked total.
func (l LedgerAccount) Lock(asset common.Address, amount *uint256.Int) error {
	locked, err := l.Locked(asset)
	if err != nil {
		return err
	}
	updated, err := add(locked, amount)
	if err != nil {
		return err
	}
	return l.state.KVPut(lockedKey(asset), updated)
}

// Unlock releases amount of the asset's locked total. Releasing more than is
// locked means the ledger is corrupt and panics.
func (l LedgerAccount) Unlock(asset common.Address, amount *uint256.Int) error {
	locked, err := l.Locked(asset)
	if err != nil {
		return err
	}
	if locked.Lt(amount) {
		panic(fmt.Sprintf("lending: unlock %s of %s exceeds locked %s", amount.Dec(), asset.Hex(), locked.Dec()))
	}
	return l.state.KVPut(lockedKey(asset), new(uint256.Int).Sub(locked, amount))
}

// Rescuable returns the part of held that is not pledged to open loans.
func (l LedgerAccount) Rescuable(asset common.Address, held *uint256.Int) (*uint256.Int, error) {
	locked, err := l.Locked(asset)
	if err != nil {
		return nil, err
	}
	if held.Lt(locked) {
		return new(uint256.Int), nil
	}
	return new(uint256.Int).Sub(held, locked), nil
}
