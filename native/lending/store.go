package lending

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Storage is the journaled key/value state the engine runs on. Snapshot and
// RevertToSnapshot give every operation all-or-nothing semantics.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVAppend(key []byte, value []byte) error
	KVGetList(key []byte, out interface{}) error
	Snapshot() int
	RevertToSnapshot(id int)
}

type adminRecord struct {
	Owner        common.Address
	FeeRecipient common.Address
	Paused       bool
}

type role uint8

const (
	roleBorrower role = iota
	roleLender
)

func (r role) indexKey(addr common.Address) []byte {
	if r == roleLender {
		return addressKey(lenderIndexPrefix, addr)
	}
	return addressKey(borrowerIndexPrefix, addr)
}

func (r role) activeKey(addr common.Address) []byte {
	if r == roleLender {
		return addressKey(lenderActivePrefix, addr)
	}
	return addressKey(borrowerActivePrefix, addr)
}

func (e *Engine) loanCount() (uint64, error) {
	var count uint64
	if _, err := e.state.KVGet(loanCountKey, &count); err != nil {
		return 0, fmt.Errorf("lending: load loan count: %w", err)
	}
	return count, nil
}

func (e *Engine) loadLoan(id uint64) (*Loan, error) {
	count, err := e.loanCount()
	if err != nil {
		return nil, err
	}
	if id >= count {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLoanID, id)
	}
	loan := new(Loan)
	ok, err := e.state.KVGet(loanKey(id), loan)
	if err != nil {
		return nil, fmt.Errorf("lending: load loan %d: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("lending: loan %d missing from state", id)
	}
	return loan, nil
}

func (e *Engine) storeLoan(loan *Loan) error {
	if err := e.state.KVPut(loanKey(loan.ID), loan); err != nil {
		return fmt.Errorf("lending: store loan %d: %w", loan.ID, err)
	}
	return nil
}

// appendLoan assigns the next id to loan and persists it.
func (e *Engine) appendLoan(loan *Loan) error {
	count, err := e.loanCount()
	if err != nil {
		return err
	}
	loan.ID = count
	if err := e.storeLoan(loan); err != nil {
		return err
	}
	return e.state.KVPut(loanCountKey, count+1)
}

func (e *Engine) appendIndex(r role, addr common.Address, id uint64) error {
	return e.state.KVAppend(r.indexKey(addr), encodeLoanID(id))
}

func (e *Engine) loanIndex(r role, addr common.Address) ([]uint64, error) {
	var raw [][]byte
	if err := e.state.KVGetList(r.indexKey(addr), &raw); err != nil {
		return nil, fmt.Errorf("lending: load index: %w", err)
	}
	ids := make([]uint64, 0, len(raw))
	for _, entry := range raw {
		id, ok := decodeLoanID(entry)
		if !ok {
			return nil, fmt.Errorf("lending: malformed index entry %x", entry)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (e *Engine) activeCount(r role, addr common.Address) (uint64, error) {
	var count uint64
	if _, err := e.state.KVGet(r.activeKey(addr), &count); err != nil {
		return 0, fmt.Errorf("lending: load active count: %w", err)
	}
	return count, nil
}

func (e *Engine) adjustActive(r role, addr common.Address, delta int) error {
	count, err := e.activeCount(r, addr)
	if err != nil {
		return err
	}
	switch {
	case delta > 0:
		count += uint64(delta)
	case uint64(-delta) > count:
		return fmt.Errorf("lending: active count underflow for %s", addr.Hex())
	default:
		count -= uint64(-delta)
	}
	return e.state.KVPut(r.activeKey(addr), count)
}

func (e *Engine) loadPolicy() (RiskPolicy, error) {
	var policy RiskPolicy
	ok, err := e.state.KVGet(policyKey, &policy)
	if err != nil {
		return RiskPolicy{}, fmt.Errorf("lending: load policy: %w", err)
	}
	if !ok {
		return RiskPolicy{}, ErrNotInitialized
	}
	return policy, nil
}

func (e *Engine) storePolicy(policy RiskPolicy) error {
	return e.state.KVPut(policyKey, policy)
}

func (e *Engine) loadAdmin() (adminRecord, error) {
	var admin adminRecord
	ok, err := e.state.KVGet(adminKey, &admin)
	if err != nil {
		return adminRecord{}, fmt.Errorf("lending: load admin: %w", err)
	}
	if !ok {
		return adminRecord{}, ErrNotInitialized
	}
	return admin, nil
}

func (e *Engine) storeAdmin(admin adminRecord) error {
	return e.state.KVPut(adminKey, admin)
}

func (e *Engine) loadAsset(asset common.Address) (CollateralAsset, bool, error) {
	var record CollateralAsset
	ok, err := e.state.KVGet(assetKey(asset), &record)
	if err != nil {
		return CollateralAsset{}, false, fmt.Errorf("lending: load asset %s: %w", asset.Hex(), err)
	}
	return record, ok, nil
}

func (e *Engine) storeAsset(record CollateralAsset) error {
	if err := e.state.KVPut(assetKey(record.Asset), record); err != nil {
		return err
	}
	return e.state.KVAppend(assetListKey, record.Asset.Bytes())
}

func (e *Engine) assetList() ([]common.Address, error) {
	var raw [][]byte
	if err := e.state.KVGetList(assetListKey, &raw); err != nil {
		return nil, fmt.Errorf("lending: load asset list: %w", err)
	}
	out := make([]common.Address, 0, len(raw))
	for _, entry := range raw {
		out = append(out, common.BytesToAddress(entry))
	}
	return out, nil
}
