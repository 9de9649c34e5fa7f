package lending

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
)

var (
	loanCountKey         = []byte("lending/loan/count")
	loanPrefix           = []byte("lending/loan/")
	lockedPrefix         = []byte("lending/locked/")
	borrowerIndexPrefix  = []byte("lending/index/borrower/")
	lenderIndexPrefix    = []byte("lending/index/lender/")
	borrowerActivePrefix = []byte("lending/active/borrower/")
	lenderActivePrefix   = []byte("lending/active/lender/")
	assetPrefix          = []byte("lending/asset/")
	assetListKey         = []byte("lending/asset/list")
	statsKey             = []byte("lending/stats")
	policyKey            = []byte("lending/policy")
	adminKey             = []byte("lending/admin")
)

func loanKey(id uint64) []byte {
	buf := make([]byte, len(loanPrefix)+8)
	copy(buf, loanPrefix)
	binary.BigEndian.PutUint64(buf[len(loanPrefix):], id)
	return buf
}

func addressKey(prefix []byte, addr common.Address) []byte {
	buf := make([]byte, len(prefix)+common.AddressLength)
	copy(buf, prefix)
	copy(buf[len(prefix):], addr.Bytes())
	return buf
}

func lockedKey(asset common.Address) []byte { return addressKey(lockedPrefix, asset) }

func assetKey(asset common.Address) []byte { return addressKey(assetPrefix, asset) }

func encodeLoanID(id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return buf
}

func decodeLoanID(raw []byte) (uint64, bool) {
	if len(raw) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(raw), true
}
