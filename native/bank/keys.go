package bank

import "github.com/ethereum/go-ethereum/common"

var (
	balancePrefix   = []byte("bank/balance/")
	allowancePrefix = []byte("bank/allowance/")
)

func balanceKey(asset, holder common.Address) []byte {
	buf := make([]byte, 0, len(balancePrefix)+2*common.AddressLength)
	buf = append(buf, balancePrefix...)
	buf = append(buf, asset.Bytes()...)
	return append(buf, holder.Bytes()...)
}

func allowanceKey(asset, owner, spender common.Address) []byte {
	buf := make([]byte, 0, len(allowancePrefix)+3*common.AddressLength)
	buf = append(buf, allowancePrefix...)
	buf = append(buf, asset.Bytes()...)
	buf = append(buf, owner.Bytes()...)
	return append(buf, spender.Bytes()...)
}
