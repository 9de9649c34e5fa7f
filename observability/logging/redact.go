package logging

import (
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
)

// MaskAddress keeps the first and last four hex digits of an account so log
// lines stay correlatable without printing the full identity.
func MaskAddress(key string, addr common.Address) slog.Attr {
	if addr == (common.Address{}) {
		return slog.String(key, "")
	}
	hex := addr.Hex()
	return slog.String(key, hex[:6]+"…"+hex[len(hex)-4:])
}
