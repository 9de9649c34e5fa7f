package main

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// formatUnits renders a base-unit integer string with the given number of
// decimals, trimming trailing zeros.
func formatUnits(raw string, decimals int32) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "0", nil
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return "", fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	if !value.Equal(value.Truncate(0)) {
		return "", fmt.Errorf("invalid amount %q: base units must be integral", raw)
	}
	return value.Shift(-decimals).String(), nil
}

// parseUnits converts a human amount such as "1.5" into base units. More
// fractional digits than decimals is rejected rather than rounded.
func parseUnits(human string, decimals int32) (string, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(human))
	if err != nil {
		return "", fmt.Errorf("invalid amount %q: %w", human, err)
	}
	if value.IsNegative() {
		return "", fmt.Errorf("invalid amount %q: must not be negative", human)
	}
	shifted := value.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return "", fmt.Errorf("invalid amount %q: more than %d decimal places", human, decimals)
	}
	return shifted.StringFixed(0), nil
}

// formatBps renders basis points as a percentage.
func formatBps(raw string) string {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return raw
	}
	return value.Shift(-2).StringFixed(2) + "%"
}
