package sshterminal

import (
	"fmt"
)

// Limits for terminal input and geometry.
const (
	// MaxInputMessageSize is the maximum size in bytes for a single input
	// message. Larger messages are rejected.
	MaxInputMessageSize = 64 * 1024 // 64 KB

	// MaxTermCols is the maximum allowed terminal width.
	MaxTermCols = 500
	// MaxTermRows is the maximum allowed terminal height.
	MaxTermRows = 200

	// MessageRateLimit is the maximum number of input messages per second
	// accepted from a client.
	MessageRateLimit = 100
	// MessageRateBurst is the burst allowance for input messages.
	MessageRateBurst = 200
)

// ValidateSize checks terminal dimensions against MaxTermRows and MaxTermCols.
func ValidateSize(rows, cols int) error {
	if rows < 1 || rows > MaxTermRows {
		return fmt.Errorf("rows %d out of range 1-%d", rows, MaxTermRows)
	}
	if cols < 1 || cols > MaxTermCols {
		return fmt.Errorf("cols %d out of range 1-%d", cols, MaxTermCols)
	}
	return nil
}
