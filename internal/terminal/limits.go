package terminal

import "fmt"

const (
	// MaxInputMessageSize bounds a single input message from a client.
	MaxInputMessageSize = 64 * 1024

	MaxTermCols = 500
	MaxTermRows = 200
)

// ValidateGeometry rejects zero or oversized terminal dimensions.
func ValidateGeometry(rows, cols uint16) error {
	if rows == 0 || cols == 0 || rows > MaxTermRows || cols > MaxTermCols {
		return fmt.Errorf("%w: %dx%d (max %dx%d)", ErrInvalidGeometry, rows, cols, MaxTermRows, MaxTermCols)
	}
	return nil
}
