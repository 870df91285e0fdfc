//go:build !linux

package routing

// NewPlatformTable returns an in-memory table on non-Linux systems.
func NewPlatformTable() (*Memory, error) {
	return NewMemory(), nil
}
