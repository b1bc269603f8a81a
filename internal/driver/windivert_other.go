//go:build !windows

package driver

import "fmt"

// WinDivert is unavailable outside Windows; Load always fails.
type WinDivert struct {
	Driver
}

// Load reports that the WinDivert library cannot be used on this platform.
func Load(path string) (*WinDivert, error) {
	return nil, fmt.Errorf("%w: cannot load %q", ErrNotAvailable, path)
}
