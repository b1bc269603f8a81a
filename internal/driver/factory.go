package driver

import (
	"fmt"
	"runtime"
	"strings"

	"firestige.xyz/divert/internal/core"
)

// Kind selects a Driver implementation.
type Kind string

const (
	KindWinDivert Kind = "windivert"
	KindMemory    Kind = "memory"
)

// ParseKind converts a config string into a Kind (case-insensitive).
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "windivert", "win_divert":
		return KindWinDivert, nil
	case "memory", "mem":
		return KindMemory, nil
	default:
		return "", fmt.Errorf("unknown driver kind: %q", s)
	}
}

// UnmarshalText implements encoding.TextUnmarshaler for config decoding.
func (k *Kind) UnmarshalText(text []byte) error {
	v, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// New creates the driver of the given kind. path locates the WinDivert
// library and is ignored by the memory driver. Failures wrap core.ErrDriver.
func New(kind Kind, path string) (Driver, error) {
	switch kind {
	case KindMemory:
		return NewMemory(), nil
	case KindWinDivert:
		w, err := Load(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", core.ErrDriver, err)
		}
		return w, nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver kind %q", core.ErrDriver, kind)
	}
}

// SupportedKinds lists the kinds usable on this platform.
func SupportedKinds() []Kind {
	if runtime.GOOS != "windows" {
		return []Kind{KindMemory}
	}
	return []Kind{KindWinDivert, KindMemory}
}
