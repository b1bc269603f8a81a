package core

import (
	"errors"
	"fmt"
	"testing"
)

// Test sentinel errors
func TestSentinelErrors(t *testing.T) {
	t.Run("ErrorMessages", func(t *testing.T) {
		tests := []struct {
			err     error
			message string
		}{
			{ErrInvalidAddressFormat, "divert: invalid address format"},
			{ErrPacketTooShort, "divert: packet too short"},
			{ErrUnsupportedProto, "divert: unsupported protocol"},
			{ErrEncoding, "divert: packet encoding failed"},
			{ErrDriver, "divert: driver error"},
			{ErrHandleClosed, "divert: handle closed"},
			{ErrInvalidState, "divert: invalid handle state"},
			{ErrConfigInvalid, "divert: invalid configuration"},
		}

		for _, tt := range tests {
			if tt.err.Error() != tt.message {
				t.Errorf("expected error message %q, got %q", tt.message, tt.err.Error())
			}
		}
	})

	t.Run("ErrorWrapping", func(t *testing.T) {
		wrapped := fmt.Errorf("%w: open failed: access denied", ErrDriver)
		if !errors.Is(wrapped, ErrDriver) {
			t.Error("errors.Is failed for wrapped ErrDriver")
		}
		if errors.Is(wrapped, ErrHandleClosed) {
			t.Error("wrapped ErrDriver must not match ErrHandleClosed")
		}
	})
}

func TestDirection(t *testing.T) {
	var m Metadata
	if m.Direction != Outbound {
		t.Errorf("zero Metadata direction = %v, want outbound", m.Direction)
	}
	if Outbound.String() != "outbound" || Inbound.String() != "inbound" {
		t.Errorf("unexpected direction names %q/%q", Outbound, Inbound)
	}
}
