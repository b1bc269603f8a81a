//go:build windows

package driver

import (
	"errors"
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"

	"firestige.xyz/divert/internal/core/layout"
)

const (
	errAccessDenied       = syscall.Errno(5)
	errInvalidHandle      = syscall.Errno(6)
	errInvalidParameter   = syscall.Errno(87)
	errDriverNotInstalled = syscall.Errno(577)
	errOperationAborted   = syscall.Errno(995)
	errNoData             = syscall.Errno(232)
)

const invalidHandle = ^uintptr(0)

// WinDivert binds the WinDivert 1.4 user-mode library.
type WinDivert struct {
	dll *windows.LazyDLL

	open          *windows.LazyProc
	recv          *windows.LazyProc
	send          *windows.LazyProc
	close         *windows.LazyProc
	setParam      *windows.LazyProc
	getParam      *windows.LazyProc
	calcChecksums *windows.LazyProc
}

// Load resolves WinDivert.dll at path and every procedure the driver uses.
func Load(path string) (*WinDivert, error) {
	if path == "" {
		path = "WinDivert.dll"
	}
	dll := windows.NewLazyDLL(path)
	if err := dll.Load(); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}

	w := &WinDivert{dll: dll}
	procs := map[string]**windows.LazyProc{
		"WinDivertOpen":                &w.open,
		"WinDivertRecv":                &w.recv,
		"WinDivertSend":                &w.send,
		"WinDivertClose":               &w.close,
		"WinDivertSetParam":            &w.setParam,
		"WinDivertGetParam":            &w.getParam,
		"WinDivertHelperCalcChecksums": &w.calcChecksums,
	}
	for name, proc := range procs {
		*proc = dll.NewProc(name)
		if err := (*proc).Find(); err != nil {
			return nil, fmt.Errorf("failed to find %s: %w", name, err)
		}
	}
	return w, nil
}

// Open calls WinDivertOpen.
func (w *WinDivert) Open(filter string, layer Layer, priority int16, flags Flags) (Session, error) {
	f, err := windows.BytePtrFromString(filter)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}

	h, _, errno := w.open.Call(
		uintptr(unsafe.Pointer(f)),
		uintptr(layer),
		uintptr(priority),
		uintptr(flags),
	)
	if h == invalidHandle {
		return 0, openError(errno)
	}
	return Session(h), nil
}

func openError(err error) error {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return fmt.Errorf("WinDivertOpen failed: %v", err)
	}
	switch errno {
	case errAccessDenied:
		return fmt.Errorf("WinDivertOpen: access denied, administrator rights required: %w", errno)
	case errDriverNotInstalled:
		return fmt.Errorf("WinDivertOpen: driver not installed or not started: %w", errno)
	case errInvalidParameter:
		return fmt.Errorf("%w: WinDivertOpen rejected the filter or parameters: %v", ErrInvalidFilter, errno)
	default:
		return fmt.Errorf("WinDivertOpen failed: %w", errno)
	}
}

// Recv calls WinDivertRecv. A concurrent Close makes it fail with
// ERROR_OPERATION_ABORTED or ERROR_INVALID_HANDLE, both reported as
// ErrSessionClosed.
func (w *WinDivert) Recv(s Session, buf []byte) (int, layout.DivertAddress, error) {
	if len(buf) == 0 {
		return 0, layout.DivertAddress{}, fmt.Errorf("%w: empty receive buffer", ErrInvalidParam)
	}
	var (
		raw  [layout.DivertAddressSize]byte
		read uint32
	)
	ok, _, errno := w.recv.Call(
		uintptr(s),
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(len(buf)),
		uintptr(unsafe.Pointer(&raw[0])),
		uintptr(unsafe.Pointer(&read)),
	)
	if ok == 0 {
		if isClosed(errno) {
			return 0, layout.DivertAddress{}, fmt.Errorf("%w: %v", ErrSessionClosed, errno)
		}
		return 0, layout.DivertAddress{}, fmt.Errorf("WinDivertRecv failed: %w", errno)
	}
	var addr layout.DivertAddress
	if err := addr.UnmarshalBinary(raw[:]); err != nil {
		return 0, layout.DivertAddress{}, err
	}
	return int(read), addr, nil
}

func isClosed(err error) bool {
	return errors.Is(err, errOperationAborted) || errors.Is(err, errInvalidHandle) || errors.Is(err, errNoData)
}

// Send calls WinDivertSend.
func (w *WinDivert) Send(s Session, pkt []byte, addr layout.DivertAddress) (int, error) {
	if len(pkt) == 0 {
		return 0, fmt.Errorf("%w: empty packet", ErrInvalidPacket)
	}
	var (
		raw     [layout.DivertAddressSize]byte
		written uint32
	)
	addr.Put(raw[:])
	ok, _, errno := w.send.Call(
		uintptr(s),
		uintptr(unsafe.Pointer(&pkt[0])),
		uintptr(len(pkt)),
		uintptr(unsafe.Pointer(&raw[0])),
		uintptr(unsafe.Pointer(&written)),
	)
	if ok == 0 {
		if isClosed(errno) {
			return 0, fmt.Errorf("%w: %v", ErrSessionClosed, errno)
		}
		return 0, fmt.Errorf("WinDivertSend failed: %w", errno)
	}
	return int(written), nil
}

// GetParam calls WinDivertGetParam.
func (w *WinDivert) GetParam(s Session, p Param) (uint64, error) {
	if _, _, ok := p.Bounds(); !ok {
		return 0, p.Check(0)
	}
	var v uint64
	ok, _, errno := w.getParam.Call(uintptr(s), uintptr(p), uintptr(unsafe.Pointer(&v)))
	if ok == 0 {
		return 0, fmt.Errorf("WinDivertGetParam(%s) failed: %w", p, errno)
	}
	return v, nil
}

// SetParam calls WinDivertSetParam.
func (w *WinDivert) SetParam(s Session, p Param, v uint64) error {
	if err := p.Check(v); err != nil {
		return err
	}
	ok, _, errno := w.setParam.Call(uintptr(s), uintptr(p), uintptr(v))
	if ok == 0 {
		return fmt.Errorf("WinDivertSetParam(%s=%d) failed: %w", p, v, errno)
	}
	return nil
}

// Close calls WinDivertClose.
func (w *WinDivert) Close(s Session) error {
	ok, _, errno := w.close.Call(uintptr(s))
	if ok == 0 {
		return fmt.Errorf("WinDivertClose failed: %w", errno)
	}
	return nil
}

// CalcChecksums calls WinDivertHelperCalcChecksums.
func (w *WinDivert) CalcChecksums(pkt []byte, addr *layout.DivertAddress) error {
	if len(pkt) == 0 {
		return fmt.Errorf("%w: empty packet", ErrInvalidPacket)
	}
	var (
		raw  [layout.DivertAddressSize]byte
		pRaw uintptr
	)
	if addr != nil {
		addr.Put(raw[:])
		pRaw = uintptr(unsafe.Pointer(&raw[0]))
	}
	// returns the number of checksums written; zero is not an error
	w.calcChecksums.Call(uintptr(unsafe.Pointer(&pkt[0])), uintptr(len(pkt)), pRaw, 0)
	if addr != nil {
		return addr.UnmarshalBinary(raw[:])
	}
	return nil
}
