// Package socket opens the three AF_BLUETOOTH kernel socket kinds named
// in §6: the MGMT control socket, the HCI raw socket, and the L2CAP
// sequential-packet socket. Each constructor returns an io.ReadWriteCloser
// bound the way the spec requires; everything above this package reads
// and writes whole frames and never touches a file descriptor directly.
package socket

import (
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// HCIDevAny is the MGMT "no device"/"any adapter" sentinel (§4.3, §6).
const HCIDevAny = 0xFFFF

// HCIFilter mirrors struct hci_filter from <bluetooth/hci.h>, used to
// restrict the raw HCI socket to the event types the engine cares about
// (§4.4, §6). golang.org/x/sys/unix has no typed helper for this option,
// so it is applied with a raw setsockopt call below.
type HCIFilter struct {
	TypeMask  uint32
	EventMask [2]uint32
	Opcode    uint16
}

const (
	solHCI    = 0
	hciFilter = 2
)

// OpenMGMT opens and binds the management control socket, bound to
// HCI_DEV_NONE as required for the control channel (§4.3, §6).
func OpenMGMT() (*FD, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_RAW, unix.BTPROTO_HCI)
	if err != nil {
		return nil, fmt.Errorf("directble/socket: open mgmt socket: %w", err)
	}
	sa := &unix.SockaddrHCI{Dev: HCIDevAny, Channel: unix.HCI_CHANNEL_CONTROL}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("directble/socket: bind mgmt socket: %w", err)
	}
	return &FD{fd: fd}, nil
}

// OpenHCIRaw opens and binds a raw HCI socket to the controller at devID,
// then installs filter (§4.4, §6).
func OpenHCIRaw(devID int, filter HCIFilter) (*FD, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_RAW, unix.BTPROTO_HCI)
	if err != nil {
		return nil, fmt.Errorf("directble/socket: open hci socket: %w", err)
	}
	sa := &unix.SockaddrHCI{Dev: uint16(devID), Channel: unix.HCI_CHANNEL_RAW}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("directble/socket: bind hci socket: %w", err)
	}
	if err := setHCIFilter(fd, filter); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("directble/socket: set hci filter: %w", err)
	}
	return &FD{fd: fd}, nil
}

func setHCIFilter(fd int, f HCIFilter) error {
	_, _, errno := unix.Syscall6(
		unix.SYS_SETSOCKOPT,
		uintptr(fd),
		uintptr(solHCI),
		uintptr(hciFilter),
		uintptr(unsafe.Pointer(&f)),
		unsafe.Sizeof(f),
		0,
	)
	if errno != 0 {
		return errno
	}
	return nil
}

// OpenL2CAPATT opens a SOCK_SEQPACKET L2CAP socket bound to the local
// adapter address and connected to peer on the ATT fixed channel (CID 4),
// per §6. localAddrType is the address-type byte for the local bind
// address and peerAddrType the one for the peer (public=0x00, random=0x01).
func OpenL2CAPATT(local, peer [6]byte, localAddrType, peerAddrType uint8) (*FD, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_SEQPACKET, unix.BTPROTO_L2CAP)
	if err != nil {
		return nil, fmt.Errorf("directble/socket: open l2cap socket: %w", err)
	}
	lsa := &unix.SockaddrL2{PSM: 0, CID: attFixedChannelID, Addr: local, AddrType: localAddrType}
	if err := unix.Bind(fd, lsa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("directble/socket: bind l2cap socket: %w", err)
	}
	rsa := &unix.SockaddrL2{PSM: 0, CID: attFixedChannelID, Addr: peer, AddrType: peerAddrType}
	if err := unix.Connect(fd, rsa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("directble/socket: connect l2cap socket: %w", err)
	}
	return &FD{fd: fd}, nil
}

// attFixedChannelID is the ATT fixed channel CID (§6).
const attFixedChannelID = 4

// FD is a thin, bounded-timeout io.ReadWriteCloser over a kernel socket
// file descriptor.
type FD struct {
	fd int
}

// SetReadTimeout bounds the next Read call via SO_RCVTIMEO, giving every
// reader task a poll timeout without a separate select/poll loop (§4.4,
// §4.5, §6).
func (s *FD) SetReadTimeout(d time.Duration) error {
	tv := unix.NsecToTimeval(d.Nanoseconds())
	return unix.SetsockoptTimeval(s.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
}

func (s *FD) Read(b []byte) (int, error) {
	n, err := unix.Read(s.fd, b)
	if err != nil {
		return n, fmt.Errorf("directble/socket: read: %w", err)
	}
	return n, nil
}

func (s *FD) Write(b []byte) (int, error) {
	n, err := unix.Write(s.fd, b)
	if err != nil {
		return n, fmt.Errorf("directble/socket: write: %w", err)
	}
	return n, nil
}

func (s *FD) Close() error {
	return unix.Close(s.fd)
}

// IsTimeout reports whether err is the EAGAIN/EWOULDBLOCK a Read returns
// after SetReadTimeout's deadline elapses with no frame available.
func IsTimeout(err error) bool {
	return err != nil && (isErrno(err, unix.EAGAIN) || isErrno(err, unix.EWOULDBLOCK))
}

func isErrno(err error, errno unix.Errno) bool {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if e, ok := err.(unix.Errno); ok && e == errno {
			return true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
