// Package hci owns the kernel's raw HCI socket for one adapter: it
// frames and classifies controller events, correlates command replies,
// and normalizes connection lifecycle events into MGMT-shaped records
// (§4.4, §6).
package hci

import (
	"fmt"

	"github.com/blesock/directble"
)

// PacketType prefixes every frame exchanged over the raw HCI socket.
type PacketType uint8

const (
	PacketCommand PacketType = 0x01
	PacketACLData PacketType = 0x02
	PacketEvent   PacketType = 0x04
)

// EventCode identifies an HCI event packet (§4.4, §6).
type EventCode uint8

const (
	EvtDisconnectionComplete EventCode = 0x05
	EvtCommandComplete       EventCode = 0x0E
	EvtCommandStatus         EventCode = 0x0F
	EvtHardwareError         EventCode = 0x10
	EvtConnectionComplete    EventCode = 0x03
	EvtLEMeta                EventCode = 0x3E
)

var eventNames = map[EventCode]string{
	EvtDisconnectionComplete: "DISCONN_COMPLETE",
	EvtCommandComplete:       "CMD_COMPLETE",
	EvtCommandStatus:         "CMD_STATUS",
	EvtHardwareError:         "HARDWARE_ERROR",
	EvtConnectionComplete:    "CONN_COMPLETE",
	EvtLEMeta:                "LE_META",
}

func (c EventCode) String() string {
	if s, ok := eventNames[c]; ok {
		return s
	}
	return fmt.Sprintf("EventCode(0x%02x)", uint8(c))
}

// LESubeventCode identifies an LE_META subevent.
type LESubeventCode uint8

const (
	LESubConnectionComplete LESubeventCode = 0x01
	LESubAdvertisingReport  LESubeventCode = 0x02
)

// StatusCode is the HCI command-completion status byte (§7).
type StatusCode uint8

const (
	StatusSuccess                   StatusCode = 0x00
	StatusUnknownConnectionID       StatusCode = 0x02
	StatusConnectionTimeout         StatusCode = 0x08
	StatusConnectionLimitExceeded   StatusCode = 0x09
	StatusCommandDisallowed         StatusCode = 0x0C
	StatusConnectionTerminatedLocal StatusCode = 0x16
	StatusRemoteUserTerminated      StatusCode = 0x13
	StatusUnspecifiedError          StatusCode = 0x1F
)

func (s StatusCode) OK() bool { return s == StatusSuccess }

func (s StatusCode) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusUnknownConnectionID:
		return "unknown connection id"
	case StatusConnectionTimeout:
		return "connection timeout"
	case StatusConnectionLimitExceeded:
		return "connection limit exceeded"
	case StatusCommandDisallowed:
		return "command disallowed"
	case StatusConnectionTerminatedLocal:
		return "connection terminated by local host"
	case StatusRemoteUserTerminated:
		return "remote user terminated connection"
	case StatusUnspecifiedError:
		return "unspecified error"
	default:
		return fmt.Sprintf("StatusCode(0x%02x)", uint8(s))
	}
}

// OpcodeGroup/OCF split of an HCI command opcode.
type Opcode uint16

func MakeOpcode(ogf uint8, ocf uint16) Opcode {
	return Opcode(uint16(ogf)<<10 | (ocf & 0x03FF))
}

const (
	OpReset              = Opcode(uint16(0x03)<<10 | 0x0003) // OGF 3 (host control baseband)
	OpLECreateConn       = Opcode(uint16(0x08)<<10 | 0x000D) // OGF 8 (LE controller)
	OpCreateConn         = Opcode(uint16(0x01)<<10 | 0x0005) // OGF 1 (link control)
	OpDisconnect         = Opcode(uint16(0x01)<<10 | 0x0006)
	OpLECreateConnCancel = Opcode(uint16(0x08)<<10 | 0x000E)
)

// Event is one decoded HCI event frame: its event code and parameter
// bytes (the packet-type byte and 2-byte event header are already
// stripped).
type Event struct {
	Code  EventCode
	Param []byte
}

// DecodeFrame strips the packet-type byte (expected PacketEvent) and the
// 2-byte event header (code, plen), returning the decoded Event.
func DecodeFrame(b []byte) (Event, error) {
	v := directble.NewView(b)
	if v.Len() < 3 {
		return Event{}, fmt.Errorf("directble/hci: short frame: %d bytes", v.Len())
	}
	ptype, _ := v.Uint8(0)
	if PacketType(ptype) != PacketEvent {
		return Event{}, fmt.Errorf("directble/hci: unexpected packet type 0x%02x", ptype)
	}
	code, err := v.Uint8(1)
	if err != nil {
		return Event{}, err
	}
	plen, err := v.Uint8(2)
	if err != nil {
		return Event{}, err
	}
	if 3+int(plen) > v.Len() {
		return Event{}, fmt.Errorf("directble/hci: plen %d overruns frame of %d bytes", plen, v.Len())
	}
	param := make([]byte, plen)
	copy(param, b[3:3+int(plen)])
	return Event{Code: EventCode(code), Param: param}, nil
}

// Command is an encoded outbound HCI command.
type Command struct {
	Opcode Opcode
	Param  []byte
}

// Encode renders the command as packet-type(0x01) | opcode(2 LE) |
// plen(1) | param.
func (c Command) Encode() []byte {
	buf := directble.NewBuffer(4 + len(c.Param))
	buf.AppendUint8(uint8(PacketCommand))
	buf.AppendUint16(uint16(c.Opcode))
	buf.AppendUint8(uint8(len(c.Param)))
	buf.Append(c.Param)
	return buf.Bytes()
}

// CommandCompleteParams decodes a CMD_COMPLETE event's parameter bytes:
// num_hci_command_packets(1), opcode(2), return params(rest).
func CommandCompleteParams(ev Event) (numPkts uint8, opcode Opcode, ret []byte, err error) {
	v := directble.NewView(ev.Param)
	numPkts, err = v.Uint8(0)
	if err != nil {
		return
	}
	op, err2 := v.Uint16(1)
	if err2 != nil {
		err = err2
		return
	}
	opcode = Opcode(op)
	if v.Len() > 3 {
		s, _ := v.Slice(3, v.Len())
		ret = s.Bytes()
	}
	return
}

// CommandStatusParams decodes a CMD_STATUS event's parameter bytes:
// status(1), num_hci_command_packets(1), opcode(2).
func CommandStatusParams(ev Event) (status StatusCode, numPkts uint8, opcode Opcode, err error) {
	v := directble.NewView(ev.Param)
	s, err := v.Uint8(0)
	if err != nil {
		return
	}
	status = StatusCode(s)
	numPkts, err = v.Uint8(1)
	if err != nil {
		return
	}
	op, err2 := v.Uint16(2)
	if err2 != nil {
		err = err2
		return
	}
	opcode = Opcode(op)
	return
}

// DisconnectionCompleteParams decodes a DISCONN_COMPLETE event: status(1),
// handle(2), reason(1).
func DisconnectionCompleteParams(ev Event) (status StatusCode, handle uint16, reason uint8, err error) {
	v := directble.NewView(ev.Param)
	s, err := v.Uint8(0)
	if err != nil {
		return
	}
	status = StatusCode(s)
	handle, err = v.Uint16(1)
	if err != nil {
		return
	}
	reason, err = v.Uint8(3)
	return
}

// ConnectionCompleteParams decodes a (BR/EDR) CONN_COMPLETE event:
// status(1), handle(2), bdaddr(6), link_type(1), encryption_enabled(1).
func ConnectionCompleteParams(ev Event) (status StatusCode, handle uint16, addr directble.BDAddr, err error) {
	v := directble.NewView(ev.Param)
	s, err := v.Uint8(0)
	if err != nil {
		return
	}
	status = StatusCode(s)
	handle, err = v.Uint16(1)
	if err != nil {
		return
	}
	addr, err = v.BDAddr(3)
	return
}

// LEConnectionCompleteParams decodes an LE_META/LE_CONNECTION_COMPLETE
// subevent: subevent_code(1), status(1), handle(2), role(1),
// peer_address_type(1), peer_address(6), conn_interval(2),
// conn_latency(2), supervision_timeout(2), master_clock_accuracy(1).
func LEConnectionCompleteParams(ev Event) (status StatusCode, handle uint16, addr directble.BDAddr, addrType uint8, err error) {
	v := directble.NewView(ev.Param)
	sub, err := v.Uint8(0)
	if err != nil {
		return
	}
	if LESubeventCode(sub) != LESubConnectionComplete {
		err = fmt.Errorf("directble/hci: not an LE_CONNECTION_COMPLETE subevent: 0x%02x", sub)
		return
	}
	s, err := v.Uint8(1)
	if err != nil {
		return
	}
	status = StatusCode(s)
	handle, err = v.Uint16(2)
	if err != nil {
		return
	}
	addrType, err = v.Uint8(5)
	if err != nil {
		return
	}
	addr, err = v.BDAddr(6)
	return
}
