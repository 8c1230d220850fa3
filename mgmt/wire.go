// Package mgmt speaks the Linux kernel's management control channel: it
// encodes/decodes the 6-byte command/event header and drives adapter
// power, scan, and whitelist state over the AF_BLUETOOTH MGMT socket
// (§4.3, §6).
package mgmt

import (
	"fmt"

	"github.com/blesock/directble"
)

// HeaderSize is the fixed MGMT command/event header length.
const HeaderSize = 6

// IndexNone is the "no device"/"any adapter" device id sentinel.
const IndexNone uint16 = 0xFFFF

// Opcode identifies an MGMT command (request side of the protocol).
type Opcode uint16

const (
	OpReadVersion           Opcode = 0x0001
	OpReadCommands          Opcode = 0x0002
	OpReadIndexList         Opcode = 0x0003
	OpReadInfo              Opcode = 0x0004
	OpSetPowered            Opcode = 0x0005
	OpSetDiscoverable       Opcode = 0x0006
	OpSetConnectable        Opcode = 0x0007
	OpSetFastConnectable    Opcode = 0x0008
	OpSetBondable           Opcode = 0x0009
	OpSetLinkSecurity       Opcode = 0x000A
	OpSetSSP                Opcode = 0x000B
	OpSetHS                 Opcode = 0x000C
	OpSetLE                 Opcode = 0x000D
	OpSetDevClass           Opcode = 0x000E
	OpSetLocalName          Opcode = 0x000F
	OpDisconnect            Opcode = 0x0014
	OpStartDiscovery        Opcode = 0x0023
	OpStopDiscovery         Opcode = 0x0024
	OpSetAdvertising        Opcode = 0x0029
	OpSetBREDR              Opcode = 0x002A
	OpAddDeviceWhitelist    Opcode = 0x0033
	OpRemoveDeviceWhitelist Opcode = 0x0034
)

func (o Opcode) String() string {
	if s, ok := opcodeNames[o]; ok {
		return s
	}
	return fmt.Sprintf("Opcode(0x%04x)", uint16(o))
}

var opcodeNames = map[Opcode]string{
	OpReadVersion:           "READ_VERSION",
	OpReadCommands:          "READ_COMMANDS",
	OpReadIndexList:         "READ_INDEX_LIST",
	OpReadInfo:              "READ_INFO",
	OpSetPowered:            "SET_POWERED",
	OpSetDiscoverable:       "SET_DISCOVERABLE",
	OpSetConnectable:        "SET_CONNECTABLE",
	OpSetFastConnectable:    "SET_FAST_CONNECTABLE",
	OpSetBondable:           "SET_BONDABLE",
	OpSetLinkSecurity:       "SET_LINK_SECURITY",
	OpSetSSP:                "SET_SSP",
	OpSetHS:                 "SET_HS",
	OpSetLE:                 "SET_LE",
	OpSetDevClass:           "SET_DEV_CLASS",
	OpSetLocalName:          "SET_LOCAL_NAME",
	OpDisconnect:            "DISCONNECT",
	OpStartDiscovery:        "START_DISCOVERY",
	OpStopDiscovery:         "STOP_DISCOVERY",
	OpSetAdvertising:        "SET_ADVERTISING",
	OpSetBREDR:              "SET_BREDR",
	OpAddDeviceWhitelist:    "ADD_DEVICE_WHITELIST",
	OpRemoveDeviceWhitelist: "REMOVE_DEVICE_WHITELIST",
}

// EventCode identifies an MGMT event (response/notification side).
type EventCode uint16

const (
	EvtCmdComplete          EventCode = 0x0001
	EvtCmdStatus            EventCode = 0x0002
	EvtControllerError      EventCode = 0x0003
	EvtIndexAdded           EventCode = 0x0004
	EvtIndexRemoved         EventCode = 0x0005
	EvtNewSettings          EventCode = 0x0006
	EvtDeviceConnected      EventCode = 0x000B
	EvtDeviceDisconnected   EventCode = 0x000C
	EvtConnectFailed        EventCode = 0x000D
	EvtDeviceFound          EventCode = 0x0012
	EvtDiscovering          EventCode = 0x0013
	EvtDeviceWhitelistAdded EventCode = 0x001A
)

func (e EventCode) String() string {
	if s, ok := eventNames[e]; ok {
		return s
	}
	return fmt.Sprintf("EventCode(0x%04x)", uint16(e))
}

var eventNames = map[EventCode]string{
	EvtCmdComplete:          "CMD_COMPLETE",
	EvtCmdStatus:            "CMD_STATUS",
	EvtControllerError:      "CONTROLLER_ERROR",
	EvtIndexAdded:           "INDEX_ADDED",
	EvtIndexRemoved:         "INDEX_REMOVED",
	EvtNewSettings:          "NEW_SETTINGS",
	EvtDeviceConnected:      "DEVICE_CONNECTED",
	EvtDeviceDisconnected:   "DEVICE_DISCONNECTED",
	EvtConnectFailed:        "CONNECT_FAILED",
	EvtDeviceFound:          "DEVICE_FOUND",
	EvtDiscovering:          "DISCOVERING",
	EvtDeviceWhitelistAdded: "DEVICE_WHITELIST_ADDED",
}

// Status is the MGMT command status/result code (§7).
type Status uint8

const (
	StatusSuccess           Status = 0x00
	StatusUnknownCommand    Status = 0x01
	StatusNotConnected      Status = 0x02
	StatusFailed            Status = 0x03
	StatusConnectFailed     Status = 0x04
	StatusAuthFailed        Status = 0x05
	StatusNotPaired         Status = 0x06
	StatusNoResources       Status = 0x07
	StatusTimeout           Status = 0x08
	StatusAlreadyConnected  Status = 0x09
	StatusBusy              Status = 0x0A
	StatusRejected          Status = 0x0B
	StatusNotSupported      Status = 0x0C
	StatusInvalidParams     Status = 0x0D
	StatusDisconnected      Status = 0x0E
	StatusNotPowered        Status = 0x0F
	StatusCancelled         Status = 0x10
	StatusInvalidIndex      Status = 0x11
	StatusRFKilled          Status = 0x12
	StatusAlreadyPaired     Status = 0x13
	StatusPermissionDenied  Status = 0x14
	StatusInternalFailure   Status = 0xF0 // directble-local: socket/engine failure, not wire.
)

func (s Status) String() string {
	if s2, ok := statusNames[s]; ok {
		return s2
	}
	return fmt.Sprintf("Status(0x%02x)", uint8(s))
}

var statusNames = map[Status]string{
	StatusSuccess:          "success",
	StatusUnknownCommand:   "unknown command",
	StatusNotConnected:     "not connected",
	StatusFailed:           "failed",
	StatusConnectFailed:    "connect failed",
	StatusAuthFailed:       "auth failed",
	StatusNotPaired:        "not paired",
	StatusNoResources:      "no resources",
	StatusTimeout:          "timeout",
	StatusAlreadyConnected: "already connected",
	StatusBusy:             "busy",
	StatusRejected:         "rejected",
	StatusNotSupported:     "not supported",
	StatusInvalidParams:    "invalid params",
	StatusDisconnected:     "disconnected",
	StatusNotPowered:       "not powered",
	StatusCancelled:        "cancelled",
	StatusInvalidIndex:     "invalid index",
	StatusRFKilled:         "rfkilled",
	StatusAlreadyPaired:    "already paired",
	StatusPermissionDenied: "permission denied",
	StatusInternalFailure:  "internal failure",
}

func (s Status) OK() bool { return s == StatusSuccess }

// ScanType is the START_DISCOVERY / STOP_DISCOVERY type byte (§4.3).
type ScanType uint8

const (
	ScanNone  ScanType = 0
	ScanBREDR ScanType = 1 << 0
	ScanLE    ScanType = (1 << 1) | (1 << 2)
	ScanDual  ScanType = ScanBREDR | ScanLE
)

// ConnectType is the whitelist entry's connect-policy byte (§4.3).
type ConnectType uint8

const (
	ConnectReportOnly  ConnectType = 0x00
	ConnectAllowlist   ConnectType = 0x01
	ConnectAutoConnect ConnectType = 0x02
)

// Command is an encoded MGMT request: header plus parameter bytes.
type Command struct {
	Opcode Opcode
	DevID  uint16
	Param  []byte
}

// Encode renders the command as the wire frame (§6): opcode, dev_id,
// param_length, then the parameter bytes, all little-endian.
func (c Command) Encode() []byte {
	buf := directble.NewBuffer(HeaderSize + len(c.Param))
	buf.AppendUint16(uint16(c.Opcode))
	buf.AppendUint16(c.DevID)
	buf.AppendUint16(uint16(len(c.Param)))
	buf.Append(c.Param)
	return buf.Bytes()
}

// Event is a decoded MGMT frame read off the control socket: an event
// code, originating device id, and parameter bytes. CMD_COMPLETE and
// CMD_STATUS both arrive shaped this way, with req_opcode as the first
// two bytes of Param.
type Event struct {
	Code  EventCode
	DevID uint16
	Param []byte
}

// DecodeEvent parses the 6-byte header and slices off the parameter
// region. It returns an error if b is shorter than the header or the
// declared parameter length overruns the buffer.
func DecodeEvent(b []byte) (Event, error) {
	v := directble.NewView(b)
	if v.Len() < HeaderSize {
		return Event{}, fmt.Errorf("directble/mgmt: short frame: %d bytes", v.Len())
	}
	code, err := v.Uint16(0)
	if err != nil {
		return Event{}, err
	}
	devID, err := v.Uint16(2)
	if err != nil {
		return Event{}, err
	}
	paramLen, err := v.Uint16(4)
	if err != nil {
		return Event{}, err
	}
	if int(HeaderSize)+int(paramLen) > v.Len() {
		return Event{}, fmt.Errorf("directble/mgmt: param_length %d overruns frame of %d bytes", paramLen, v.Len())
	}
	param := make([]byte, paramLen)
	copy(param, b[HeaderSize:HeaderSize+int(paramLen)])
	return Event{Code: EventCode(code), DevID: devID, Param: param}, nil
}

// ReqOpcode returns the correlated request opcode carried in the first
// two bytes of a CMD_COMPLETE or CMD_STATUS event's Param.
func (e Event) ReqOpcode() (Opcode, error) {
	v := directble.NewView(e.Param)
	op, err := v.Uint16(0)
	if err != nil {
		return 0, err
	}
	return Opcode(op), nil
}

// ReqStatus returns the status byte carried immediately after the
// req_opcode in a CMD_COMPLETE or CMD_STATUS event's Param.
func (e Event) ReqStatus() (Status, error) {
	v := directble.NewView(e.Param)
	s, err := v.Uint8(2)
	if err != nil {
		return 0, err
	}
	return Status(s), nil
}

// CompleteData returns the CMD_COMPLETE-specific payload following the
// req_opcode and status bytes.
func (e Event) CompleteData() []byte {
	if len(e.Param) <= 3 {
		return nil
	}
	return e.Param[3:]
}
