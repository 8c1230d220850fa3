// Package att implements the ATT PDU wire format: opcode/error-code
// constants and the tagged-variant encoders/decoders the gatt engine
// drives over its L2CAP channel (§4.5, §6).
package att

import (
	"fmt"

	"github.com/blesock/directble"
)

// Opcode is an ATT PDU opcode. Bit 6 marks a command (no response
// expected), bit 7 marks an authenticated signature trailer; bits 0-5
// are the method (§6).
type Opcode uint8

const (
	ErrorRsp            Opcode = 0x01
	ExchangeMTUReq       Opcode = 0x02
	ExchangeMTURsp       Opcode = 0x03
	FindInformationReq   Opcode = 0x04
	FindInformationRsp   Opcode = 0x05
	ReadByTypeReq        Opcode = 0x08
	ReadByTypeRsp        Opcode = 0x09
	ReadReq              Opcode = 0x0A
	ReadRsp              Opcode = 0x0B
	ReadBlobReq          Opcode = 0x0C
	ReadBlobRsp          Opcode = 0x0D
	ReadByGroupTypeReq   Opcode = 0x10
	ReadByGroupTypeRsp   Opcode = 0x11
	WriteReq             Opcode = 0x12
	WriteRsp             Opcode = 0x13
	WriteCmd             Opcode = 0x52
	HandleValueNtf       Opcode = 0x1B
	HandleValueInd       Opcode = 0x1D
	HandleValueCfm       Opcode = 0x1E
	SignedWriteCmd       Opcode = 0xD2
)

const (
	commandFlag = 0x40
	authSigFlag = 0x80
)

// IsCommand reports whether op carries the command flag (no response
// expected).
func (op Opcode) IsCommand() bool { return op&commandFlag != 0 }

// HasAuthSignature reports whether op carries the authenticated
// signature trailer flag.
func (op Opcode) HasAuthSignature() bool { return op&authSigFlag != 0 }

var opcodeNames = map[Opcode]string{
	ErrorRsp:          "ERROR_RSP",
	ExchangeMTUReq:     "EXCHANGE_MTU_REQ",
	ExchangeMTURsp:     "EXCHANGE_MTU_RSP",
	FindInformationReq: "FIND_INFORMATION_REQ",
	FindInformationRsp: "FIND_INFORMATION_RSP",
	ReadByTypeReq:      "READ_BY_TYPE_REQ",
	ReadByTypeRsp:      "READ_BY_TYPE_RSP",
	ReadReq:            "READ_REQ",
	ReadRsp:            "READ_RSP",
	ReadBlobReq:        "READ_BLOB_REQ",
	ReadBlobRsp:        "READ_BLOB_RSP",
	ReadByGroupTypeReq: "READ_BY_GROUP_TYPE_REQ",
	ReadByGroupTypeRsp: "READ_BY_GROUP_TYPE_RSP",
	WriteReq:           "WRITE_REQ",
	WriteRsp:           "WRITE_RSP",
	WriteCmd:           "WRITE_CMD",
	HandleValueNtf:     "HANDLE_VALUE_NTF",
	HandleValueInd:     "HANDLE_VALUE_IND",
	HandleValueCfm:     "HANDLE_VALUE_CFM",
	SignedWriteCmd:     "SIGNED_WRITE_CMD",
}

func (op Opcode) String() string {
	if s, ok := opcodeNames[op]; ok {
		return s
	}
	return fmt.Sprintf("Opcode(0x%02x)", uint8(op))
}

// ErrorCode is the single-byte cause carried by ERROR_RSP (§6, §7).
type ErrorCode uint8

const (
	ErrInvalidHandle              ErrorCode = 0x01
	ErrReadNotPermitted           ErrorCode = 0x02
	ErrWriteNotPermitted          ErrorCode = 0x03
	ErrInvalidPDU                 ErrorCode = 0x04
	ErrInsufficientAuthentication ErrorCode = 0x05
	ErrRequestNotSupported        ErrorCode = 0x06
	ErrInvalidOffset              ErrorCode = 0x07
	ErrInsufficientAuthorization  ErrorCode = 0x08
	ErrPrepareQueueFull           ErrorCode = 0x09
	ErrAttributeNotFound          ErrorCode = 0x0A
	ErrAttributeNotLong           ErrorCode = 0x0B
	ErrInsufficientEncryptionKeySize ErrorCode = 0x0C
	ErrInvalidAttributeValueLength ErrorCode = 0x0D
	ErrUnlikelyError              ErrorCode = 0x0E
	ErrInsufficientEncryption     ErrorCode = 0x0F
	ErrUnsupportedGroupType       ErrorCode = 0x10
	ErrInsufficientResources      ErrorCode = 0x11
)

var errorNames = map[ErrorCode]string{
	ErrInvalidHandle:                 "invalid handle",
	ErrReadNotPermitted:              "read not permitted",
	ErrWriteNotPermitted:             "write not permitted",
	ErrInvalidPDU:                    "invalid pdu",
	ErrInsufficientAuthentication:    "insufficient authentication",
	ErrRequestNotSupported:           "request not supported",
	ErrInvalidOffset:                 "invalid offset",
	ErrInsufficientAuthorization:     "insufficient authorization",
	ErrPrepareQueueFull:              "prepare queue full",
	ErrAttributeNotFound:             "attribute not found",
	ErrAttributeNotLong:              "attribute not long",
	ErrInsufficientEncryptionKeySize: "insufficient encryption key size",
	ErrInvalidAttributeValueLength:   "invalid attribute value length",
	ErrUnlikelyError:                 "unlikely error",
	ErrInsufficientEncryption:        "insufficient encryption",
	ErrUnsupportedGroupType:          "unsupported group type",
	ErrInsufficientResources:         "insufficient resources",
}

func (e ErrorCode) String() string {
	if s, ok := errorNames[e]; ok {
		return s
	}
	return fmt.Sprintf("ErrorCode(0x%02x)", uint8(e))
}

// GATT well-known UUIDs the engine needs to recognize directly (§3.6,
// §4.5).
var (
	UUIDPrimaryService             = directble.UUID16(0x2800)
	UUIDCharacteristic             = directble.UUID16(0x2803)
	UUIDClientCharacteristicConfig = directble.UUID16(0x2902)
)

// PDU is one decoded ATT frame: its opcode and parameter bytes (with
// any authenticated signature trailer already stripped).
type PDU struct {
	Opcode Opcode
	Param  []byte
}

// Encode renders a PDU as opcode(1) | param.
func (p PDU) Encode() []byte {
	buf := directble.NewBuffer(1 + len(p.Param))
	buf.AppendUint8(uint8(p.Opcode))
	buf.Append(p.Param)
	return buf.Bytes()
}

// DecodePDU splits a raw L2CAP datagram into its opcode and parameter
// bytes. The auth-signature trailer, when present, is stripped from
// Param (its contents are not otherwise interpreted; signed writes are
// outside this stack's scope).
func DecodePDU(b []byte) (PDU, error) {
	if len(b) < 1 {
		return PDU{}, fmt.Errorf("directble/att: empty pdu")
	}
	op := Opcode(b[0])
	param := b[1:]
	if op.HasAuthSignature() && len(param) >= 12 {
		param = param[:len(param)-12]
	}
	return PDU{Opcode: op, Param: param}, nil
}

// ErrorRspParams decodes an ERROR_RSP's parameters: req_opcode(1),
// handle(2), error_code(1).
func ErrorRspParams(p PDU) (reqOpcode Opcode, handle uint16, code ErrorCode, err error) {
	v := directble.NewView(p.Param)
	op, err := v.Uint8(0)
	if err != nil {
		return
	}
	reqOpcode = Opcode(op)
	handle, err = v.Uint16(1)
	if err != nil {
		return
	}
	c, err2 := v.Uint8(3)
	if err2 != nil {
		err = err2
		return
	}
	code = ErrorCode(c)
	return
}

// NewErrorRsp builds an ERROR_RSP PDU.
func NewErrorRsp(reqOpcode Opcode, handle uint16, code ErrorCode) PDU {
	buf := directble.NewBuffer(4)
	buf.AppendUint8(uint8(reqOpcode))
	buf.AppendUint16(handle)
	buf.AppendUint8(uint8(code))
	return PDU{Opcode: ErrorRsp, Param: buf.Bytes()}
}

// NewExchangeMTUReq builds EXCHANGE_MTU_REQ(client_mtu).
func NewExchangeMTUReq(clientMTU uint16) PDU {
	buf := directble.NewBuffer(2)
	buf.AppendUint16(clientMTU)
	return PDU{Opcode: ExchangeMTUReq, Param: buf.Bytes()}
}

// ExchangeMTURspParams decodes EXCHANGE_MTU_RSP's server_mtu.
func ExchangeMTURspParams(p PDU) (serverMTU uint16, err error) {
	v := directble.NewView(p.Param)
	return v.Uint16(0)
}

// NewFindInformationReq builds FIND_INFORMATION_REQ(start, end).
func NewFindInformationReq(start, end uint16) PDU {
	buf := directble.NewBuffer(4)
	buf.AppendUint16(start)
	buf.AppendUint16(end)
	return PDU{Opcode: FindInformationReq, Param: buf.Bytes()}
}

// InformationPair is one (handle, type) entry from a
// FIND_INFORMATION_RSP.
type InformationPair struct {
	Handle uint16
	Type   directble.UUID
}

// FindInformationRspParams decodes a FIND_INFORMATION_RSP: a format
// byte (0x01 = 16-bit UUIDs, 0x02 = 128-bit UUIDs) followed by a
// packed array of (handle, uuid) pairs.
func FindInformationRspParams(p PDU) ([]InformationPair, error) {
	v := directble.NewView(p.Param)
	format, err := v.Uint8(0)
	if err != nil {
		return nil, err
	}
	width := 2
	if format == 0x02 {
		width = 16
	} else if format != 0x01 {
		return nil, fmt.Errorf("directble/att: unknown find-information format 0x%02x", format)
	}
	stride := 2 + width
	rest := v.Len() - 1
	if rest%stride != 0 {
		return nil, fmt.Errorf("directble/att: find-information response length %d not a multiple of stride %d", rest, stride)
	}
	n := rest / stride
	out := make([]InformationPair, 0, n)
	for i := 0; i < n; i++ {
		off := 1 + i*stride
		handle, err := v.Uint16(off)
		if err != nil {
			return nil, err
		}
		u, err := v.UUID(off+2, width)
		if err != nil {
			return nil, err
		}
		out = append(out, InformationPair{Handle: handle, Type: u})
	}
	return out, nil
}

// NewReadByGroupTypeReq builds READ_BY_GROUP_TYPE_REQ(start, end, groupType).
func NewReadByGroupTypeReq(start, end uint16, groupType directble.UUID) PDU {
	buf := directble.NewBuffer(4 + groupType.Len())
	buf.AppendUint16(start)
	buf.AppendUint16(end)
	buf.AppendUUID(groupType)
	return PDU{Opcode: ReadByGroupTypeReq, Param: buf.Bytes()}
}

// GroupTypeEntry is one tuple from a READ_BY_GROUP_TYPE_RSP: the
// service's start/end handle and its type UUID.
type GroupTypeEntry struct {
	StartHandle uint16
	EndHandle   uint16
	Type        directble.UUID
}

// ReadByGroupTypeRspParams decodes a READ_BY_GROUP_TYPE_RSP: a
// length byte announcing each tuple's size, followed by a packed
// array of same-sized tuples.
func ReadByGroupTypeRspParams(p PDU) ([]GroupTypeEntry, error) {
	v := directble.NewView(p.Param)
	length, err := v.Uint8(0)
	if err != nil {
		return nil, err
	}
	if length < 4 {
		return nil, fmt.Errorf("directble/att: read-by-group-type entry length %d too short", length)
	}
	uuidWidth := int(length) - 4
	rest := v.Len() - 1
	if rest%int(length) != 0 {
		return nil, fmt.Errorf("directble/att: read-by-group-type response length %d not a multiple of %d", rest, length)
	}
	n := rest / int(length)
	out := make([]GroupTypeEntry, 0, n)
	for i := 0; i < n; i++ {
		off := 1 + i*int(length)
		start, err := v.Uint16(off)
		if err != nil {
			return nil, err
		}
		end, err := v.Uint16(off + 2)
		if err != nil {
			return nil, err
		}
		u, err := v.UUID(off+4, uuidWidth)
		if err != nil {
			return nil, err
		}
		out = append(out, GroupTypeEntry{StartHandle: start, EndHandle: end, Type: u})
	}
	return out, nil
}

// NewReadByTypeReq builds READ_BY_TYPE_REQ(start, end, attrType).
func NewReadByTypeReq(start, end uint16, attrType directble.UUID) PDU {
	buf := directble.NewBuffer(4 + attrType.Len())
	buf.AppendUint16(start)
	buf.AppendUint16(end)
	buf.AppendUUID(attrType)
	return PDU{Opcode: ReadByTypeReq, Param: buf.Bytes()}
}

// TypeEntry is one tuple from a READ_BY_TYPE_RSP, sized to a
// characteristic declaration: handle, value (properties(1) |
// value_handle(2) | value_uuid).
type TypeEntry struct {
	Handle uint16
	Value  []byte
}

// ReadByTypeRspParams decodes a READ_BY_TYPE_RSP: a length byte
// announcing each tuple's size, followed by packed (handle, value)
// tuples.
func ReadByTypeRspParams(p PDU) ([]TypeEntry, error) {
	v := directble.NewView(p.Param)
	length, err := v.Uint8(0)
	if err != nil {
		return nil, err
	}
	if length < 2 {
		return nil, fmt.Errorf("directble/att: read-by-type entry length %d too short", length)
	}
	rest := v.Len() - 1
	if rest%int(length) != 0 {
		return nil, fmt.Errorf("directble/att: read-by-type response length %d not a multiple of %d", rest, length)
	}
	n := rest / int(length)
	out := make([]TypeEntry, 0, n)
	for i := 0; i < n; i++ {
		off := 1 + i*int(length)
		handle, err := v.Uint16(off)
		if err != nil {
			return nil, err
		}
		sl, err := v.Slice(off+2, off+int(length))
		if err != nil {
			return nil, err
		}
		value := make([]byte, sl.Len())
		copy(value, sl.Bytes())
		out = append(out, TypeEntry{Handle: handle, Value: value})
	}
	return out, nil
}

// NewReadReq builds READ_REQ(handle).
func NewReadReq(handle uint16) PDU {
	buf := directble.NewBuffer(2)
	buf.AppendUint16(handle)
	return PDU{Opcode: ReadReq, Param: buf.Bytes()}
}

// NewReadBlobReq builds READ_BLOB_REQ(handle, offset).
func NewReadBlobReq(handle, offset uint16) PDU {
	buf := directble.NewBuffer(4)
	buf.AppendUint16(handle)
	buf.AppendUint16(offset)
	return PDU{Opcode: ReadBlobReq, Param: buf.Bytes()}
}

// NewWriteReq builds WRITE_REQ(handle, value).
func NewWriteReq(handle uint16, value []byte) PDU {
	buf := directble.NewBuffer(2 + len(value))
	buf.AppendUint16(handle)
	buf.Append(value)
	return PDU{Opcode: WriteReq, Param: buf.Bytes()}
}

// NewWriteCmd builds WRITE_CMD(handle, value).
func NewWriteCmd(handle uint16, value []byte) PDU {
	buf := directble.NewBuffer(2 + len(value))
	buf.AppendUint16(handle)
	buf.Append(value)
	return PDU{Opcode: WriteCmd, Param: buf.Bytes()}
}

// HandleValueParams decodes HANDLE_VALUE_NTF/IND's handle(2) | value.
func HandleValueParams(p PDU) (handle uint16, value []byte, err error) {
	v := directble.NewView(p.Param)
	handle, err = v.Uint16(0)
	if err != nil {
		return
	}
	sl, err2 := v.Slice(2, v.Len())
	if err2 != nil {
		err = err2
		return
	}
	value = make([]byte, sl.Len())
	copy(value, sl.Bytes())
	return
}

// NewHandleValueCfm builds HANDLE_VALUE_CFM (no parameters).
func NewHandleValueCfm() PDU {
	return PDU{Opcode: HandleValueCfm}
}
