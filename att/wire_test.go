package att

import (
	"testing"

	"github.com/blesock/directble"
)

func TestPDUEncodeDecodeRoundTrip(t *testing.T) {
	p := PDU{Opcode: ReadReq, Param: []byte{0x10, 0x00}}
	enc := p.Encode()
	got, err := DecodePDU(enc)
	if err != nil {
		t.Fatalf("DecodePDU: %v", err)
	}
	if got.Opcode != p.Opcode {
		t.Errorf("opcode: got %v want %v", got.Opcode, p.Opcode)
	}
	if len(got.Param) != len(p.Param) || got.Param[0] != 0x10 {
		t.Errorf("param: got %v want %v", got.Param, p.Param)
	}
}

func TestDecodePDURejectsEmpty(t *testing.T) {
	if _, err := DecodePDU(nil); err == nil {
		t.Fatal("expected error for empty pdu")
	}
}

func TestErrorRspRoundTrip(t *testing.T) {
	p := NewErrorRsp(ReadByGroupTypeReq, 0x0001, ErrAttributeNotFound)
	reqOp, handle, code, err := ErrorRspParams(p)
	if err != nil {
		t.Fatalf("ErrorRspParams: %v", err)
	}
	if reqOp != ReadByGroupTypeReq {
		t.Errorf("reqOp: got %v want %v", reqOp, ReadByGroupTypeReq)
	}
	if handle != 0x0001 {
		t.Errorf("handle: got %#x want 0x0001", handle)
	}
	if code != ErrAttributeNotFound {
		t.Errorf("code: got %v want %v", code, ErrAttributeNotFound)
	}
}

func TestExchangeMTURoundTrip(t *testing.T) {
	req := NewExchangeMTUReq(512)
	v := directble.NewView(req.Param)
	got, _ := v.Uint16(0)
	if got != 512 {
		t.Errorf("client mtu: got %d want 512", got)
	}

	rspParam := directble.NewBuffer(2)
	rspParam.AppendUint16(185)
	rsp := PDU{Opcode: ExchangeMTURsp, Param: rspParam.Bytes()}
	serverMTU, err := ExchangeMTURspParams(rsp)
	if err != nil {
		t.Fatalf("ExchangeMTURspParams: %v", err)
	}
	if serverMTU != 185 {
		t.Errorf("server mtu: got %d want 185", serverMTU)
	}
}

func TestFindInformationRspParams16Bit(t *testing.T) {
	buf := directble.NewBuffer(9)
	buf.AppendUint8(0x01)
	buf.AppendUint16(0x0021)
	buf.AppendUUID(UUIDClientCharacteristicConfig)
	pairs, err := FindInformationRspParams(PDU{Param: buf.Bytes()})
	if err != nil {
		t.Fatalf("FindInformationRspParams: %v", err)
	}
	if len(pairs) != 1 {
		t.Fatalf("pairs: got %d want 1", len(pairs))
	}
	if pairs[0].Handle != 0x0021 {
		t.Errorf("handle: got %#x want 0x0021", pairs[0].Handle)
	}
	if !pairs[0].Type.Equal(UUIDClientCharacteristicConfig) {
		t.Errorf("type: got %v want %v", pairs[0].Type, UUIDClientCharacteristicConfig)
	}
}

func TestReadByGroupTypeRspParamsMultipleEntries(t *testing.T) {
	buf := directble.NewBuffer(1 + 2*6)
	buf.AppendUint8(6) // 2+2+2 (16-bit uuid)
	buf.AppendUint16(0x0001)
	buf.AppendUint16(0x0005)
	buf.AppendUUID(directble.UUID16(0x1800))
	buf.AppendUint16(0x0006)
	buf.AppendUint16(0x000A)
	buf.AppendUUID(directble.UUID16(0x1801))

	entries, err := ReadByGroupTypeRspParams(PDU{Param: buf.Bytes()})
	if err != nil {
		t.Fatalf("ReadByGroupTypeRspParams: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries: got %d want 2", len(entries))
	}
	if entries[0].StartHandle != 1 || entries[0].EndHandle != 5 {
		t.Errorf("entry0: got %+v", entries[0])
	}
	if entries[1].StartHandle != 6 || entries[1].EndHandle != 10 {
		t.Errorf("entry1: got %+v", entries[1])
	}
}

func TestReadByTypeRspParams(t *testing.T) {
	// properties(1) + value_handle(2) + uuid16(2) = 5-byte value, +2 handle = 7
	buf := directble.NewBuffer(1 + 7)
	buf.AppendUint8(7)
	buf.AppendUint16(0x0002) // decl handle
	buf.AppendUint8(0x12)    // properties: read+notify bits as an example
	buf.AppendUint16(0x0003) // value handle
	buf.AppendUUID(directble.UUID16(0x2A00))

	entries, err := ReadByTypeRspParams(PDU{Param: buf.Bytes()})
	if err != nil {
		t.Fatalf("ReadByTypeRspParams: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries: got %d want 1", len(entries))
	}
	if entries[0].Handle != 0x0002 {
		t.Errorf("handle: got %#x want 0x0002", entries[0].Handle)
	}
	if len(entries[0].Value) != 5 {
		t.Errorf("value length: got %d want 5", len(entries[0].Value))
	}
}

func TestHandleValueParamsRoundTrip(t *testing.T) {
	buf := directble.NewBuffer(5)
	buf.AppendUint16(0x0020)
	buf.Append([]byte{0x01, 0x02, 0x03})
	handle, value, err := HandleValueParams(PDU{Param: buf.Bytes()})
	if err != nil {
		t.Fatalf("HandleValueParams: %v", err)
	}
	if handle != 0x0020 {
		t.Errorf("handle: got %#x want 0x0020", handle)
	}
	if len(value) != 3 || value[2] != 0x03 {
		t.Errorf("value: got %v", value)
	}
}

func TestOpcodeFlags(t *testing.T) {
	if !WriteCmd.IsCommand() {
		t.Error("WriteCmd should carry the command flag")
	}
	if ReadReq.IsCommand() {
		t.Error("ReadReq should not carry the command flag")
	}
	if !SignedWriteCmd.HasAuthSignature() {
		t.Error("SignedWriteCmd should carry the auth-sig flag")
	}
}
