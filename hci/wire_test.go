package hci

import (
	"testing"

	"github.com/blesock/directble"
)

func TestCommandEncode(t *testing.T) {
	cmd := Command{Opcode: OpReset, Param: nil}
	enc := cmd.Encode()
	want := []byte{byte(PacketCommand), byte(OpReset), byte(OpReset >> 8), 0}
	if len(enc) != len(want) {
		t.Fatalf("encoded length: got %d want %d", len(enc), len(want))
	}
	for i := range want {
		if enc[i] != want[i] {
			t.Fatalf("byte %d: got %02x want %02x", i, enc[i], want[i])
		}
	}
}

func TestDecodeFrameRejectsWrongPacketType(t *testing.T) {
	frame := []byte{byte(PacketCommand), 0x0E, 0x01, 0x00}
	if _, err := DecodeFrame(frame); err == nil {
		t.Fatal("expected error for non-event packet type")
	}
}

func TestDecodeFrameRejectsShortFrame(t *testing.T) {
	if _, err := DecodeFrame([]byte{byte(PacketEvent), 0x0E}); err == nil {
		t.Fatal("expected error for short frame")
	}
}

func TestDecodeFrameRejectsOverrunPlen(t *testing.T) {
	frame := []byte{byte(PacketEvent), byte(EvtCommandComplete), 0x10, 0x01}
	if _, err := DecodeFrame(frame); err == nil {
		t.Fatal("expected error for plen overrunning frame")
	}
}

func TestCommandCompleteParamsRoundTrip(t *testing.T) {
	param := []byte{1, byte(OpReset), byte(OpReset >> 8), 0x00}
	ev := Event{Code: EvtCommandComplete, Param: param}
	numPkts, opcode, ret, err := CommandCompleteParams(ev)
	if err != nil {
		t.Fatalf("CommandCompleteParams: %v", err)
	}
	if numPkts != 1 {
		t.Errorf("numPkts: got %d want 1", numPkts)
	}
	if opcode != OpReset {
		t.Errorf("opcode: got %v want %v", opcode, OpReset)
	}
	if len(ret) != 1 || ret[0] != 0x00 {
		t.Errorf("ret: got %v want [0x00]", ret)
	}
}

func TestCommandStatusParamsRoundTrip(t *testing.T) {
	param := []byte{byte(StatusCommandDisallowed), 1, byte(OpLECreateConn), byte(OpLECreateConn >> 8)}
	ev := Event{Code: EvtCommandStatus, Param: param}
	status, numPkts, opcode, err := CommandStatusParams(ev)
	if err != nil {
		t.Fatalf("CommandStatusParams: %v", err)
	}
	if status != StatusCommandDisallowed {
		t.Errorf("status: got %v want %v", status, StatusCommandDisallowed)
	}
	if numPkts != 1 {
		t.Errorf("numPkts: got %d want 1", numPkts)
	}
	if opcode != OpLECreateConn {
		t.Errorf("opcode: got %v want %v", opcode, OpLECreateConn)
	}
}

func TestDisconnectionCompleteParams(t *testing.T) {
	param := []byte{byte(StatusSuccess), 0x34, 0x12, byte(StatusRemoteUserTerminated)}
	ev := Event{Code: EvtDisconnectionComplete, Param: param}
	status, handle, reason, err := DisconnectionCompleteParams(ev)
	if err != nil {
		t.Fatalf("DisconnectionCompleteParams: %v", err)
	}
	if status != StatusSuccess {
		t.Errorf("status: got %v want success", status)
	}
	if handle != 0x1234 {
		t.Errorf("handle: got %#x want 0x1234", handle)
	}
	if reason != byte(StatusRemoteUserTerminated) {
		t.Errorf("reason: got %#x want %#x", reason, byte(StatusRemoteUserTerminated))
	}
}

func TestLEConnectionCompleteParams(t *testing.T) {
	addr := directble.BDAddr{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
	param := make([]byte, 19)
	param[0] = byte(LESubConnectionComplete)
	param[1] = byte(StatusSuccess)
	param[2], param[3] = 0x01, 0x00 // handle 1
	param[4] = 0x00                 // role
	param[5] = 0x01                 // addr type random
	for i := 0; i < 6; i++ {
		param[6+i] = addr[5-i]
	}
	ev := Event{Code: EvtLEMeta, Param: param}
	status, handle, gotAddr, addrType, err := LEConnectionCompleteParams(ev)
	if err != nil {
		t.Fatalf("LEConnectionCompleteParams: %v", err)
	}
	if status != StatusSuccess {
		t.Errorf("status: got %v want success", status)
	}
	if handle != 1 {
		t.Errorf("handle: got %d want 1", handle)
	}
	if addrType != 0x01 {
		t.Errorf("addrType: got %d want 1", addrType)
	}
	if gotAddr != addr {
		t.Errorf("addr: got %v want %v", gotAddr, addr)
	}
}

func TestLEConnectionCompleteParamsRejectsWrongSubevent(t *testing.T) {
	param := make([]byte, 19)
	param[0] = byte(LESubAdvertisingReport)
	ev := Event{Code: EvtLEMeta, Param: param}
	if _, _, _, _, err := LEConnectionCompleteParams(ev); err == nil {
		t.Fatal("expected error for non-connection-complete subevent")
	}
}

func TestStatusCodeOK(t *testing.T) {
	if !StatusSuccess.OK() {
		t.Error("StatusSuccess should be OK")
	}
	if StatusCommandDisallowed.OK() {
		t.Error("StatusCommandDisallowed should not be OK")
	}
}
