package mgmt

import (
	"fmt"

	"github.com/blesock/directble"
)

// addrTypeByte maps the shared AddrKind to the MGMT wire address-type
// byte used by DISCONNECT and the whitelist commands (§4.3).
func addrTypeByte(k directble.AddrKind) uint8 {
	switch k {
	case directble.AddrBREDR:
		return 0x00
	case directble.AddrLEPublic:
		return 0x01
	case directble.AddrLERandom:
		return 0x02
	default:
		return 0x00
	}
}

func addrKindFromByte(b uint8) directble.AddrKind {
	switch b {
	case 0x00:
		return directble.AddrBREDR
	case 0x01:
		return directble.AddrLEPublic
	case 0x02:
		return directble.AddrLERandom
	default:
		return directble.AddrUndefined
	}
}

// ReadVersion issues READ_VERSION and returns (major, minor).
func (c *Client) ReadVersion() (uint8, uint16, error) {
	status, data, err := c.Call(Command{Opcode: OpReadVersion, DevID: IndexNone})
	if err != nil {
		return 0, 0, err
	}
	if !status.OK() {
		return 0, 0, fmt.Errorf("directble/mgmt: READ_VERSION: %s", status)
	}
	v := directble.NewView(data)
	major, err := v.Uint8(0)
	if err != nil {
		return 0, 0, err
	}
	minor, err := v.Uint16(1)
	if err != nil {
		return 0, 0, err
	}
	return major, minor, nil
}

// ReadIndexList issues READ_INDEX_LIST and returns the controller indices.
func (c *Client) ReadIndexList() ([]uint16, error) {
	status, data, err := c.Call(Command{Opcode: OpReadIndexList, DevID: IndexNone})
	if err != nil {
		return nil, err
	}
	if !status.OK() {
		return nil, fmt.Errorf("directble/mgmt: READ_INDEX_LIST: %s", status)
	}
	v := directble.NewView(data)
	count, err := v.Uint16(0)
	if err != nil {
		return nil, err
	}
	out := make([]uint16, 0, count)
	for i := 0; i < int(count); i++ {
		idx, err := v.Uint16(2 + 2*i)
		if err != nil {
			return nil, err
		}
		out = append(out, idx)
	}
	return out, nil
}

// ReadInfo issues READ_INFO for devID and fills an AdapterInfo record
// (§3.3, §4.3).
func (c *Client) ReadInfo(devID uint16) (*directble.AdapterInfo, error) {
	status, data, err := c.Call(Command{Opcode: OpReadInfo, DevID: devID})
	if err != nil {
		return nil, err
	}
	if !status.OK() {
		return nil, fmt.Errorf("directble/mgmt: READ_INFO(%d): %s", devID, status)
	}
	v := directble.NewView(data)
	addr, err := v.BDAddr(0)
	if err != nil {
		return nil, err
	}
	hciVer, err := v.Uint8(6)
	if err != nil {
		return nil, err
	}
	manuf, err := v.Uint16(7)
	if err != nil {
		return nil, err
	}
	supported, err := v.Uint32(9)
	if err != nil {
		return nil, err
	}
	current, err := v.Uint32(13)
	if err != nil {
		return nil, err
	}
	devClassRaw, err := v.Slice(17, 20)
	if err != nil {
		return nil, err
	}
	var devClass [3]byte
	copy(devClass[:], devClassRaw.Bytes())
	// Name (249 bytes) and ShortName (11 bytes) follow as NUL-padded strings.
	name, _ := readCString(v, 20, 249)
	short, _ := readCString(v, 269, 11)

	info := &directble.AdapterInfo{
		AdapterID:    int(devID),
		Address:      addr,
		HCIVersion:   directble.HCIVersion(hciVer),
		Manufacturer: manuf,
		Supported:    directble.Settings(supported),
		DeviceClass:  devClass,
		Name:         name,
		ShortName:    short,
	}
	if err := info.SetCurrent(directble.Settings(current)); err != nil {
		return nil, err
	}
	return info, nil
}

func readCString(v directble.View, offset, maxLen int) (string, error) {
	end := offset
	limit := offset + maxLen
	if limit > v.Len() {
		limit = v.Len()
	}
	for end < limit {
		b, err := v.Uint8(end)
		if err != nil {
			return "", err
		}
		if b == 0 {
			break
		}
		end++
	}
	raw, err := v.Slice(offset, end)
	if err != nil {
		return "", err
	}
	return string(raw.Bytes()), nil
}

func (c *Client) setBool(op Opcode, devID uint16, on bool) (Status, error) {
	var b uint8
	if on {
		b = 1
	}
	status, _, err := c.Call(Command{Opcode: op, DevID: devID, Param: []byte{b}})
	return status, err
}

func (c *Client) SetPowered(devID uint16, on bool) (Status, error)         { return c.setBool(OpSetPowered, devID, on) }
func (c *Client) SetConnectable(devID uint16, on bool) (Status, error)     { return c.setBool(OpSetConnectable, devID, on) }
func (c *Client) SetFastConnectable(devID uint16, on bool) (Status, error) { return c.setBool(OpSetFastConnectable, devID, on) }
func (c *Client) SetSSP(devID uint16, on bool) (Status, error)             { return c.setBool(OpSetSSP, devID, on) }
func (c *Client) SetBREDR(devID uint16, on bool) (Status, error)           { return c.setBool(OpSetBREDR, devID, on) }
func (c *Client) SetLE(devID uint16, on bool) (Status, error)              { return c.setBool(OpSetLE, devID, on) }

// InitializeAdapter runs the fixed startup sequence described in §4.3:
// SSP/BREDR/LE per the requested mode, then CONNECTABLE=0,
// FAST_CONNECTABLE=0, POWERED=1.
func (c *Client) InitializeAdapter(devID uint16, mode directble.Mode) error {
	steps := []struct {
		name string
		fn   func() (Status, error)
	}{
		{"SET_SSP", func() (Status, error) { return c.SetSSP(devID, mode != directble.ModeLE) }},
		{"SET_BREDR", func() (Status, error) { return c.SetBREDR(devID, mode == directble.ModeDual || mode == directble.ModeBREDR) }},
		{"SET_LE", func() (Status, error) { return c.SetLE(devID, mode == directble.ModeDual || mode == directble.ModeLE) }},
		{"SET_CONNECTABLE", func() (Status, error) { return c.SetConnectable(devID, false) }},
		{"SET_FAST_CONNECTABLE", func() (Status, error) { return c.SetFastConnectable(devID, false) }},
		{"SET_POWERED", func() (Status, error) { return c.SetPowered(devID, true) }},
	}
	for _, step := range steps {
		status, err := step.fn()
		if err != nil {
			return fmt.Errorf("directble/mgmt: init %s: %w", step.name, err)
		}
		if !status.OK() {
			return fmt.Errorf("directble/mgmt: init %s: %s", step.name, status)
		}
	}
	return nil
}

// Teardown reverses the power sequence (§4.3 "Initialization sequence").
func (c *Client) Teardown(devID uint16) error {
	status, err := c.SetPowered(devID, false)
	if err != nil {
		return err
	}
	if !status.OK() {
		return fmt.Errorf("directble/mgmt: SET_POWERED(false): %s", status)
	}
	return nil
}

// StartDiscovery issues START_DISCOVERY(scanType) and returns the
// accepted scan type, which may be a subset of what was requested
// (§4.3 "Scan start/stop").
func (c *Client) StartDiscovery(devID uint16, scanType ScanType) (ScanType, error) {
	status, data, err := c.Call(Command{Opcode: OpStartDiscovery, DevID: devID, Param: []byte{byte(scanType)}})
	if err != nil {
		return 0, err
	}
	if !status.OK() {
		return 0, fmt.Errorf("directble/mgmt: START_DISCOVERY: %s", status)
	}
	if len(data) < 1 {
		return 0, fmt.Errorf("directble/mgmt: START_DISCOVERY: empty reply")
	}
	return ScanType(data[0]), nil
}

// StopDiscovery issues STOP_DISCOVERY(scanType). Calling it when
// discovery is idle returns success with no state change (§8
// "Idempotence").
func (c *Client) StopDiscovery(devID uint16, scanType ScanType) error {
	status, _, err := c.Call(Command{Opcode: OpStopDiscovery, DevID: devID, Param: []byte{byte(scanType)}})
	if err != nil {
		return err
	}
	if !status.OK() {
		return fmt.Errorf("directble/mgmt: STOP_DISCOVERY: %s", status)
	}
	return nil
}

func whitelistKey(addr directble.BDAddr, kind directble.AddrKind) string {
	return addr.String() + "/" + kind.String()
}

// AddDeviceWhitelist issues ADD_DEVICE_WHITELIST(address, kind, connectType).
// Adding the same entry twice succeeds and leaves one entry (§8): the
// second call still round-trips to the controller, but WhitelistContains
// reflects membership without waiting on it.
func (c *Client) AddDeviceWhitelist(devID uint16, addr directble.BDAddr, kind directble.AddrKind, ct ConnectType) error {
	buf := directble.NewBuffer(8)
	buf.AppendBDAddr(addr)
	buf.AppendUint8(addrTypeByte(kind))
	buf.AppendUint8(uint8(ct))
	status, _, err := c.Call(Command{Opcode: OpAddDeviceWhitelist, DevID: devID, Param: buf.Bytes()})
	if err != nil {
		return err
	}
	if !status.OK() && status != StatusAlreadyConnected {
		return fmt.Errorf("directble/mgmt: ADD_DEVICE_WHITELIST(%s): %s", addr, status)
	}
	c.whitelist.SetDefault(whitelistKey(addr, kind), ct)
	return nil
}

// RemoveDeviceWhitelist issues REMOVE_DEVICE_WHITELIST(address, kind).
// Removing an entry not currently tracked locally is a no-op (§8).
func (c *Client) RemoveDeviceWhitelist(devID uint16, addr directble.BDAddr, kind directble.AddrKind) error {
	key := whitelistKey(addr, kind)
	if _, ok := c.whitelist.Get(key); !ok {
		return nil
	}
	buf := directble.NewBuffer(7)
	buf.AppendBDAddr(addr)
	buf.AppendUint8(addrTypeByte(kind))
	status, _, err := c.Call(Command{Opcode: OpRemoveDeviceWhitelist, DevID: devID, Param: buf.Bytes()})
	if err != nil {
		return err
	}
	if !status.OK() {
		return fmt.Errorf("directble/mgmt: REMOVE_DEVICE_WHITELIST(%s): %s", addr, status)
	}
	c.whitelist.Delete(key)
	return nil
}

// WhitelistContains reports whether addr/kind is currently tracked as
// whitelisted by this client (§8).
func (c *Client) WhitelistContains(addr directble.BDAddr, kind directble.AddrKind) bool {
	_, ok := c.whitelist.Get(whitelistKey(addr, kind))
	return ok
}

// Disconnect issues DISCONNECT(address, kind) for a BR/EDR or LE link
// (§4.3). The normalized DEVICE_DISCONNECTED event arrives asynchronously
// through the hci engine, not through this call's reply.
func (c *Client) Disconnect(devID uint16, addr directble.BDAddr, kind directble.AddrKind) error {
	buf := directble.NewBuffer(7)
	buf.AppendBDAddr(addr)
	buf.AppendUint8(addrTypeByte(kind))
	status, _, err := c.Call(Command{Opcode: OpDisconnect, DevID: devID, Param: buf.Bytes()})
	if err != nil {
		return err
	}
	if !status.OK() {
		return fmt.Errorf("directble/mgmt: DISCONNECT(%s): %s", addr, status)
	}
	return nil
}

// ParseNewSettings decodes a NEW_SETTINGS event's single uint32
// current-settings bitmask (§3.3, §4.6).
func ParseNewSettings(ev Event) (directble.Settings, error) {
	v := directble.NewView(ev.Param)
	s, err := v.Uint32(0)
	if err != nil {
		return 0, err
	}
	return directble.Settings(s), nil
}

// ParseDiscovering decodes a DISCOVERING event's scan type and
// discovering flag, the signal the registry's discovery state machine
// drives on (§4.6, §4.7).
func ParseDiscovering(ev Event) (scanType ScanType, discovering bool, err error) {
	v := directble.NewView(ev.Param)
	st, err := v.Uint8(0)
	if err != nil {
		return 0, false, err
	}
	d, err := v.Uint8(1)
	if err != nil {
		return 0, false, err
	}
	return ScanType(st), d != 0, nil
}

// ParseDeviceFound decodes a DEVICE_FOUND event's parameters into the
// fields the registry needs: address, kind, RSSI, and raw EIR data
// (§4.3, §8 scenario 1).
func ParseDeviceFound(ev Event) (addr directble.BDAddr, kind directble.AddrKind, rssi int8, eir []byte, err error) {
	v := directble.NewView(ev.Param)
	addr, err = v.BDAddr(0)
	if err != nil {
		return
	}
	kindByte, err := v.Uint8(6)
	if err != nil {
		return
	}
	kind = addrKindFromByte(kindByte)
	// skip flags uint32 at offset 7
	rssiByte, err := v.Uint8(11)
	if err != nil {
		return
	}
	rssi = int8(rssiByte)
	eirLen, err := v.Uint16(12)
	if err != nil {
		return
	}
	eirView, err := v.Slice(14, 14+int(eirLen))
	if err != nil {
		return
	}
	eir = eirView.Bytes()
	return
}
