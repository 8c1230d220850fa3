package directble

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// MaxEIRPacketLength is the largest AD/EIR structure payload the
// controller will deliver in a single advertising or inquiry report.
const MaxEIRPacketLength = 31

// ErrEIRPacketTooLong is returned when a parsed AD structure claims a
// length that would exceed MaxEIRPacketLength.
var ErrEIRPacketTooLong = errors.New("directble: AD/EIR structure exceeds 31 bytes")

// AD structure type tags, assigned by the Bluetooth SIG.
const (
	adTypeFlags             = 0x01
	adTypeSomeUUID16        = 0x02
	adTypeAllUUID16         = 0x03
	adTypeSomeUUID32        = 0x04
	adTypeAllUUID32         = 0x05
	adTypeSomeUUID128       = 0x06
	adTypeAllUUID128        = 0x07
	adTypeShortName         = 0x08
	adTypeCompleteName      = 0x09
	adTypeTxPower           = 0x0A
	adTypeDeviceClass       = 0x0D
	adTypeSimplePairingC192 = 0x0E
	adTypeSimplePairingR192 = 0x0F
	adTypeDeviceID          = 0x10
	adTypeAppearance        = 0x19
	adTypeManufacturerData  = 0xFF
)

// AD flag bits carried in the Flags AD structure.
const (
	FlagLimitedDiscoverable = 0x01
	FlagGeneralDiscoverable = 0x02
	FlagLEOnly              = 0x04
	FlagBothController      = 0x08
	FlagBothHost            = 0x10
)

// ReportSource distinguishes an advertisement parsed from an HCI LE
// advertising report from one parsed from a BR/EDR extended inquiry
// response, per §3.4.
type ReportSource int

const (
	SourceAD  ReportSource = iota // HCI_LE_Advertising_Report
	SourceEIR                     // extended inquiry response
)

func (s ReportSource) String() string {
	if s == SourceEIR {
		return "EIR"
	}
	return "AD"
}

// ReportFields is a bitmask of which optional fields a parsed
// Advertisement actually carried.
type ReportFields uint32

const (
	FieldFlags ReportFields = 1 << iota
	FieldName
	FieldNameShort
	FieldRSSI
	FieldTxPower
	FieldManufacturerData
	FieldServiceUUIDs
	FieldDeviceClass
	FieldAppearance
	FieldSSPHashRandomizer
	FieldDeviceID
)

func (f ReportFields) Has(x ReportFields) bool { return f&x != 0 }

// DeviceID is the vendor/product/version quadruple carried by the
// Device ID AD structure (assigned numbers "Device ID Profile").
type DeviceID struct {
	Source  uint16
	Vendor  uint16
	Product uint16
	Version uint16
}

// Advertisement is a fully parsed advertising or inquiry report, per §3.4.
type Advertisement struct {
	Source    ReportSource
	Timestamp time.Time
	EventType uint8
	Address   BDAddr
	AddrKind  AddrKind
	Fields    ReportFields

	Flags            uint8
	Name             string
	NameComplete     bool
	RSSI             int8
	TxPower          int8
	ManufacturerData []byte
	Services         []UUID
	DeviceClass      [3]byte
	Appearance       uint16
	SSPHash          [16]byte
	SSPRandomizer    [16]byte
	DeviceID         DeviceID
}

// ParseAdvertisement decodes the AD/EIR structures in b, produced at time
// ts, for the advertiser at addr/kind, from event et and source src.
// Unrecognized structure types are skipped (the field is simply absent
// from the result), matching the original's tolerant EIR parser.
func ParseAdvertisement(src ReportSource, ts time.Time, et uint8, addr BDAddr, kind AddrKind, b []byte, log *logrus.Entry) (*Advertisement, error) {
	a := &Advertisement{
		Source:    src,
		Timestamp: ts,
		EventType: et,
		Address:   addr,
		AddrKind:  kind,
	}
	for len(b) > 0 {
		if len(b) < 1 {
			return nil, errors.New("directble: truncated AD structure length")
		}
		l := int(b[0])
		if l == 0 {
			break // padding
		}
		if len(b) < 1+l {
			return nil, errors.New("directble: truncated AD structure payload")
		}
		if l > MaxEIRPacketLength {
			return nil, ErrEIRPacketTooLong
		}
		typ := b[1]
		d := b[2 : 1+l]
		a.applyField(typ, d, log)
		b = b[1+l:]
	}
	return a, nil
}

func (a *Advertisement) applyField(typ byte, d []byte, log *logrus.Entry) {
	switch typ {
	case adTypeFlags:
		if len(d) >= 1 {
			a.Flags = d[0]
			a.Fields |= FieldFlags
		}
	case adTypeSomeUUID16, adTypeAllUUID16:
		a.Services = append(a.Services, uuidList(d, 2)...)
		a.Fields |= FieldServiceUUIDs
	case adTypeSomeUUID32, adTypeAllUUID32:
		a.Services = append(a.Services, uuidList(d, 4)...)
		a.Fields |= FieldServiceUUIDs
	case adTypeSomeUUID128, adTypeAllUUID128:
		a.Services = append(a.Services, uuidList(d, 16)...)
		a.Fields |= FieldServiceUUIDs
	case adTypeShortName:
		a.Name = string(d)
		a.NameComplete = false
		a.Fields |= FieldNameShort
	case adTypeCompleteName:
		a.Name = string(d)
		a.NameComplete = true
		a.Fields |= FieldName
	case adTypeTxPower:
		if len(d) >= 1 {
			a.TxPower = int8(d[0])
			a.Fields |= FieldTxPower
		}
	case adTypeDeviceClass:
		if len(d) >= 3 {
			copy(a.DeviceClass[:], d[:3])
			a.Fields |= FieldDeviceClass
		}
	case adTypeSimplePairingC192:
		if len(d) >= 16 {
			copy(a.SSPHash[:], d[:16])
			a.Fields |= FieldSSPHashRandomizer
		}
	case adTypeSimplePairingR192:
		if len(d) >= 16 {
			copy(a.SSPRandomizer[:], d[:16])
			a.Fields |= FieldSSPHashRandomizer
		}
	case adTypeDeviceID:
		if len(d) >= 8 {
			a.DeviceID = DeviceID{
				Source:  uint16(d[0]) | uint16(d[1])<<8,
				Vendor:  uint16(d[2]) | uint16(d[3])<<8,
				Product: uint16(d[4]) | uint16(d[5])<<8,
				Version: uint16(d[6]) | uint16(d[7])<<8,
			}
			a.Fields |= FieldDeviceID
		}
	case adTypeAppearance:
		if len(d) >= 2 {
			a.Appearance = uint16(d[0]) | uint16(d[1])<<8
			a.Fields |= FieldAppearance
		}
	case adTypeManufacturerData:
		a.ManufacturerData = append([]byte(nil), d...)
		a.Fields |= FieldManufacturerData
	default:
		if log != nil {
			log.WithField("ad_type", typ).Debug("unrecognized AD/EIR structure type, skipping")
		}
	}
}

func uuidList(d []byte, width int) []UUID {
	var out []UUID
	for len(d) >= width {
		out = append(out, UUID{b: append([]byte(nil), d[:width]...)})
		d = d[width:]
	}
	return out
}
