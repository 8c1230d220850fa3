// Package gatt implements the ATT/GATT client engine: one L2CAP
// sequential-packet socket per peer, MTU negotiation, service/
// characteristic/descriptor discovery, reads, writes, and notification/
// indication delivery (§4.5, §3.6, §6).
package gatt

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/blesock/directble"
	"github.com/blesock/directble/att"
)

// Property is a characteristic property flag (§3.6).
type Property uint8

const (
	PropBroadcast Property = 1 << iota
	PropRead
	PropWriteNoAck
	PropWriteWithAck
	PropNotify
	PropIndicate
	PropAuthSignedWrite
	PropExtProps
)

func (p Property) Has(bit Property) bool { return p&bit != 0 }

// Descriptor is a discovered GATT descriptor: its handle, type UUID,
// and last-cached value (§3.6).
type Descriptor struct {
	Handle uint16
	Type   directble.UUID
	Value  []byte

	characteristic *Characteristic // weak: never extends the characteristic's lifetime
}

// Characteristic owns its descriptors, in discovery order (§3.6, §3.7).
type Characteristic struct {
	DeclHandle  uint16
	ValueHandle uint16
	Properties  Property
	ValueType   directble.UUID

	descriptors *orderedmap.OrderedMap[uint16, *Descriptor] // keyed by descriptor handle
	cccdHandle  uint16                                       // 0 means "no CCCD"

	service *Service // weak
}

// Descriptors returns the characteristic's descriptors in discovery order.
func (c *Characteristic) Descriptors() []*Descriptor {
	out := make([]*Descriptor, 0, c.descriptors.Len())
	for pair := c.descriptors.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// CCCDHandle returns the characteristic's client-characteristic-
// configuration descriptor handle, and whether one was discovered.
func (c *Characteristic) CCCDHandle() (uint16, bool) {
	return c.cccdHandle, c.cccdHandle != 0
}

// Service is a discovered primary (or, when Primary is false, secondary)
// service: a contiguous handle range owning its characteristics in
// discovery order (§3.6, §3.7).
type Service struct {
	StartHandle uint16
	EndHandle   uint16
	Type        directble.UUID
	Primary     bool

	characteristics *orderedmap.OrderedMap[uint16, *Characteristic] // keyed by decl handle
}

// Characteristics returns the service's characteristics in discovery order.
func (s *Service) Characteristics() []*Characteristic {
	out := make([]*Characteristic, 0, s.characteristics.Len())
	for pair := s.characteristics.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Tree is the discovered forest for one connection: services in
// discovery order plus a value-handle index for O(1) notification
// dispatch (§4.5 "Listener matching").
type Tree struct {
	services     *orderedmap.OrderedMap[uint16, *Service] // keyed by start handle
	byValueHandle map[uint16]*Characteristic
}

func newTree() *Tree {
	return &Tree{
		services:      orderedmap.New[uint16, *Service](),
		byValueHandle: make(map[uint16]*Characteristic),
	}
}

// Services returns the discovered services in discovery order.
func (t *Tree) Services() []*Service {
	out := make([]*Service, 0, t.services.Len())
	for pair := t.services.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// CharacteristicByValueHandle resolves a notification/indication's
// value handle to its owning characteristic, the lookup §4.5 requires
// before dispatching to listeners.
func (t *Tree) CharacteristicByValueHandle(handle uint16) (*Characteristic, bool) {
	c, ok := t.byValueHandle[handle]
	return c, ok
}

func (t *Tree) addService(s *Service) {
	t.services.Set(s.StartHandle, s)
}

func (s *Service) addCharacteristic(c *Characteristic, tree *Tree) {
	c.service = s
	s.characteristics.Set(c.DeclHandle, c)
	tree.byValueHandle[c.ValueHandle] = c
}

func (c *Characteristic) addDescriptor(d *Descriptor) {
	d.characteristic = c
	c.descriptors.Set(d.Handle, d)
	if d.Type.Equal(att.UUIDClientCharacteristicConfig) {
		c.cccdHandle = d.Handle
	}
}

func newService(start, end uint16, uuid directble.UUID) *Service {
	return &Service{
		StartHandle:     start,
		EndHandle:       end,
		Type:            uuid,
		Primary:         true,
		characteristics: orderedmap.New[uint16, *Characteristic](),
	}
}

func newCharacteristic(decl, value uint16, props Property, uuid directble.UUID) *Characteristic {
	return &Characteristic{
		DeclHandle:  decl,
		ValueHandle: value,
		Properties:  props,
		ValueType:   uuid,
		descriptors: orderedmap.New[uint16, *Descriptor](),
	}
}
