package ble

import (
	"fmt"

	"github.com/google/uuid"
)

// OpKind identifies the GATT operation variant.
type OpKind int

const (
	OpReadCharacteristic OpKind = iota
	OpWriteCharacteristic
	OpWriteDescriptor
	OpSetNotification
)

func (k OpKind) String() string {
	switch k {
	case OpReadCharacteristic:
		return "read_characteristic"
	case OpWriteCharacteristic:
		return "write_characteristic"
	case OpWriteDescriptor:
		return "write_descriptor"
	case OpSetNotification:
		return "set_notification"
	default:
		return fmt.Sprintf("op(%d)", int(k))
	}
}

// Operation is an immutable GATT request. Build one with the constructors
// below; the payload is copied in and out.
type Operation struct {
	kind           OpKind
	service        uuid.UUID
	characteristic uuid.UUID
	descriptor     uuid.UUID
	payload        []byte
	enable         bool
}

// ReadCharacteristic reads the current value of a characteristic.
func ReadCharacteristic(service, characteristic uuid.UUID) Operation {
	return Operation{kind: OpReadCharacteristic, service: service, characteristic: characteristic}
}

// WriteCharacteristic writes data to a characteristic.
func WriteCharacteristic(service, characteristic uuid.UUID, data []byte) Operation {
	return Operation{
		kind:           OpWriteCharacteristic,
		service:        service,
		characteristic: characteristic,
		payload:        cloneBytes(data),
	}
}

// WriteDescriptor writes data to a descriptor of a characteristic.
func WriteDescriptor(service, characteristic, descriptor uuid.UUID, data []byte) Operation {
	return Operation{
		kind:           OpWriteDescriptor,
		service:        service,
		characteristic: characteristic,
		descriptor:     descriptor,
		payload:        cloneBytes(data),
	}
}

// SetNotification subscribes to (enable) or unsubscribes from value
// notifications of a characteristic.
func SetNotification(service, characteristic uuid.UUID, enable bool) Operation {
	return Operation{kind: OpSetNotification, service: service, characteristic: characteristic, enable: enable}
}

func (o Operation) Kind() OpKind              { return o.kind }
func (o Operation) Service() uuid.UUID        { return o.service }
func (o Operation) Characteristic() uuid.UUID { return o.characteristic }
func (o Operation) Descriptor() uuid.UUID     { return o.descriptor }
func (o Operation) Enable() bool              { return o.enable }

// Payload returns a copy of the bytes to write.
func (o Operation) Payload() []byte { return cloneBytes(o.payload) }

// Target identifies the attribute the operation addresses.
func (o Operation) Target() string {
	if o.kind == OpWriteDescriptor {
		return fmt.Sprintf("%s/%s/%s", o.service, o.characteristic, o.descriptor)
	}
	return fmt.Sprintf("%s/%s", o.service, o.characteristic)
}

func (o Operation) String() string {
	return fmt.Sprintf("%s %s", o.kind, o.Target())
}

// writes reports whether a successful completion echoes the payload.
func (o Operation) writes() bool {
	return o.kind == OpWriteCharacteristic || o.kind == OpWriteDescriptor
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
