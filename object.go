package hookcave

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// XYZ is a 3-float position vector as the target lays it out.
type XYZ struct {
	X, Y, Z float32
}

func (p XYZ) Distance(o XYZ) float64 {
	dx := float64(p.X - o.X)
	dy := float64(p.Y - o.Y)
	dz := float64(p.Z - o.Z)
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Resolver produces the current base address of a remote structure. It runs
// on every access so an object naturally invalidates when the target-side
// pointer moves or nulls out.
type Resolver func() (uintptr, error)

// FixedResolver always yields addr.
func FixedResolver(addr uintptr) Resolver {
	return func() (uintptr, error) { return addr, nil }
}

// PointerResolver dereferences a pointer slot on every access. This is how
// objects hang off hook export slots: the slot holds whatever the target
// wrote last.
func PointerResolver(io MemoryIO, slot uintptr) Resolver {
	return func() (uintptr, error) {
		buf, err := io.ReadBytes(slot, 8)
		if err != nil {
			return 0, err
		}
		return uintptr(binary.LittleEndian.Uint64(buf)), nil
	}
}

// RemoteObject is an offset-addressed typed view over a structure in the
// target. It never owns or caches remote memory; every accessor re-resolves
// the base and performs a fresh read.
type RemoteObject struct {
	io      MemoryIO
	resolve Resolver
}

func NewRemoteObject(io MemoryIO, resolve Resolver) *RemoteObject {
	return &RemoteObject{io: io, resolve: resolve}
}

func NewRemoteObjectAt(io MemoryIO, addr uintptr) *RemoteObject {
	return NewRemoteObject(io, FixedResolver(addr))
}

// Base re-evaluates the resolver. A zero address fails with
// InvalidBaseAddressError rather than reading through a dangling pointer.
func (o *RemoteObject) Base() (uintptr, error) {
	addr, err := o.resolve()
	if err != nil {
		return 0, errors.WithMessage(err, "resolving base address")
	}
	if addr == 0 {
		return 0, &InvalidBaseAddressError{Address: addr}
	}
	return addr, nil
}

func (o *RemoteObject) readAt(offset uintptr, size int) ([]byte, error) {
	base, err := o.Base()
	if err != nil {
		return nil, err
	}
	return o.io.ReadBytes(base+offset, size)
}

func (o *RemoteObject) writeAt(offset uintptr, data []byte) error {
	base, err := o.Base()
	if err != nil {
		return err
	}
	return o.io.WriteBytes(base+offset, data)
}

func (o *RemoteObject) ReadUint8(offset uintptr) (uint8, error) {
	buf, err := o.readAt(offset, 1)
	if err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (o *RemoteObject) ReadUint16(offset uintptr) (uint16, error) {
	buf, err := o.readAt(offset, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf), nil
}

func (o *RemoteObject) ReadUint32(offset uintptr) (uint32, error) {
	buf, err := o.readAt(offset, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf), nil
}

func (o *RemoteObject) ReadUint64(offset uintptr) (uint64, error) {
	buf, err := o.readAt(offset, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf), nil
}

func (o *RemoteObject) ReadInt8(offset uintptr) (int8, error) {
	v, err := o.ReadUint8(offset)
	return int8(v), err
}

func (o *RemoteObject) ReadInt16(offset uintptr) (int16, error) {
	v, err := o.ReadUint16(offset)
	return int16(v), err
}

func (o *RemoteObject) ReadInt32(offset uintptr) (int32, error) {
	v, err := o.ReadUint32(offset)
	return int32(v), err
}

func (o *RemoteObject) ReadInt64(offset uintptr) (int64, error) {
	v, err := o.ReadUint64(offset)
	return int64(v), err
}

func (o *RemoteObject) ReadFloat32(offset uintptr) (float32, error) {
	v, err := o.ReadUint32(offset)
	return math.Float32frombits(v), err
}

func (o *RemoteObject) ReadFloat64(offset uintptr) (float64, error) {
	v, err := o.ReadUint64(offset)
	return math.Float64frombits(v), err
}

func (o *RemoteObject) ReadBool(offset uintptr) (bool, error) {
	v, err := o.ReadUint8(offset)
	return v != 0, err
}

func (o *RemoteObject) ReadPointer(offset uintptr) (uintptr, error) {
	v, err := o.ReadUint64(offset)
	return uintptr(v), err
}

func (o *RemoteObject) WriteUint8(offset uintptr, v uint8) error {
	return o.writeAt(offset, []byte{v})
}

func (o *RemoteObject) WriteUint16(offset uintptr, v uint16) error {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, v)
	return o.writeAt(offset, buf)
}

func (o *RemoteObject) WriteUint32(offset uintptr, v uint32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return o.writeAt(offset, buf)
}

func (o *RemoteObject) WriteUint64(offset uintptr, v uint64) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return o.writeAt(offset, buf)
}

func (o *RemoteObject) WriteInt32(offset uintptr, v int32) error {
	return o.WriteUint32(offset, uint32(v))
}

func (o *RemoteObject) WriteInt64(offset uintptr, v int64) error {
	return o.WriteUint64(offset, uint64(v))
}

func (o *RemoteObject) WriteFloat32(offset uintptr, v float32) error {
	return o.WriteUint32(offset, math.Float32bits(v))
}

func (o *RemoteObject) WriteFloat64(offset uintptr, v float64) error {
	return o.WriteUint64(offset, math.Float64bits(v))
}

func (o *RemoteObject) WriteBool(offset uintptr, v bool) error {
	b := uint8(0)
	if v {
		b = 1
	}
	return o.WriteUint8(offset, b)
}

func (o *RemoteObject) WritePointer(offset uintptr, v uintptr) error {
	return o.WriteUint64(offset, uint64(v))
}

func (o *RemoteObject) ReadXYZ(offset uintptr) (XYZ, error) {
	buf, err := o.readAt(offset, 12)
	if err != nil {
		return XYZ{}, err
	}
	return XYZ{
		X: math.Float32frombits(binary.LittleEndian.Uint32(buf[0:])),
		Y: math.Float32frombits(binary.LittleEndian.Uint32(buf[4:])),
		Z: math.Float32frombits(binary.LittleEndian.Uint32(buf[8:])),
	}, nil
}

func (o *RemoteObject) WriteXYZ(offset uintptr, p XYZ) error {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:], math.Float32bits(p.X))
	binary.LittleEndian.PutUint32(buf[4:], math.Float32bits(p.Y))
	binary.LittleEndian.PutUint32(buf[8:], math.Float32bits(p.Z))
	return o.writeAt(offset, buf)
}

// Enum is a registered value set for a 4-byte enum field.
type Enum struct {
	name   string
	labels map[int32]string
}

func NewEnum(name string, labels map[int32]string) *Enum {
	copied := make(map[int32]string, len(labels))
	for k, v := range labels {
		copied[k] = v
	}
	return &Enum{name: name, labels: copied}
}

func (e *Enum) Name() string { return e.name }

// Decode validates raw against the value set. Unknown values fail; there is
// no default variant.
func (e *Enum) Decode(raw int32) (EnumValue, error) {
	label, ok := e.labels[raw]
	if !ok {
		return EnumValue{}, &EnumDecodeError{Enum: e.name, Raw: raw}
	}
	return EnumValue{Raw: raw, Label: label}, nil
}

type EnumValue struct {
	Raw   int32
	Label string
}

func (v EnumValue) String() string { return v.Label }

func (o *RemoteObject) ReadEnum(offset uintptr, e *Enum) (EnumValue, error) {
	raw, err := o.ReadInt32(offset)
	if err != nil {
		return EnumValue{}, err
	}
	return e.Decode(raw)
}

func (o *RemoteObject) WriteEnum(offset uintptr, e *Enum, raw int32) error {
	if _, err := e.Decode(raw); err != nil {
		return err
	}
	return o.WriteInt32(offset, raw)
}

// ReadCString reads a null-terminated string of at most max bytes starting
// at base+offset. A missing terminator yields the max bytes as-is.
func (o *RemoteObject) ReadCString(offset uintptr, max int) (string, error) {
	if max <= 0 {
		max = 256
	}
	buf, err := o.readAt(offset, max)
	if err != nil {
		return "", err
	}
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf), nil
}

const maxStdString = 1 << 16

// ReadStdString reads a count-prefixed string in the target's std::string
// layout: 16 data bytes (inline for short strings, pointer otherwise) and a
// length at +16.
func (o *RemoteObject) ReadStdString(offset uintptr) (string, error) {
	header, err := o.readAt(offset, 24)
	if err != nil {
		return "", err
	}
	length := int(binary.LittleEndian.Uint32(header[16:]))
	switch {
	case length == 0:
		return "", nil
	case length < 0 || length > maxStdString:
		return "", errors.Errorf("implausible string length %d, string header is corrupt", length)
	case length < 16:
		return string(header[:length]), nil
	}

	ptr := uintptr(binary.LittleEndian.Uint64(header[:8]))
	if ptr == 0 {
		return "", &InvalidBaseAddressError{Address: ptr}
	}
	buf, err := o.io.ReadBytes(ptr, length)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

const defaultListLimit = 4096

// ReadLinkedList follows the chain headed at base+offset, reading each
// node's next pointer at node+nextOffset, until a null pointer or the list
// sentinel (the head slot itself). Traversal is bounded: exceeding limit
// fails with LinkedListCorruptError instead of looping forever.
func (o *RemoteObject) ReadLinkedList(offset, nextOffset uintptr, limit int) ([]uintptr, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	base, err := o.Base()
	if err != nil {
		return nil, err
	}
	head := base + offset

	headBuf, err := o.io.ReadBytes(head, 8)
	if err != nil {
		return nil, err
	}
	node := uintptr(binary.LittleEndian.Uint64(headBuf))

	var nodes []uintptr
	for i := 0; node != 0 && node != head; i++ {
		if i >= limit {
			return nil, &LinkedListCorruptError{Address: head, Limit: limit}
		}
		nodes = append(nodes, node)

		buf, err := o.io.ReadBytes(node+nextOffset, 8)
		if err != nil {
			return nil, err
		}
		node = uintptr(binary.LittleEndian.Uint64(buf))
	}
	return nodes, nil
}
