package protocol

import (
	"encoding/binary"
	"errors"
	"io"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// MaxMembers is the largest member list a single packet may carry.
	MaxMembers = 65535

	// MaxPacketBytes bounds every encoded packet: the size of a full
	// membership packet plus some headroom. Larger buffers are rejected
	// before decoding starts.
	MaxPacketBytes = 100 + 16*2*MaxMembers
)

// Codec errors.
var (
	ErrPacketTooLarge   = errors.New("protocol: packet exceeds size limit")
	ErrTooManyMembers   = errors.New("protocol: member list exceeds limit")
	ErrInvalidUTF8      = errors.New("protocol: string is not valid UTF-8")
	ErrUnknownEnvelope  = errors.New("protocol: unknown envelope tag")
	ErrUnencodable      = errors.New("protocol: packet variant cannot be encoded")
	ErrAllocationTooBig = errors.New("protocol: declared length exceeds limit")
)

// encoder appends fixed-width little-endian fields. There are no variable
// length integers on the wire so every build produces identical bytes.
type encoder struct {
	buf []byte
	err error
}

func newEncoder() *encoder {
	return &encoder{buf: make([]byte, 0, 64)}
}

func (e *encoder) tag(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

func (e *encoder) u16(v uint16) {
	e.buf = binary.LittleEndian.AppendUint16(e.buf, v)
}

func (e *encoder) u64(v uint64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
}

func (e *encoder) id(v uuid.UUID) {
	e.buf = append(e.buf, v[:]...)
}

func (e *encoder) ids(vs []uuid.UUID) {
	if len(vs) > MaxMembers {
		e.fail(ErrTooManyMembers)
		return
	}
	e.u64(uint64(len(vs)))
	for _, v := range vs {
		e.id(v)
	}
}

func (e *encoder) str(s string) {
	if !utf8.ValidString(s) {
		e.fail(ErrInvalidUTF8)
		return
	}
	e.u64(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) fingerprint(f Fingerprint) {
	e.u64(uint64(f.Magic))
	e.version(f.Version)
}

func (e *encoder) version(v Version) {
	for _, part := range v {
		e.u16(part)
	}
}

func (e *encoder) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

func (e *encoder) finish() ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	if len(e.buf) > MaxPacketBytes {
		return nil, ErrPacketTooLarge
	}
	return e.buf, nil
}

// decoder reads the fields written by encoder. Every declared length is
// checked against the unread input before anything is allocated.
type decoder struct {
	buf []byte
	pos int
}

func newDecoder(buf []byte) (*decoder, error) {
	if len(buf) > MaxPacketBytes {
		return nil, ErrPacketTooLarge
	}
	return &decoder{buf: buf}, nil
}

func (d *decoder) remaining() int {
	return len(d.buf) - d.pos
}

func (d *decoder) take(n int) ([]byte, error) {
	if n < 0 || d.remaining() < n {
		return nil, io.ErrUnexpectedEOF
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *decoder) tag() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (d *decoder) u16() (uint16, error) {
	b, err := d.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (d *decoder) u64() (uint64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (d *decoder) id() (uuid.UUID, error) {
	var v uuid.UUID
	b, err := d.take(len(v))
	if err != nil {
		return v, err
	}
	copy(v[:], b)
	return v, nil
}

// length reads a count of elements of elemSize bytes and verifies they
// fit in the unread input.
func (d *decoder) length(elemSize int) (int, error) {
	n, err := d.u64()
	if err != nil {
		return 0, err
	}
	if n > MaxPacketBytes {
		return 0, ErrAllocationTooBig
	}
	if n*uint64(elemSize) > uint64(d.remaining()) {
		return 0, io.ErrUnexpectedEOF
	}
	return int(n), nil
}

func (d *decoder) ids() ([]uuid.UUID, error) {
	n, err := d.length(16)
	if err != nil {
		return nil, err
	}
	if n > MaxMembers {
		return nil, ErrTooManyMembers
	}
	out := make([]uuid.UUID, n)
	for i := range out {
		if out[i], err = d.id(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (d *decoder) str() (string, error) {
	n, err := d.length(1)
	if err != nil {
		return "", err
	}
	b, err := d.take(n)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", ErrInvalidUTF8
	}
	return string(b), nil
}

func (d *decoder) fingerprint() (Fingerprint, error) {
	magic, err := d.u64()
	if err != nil {
		return Fingerprint{}, err
	}
	v, err := d.version()
	if err != nil {
		return Fingerprint{}, err
	}
	return Fingerprint{Magic: Magic(magic), Version: v}, nil
}

func (d *decoder) version() (Version, error) {
	var v Version
	for i := range v {
		part, err := d.u16()
		if err != nil {
			return Version{}, err
		}
		v[i] = part
	}
	return v, nil
}
