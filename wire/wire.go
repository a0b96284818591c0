// Package wire implements the framed container and deferred-block payload
// encoding shared by the intermediate ("PINT") and assembly ("PASM")
// formats (spec §6).
package wire

import (
	"encoding/binary"

	"github.com/aggrobird/propane/perr"
)

// Endianness tags (spec §6 version word, byte 7 high nibble).
type Endianness uint8

const (
	LittleEndian Endianness = 0
	BigEndian    Endianness = 1
)

// Architecture tags (spec §6 version word, byte 7 low nibble).
type Architecture uint8

const (
	Arch32 Architecture = 0
	Arch64 Architecture = 1
)

// Version is the 8-byte toolchain version word (spec §6).
type Version struct {
	Major      uint16
	Minor      uint16
	Changelist uint32 // only the low 24 bits are stored on the wire
	Endian     Endianness
	Arch       Architecture
}

// Encode packs v into its 8-byte little-endian-per-field wire form.
func (v Version) Encode() [8]byte {
	var b [8]byte
	binary.LittleEndian.PutUint16(b[0:2], v.Major)
	binary.LittleEndian.PutUint16(b[2:4], v.Minor)
	b[4] = byte(v.Changelist)
	b[5] = byte(v.Changelist >> 8)
	b[6] = byte(v.Changelist >> 16)
	b[7] = byte(v.Endian)<<4 | byte(v.Arch)&0xF
	return b
}

// DecodeVersion unpacks an 8-byte version word.
func DecodeVersion(b [8]byte) Version {
	return Version{
		Major:      binary.LittleEndian.Uint16(b[0:2]),
		Minor:      binary.LittleEndian.Uint16(b[2:4]),
		Changelist: uint32(b[4]) | uint32(b[5])<<8 | uint32(b[6])<<16,
		Endian:     Endianness(b[7] >> 4),
		Arch:       Architecture(b[7] & 0xF),
	}
}

// Compatible reports whether a producer version and the consumer's own
// version are link-compatible: equal major/minor, producer changelist
// at or above consumer's minimum, equal endianness/arch. The version
// word is a packed struct, not a semver string, so the comparison is
// a plain field-by-field integer check rather than a semver parse.
func Compatible(producer, consumer Version) bool {
	if producer.Major != consumer.Major || producer.Minor != consumer.Minor {
		return false
	}
	if producer.Changelist < consumer.Changelist {
		return false
	}
	if producer.Endian != consumer.Endian || producer.Arch != consumer.Arch {
		return false
	}
	return true
}

var (
	MagicIntermediate = [4]byte{'P', 'I', 'N', 'T'}
	MagicAssembly     = [4]byte{'P', 'A', 'S', 'M'}
	MagicFooter       = [3]byte{'E', 'N', 'D'}
)

// Frame wraps a payload in magic | version | payload | "END" (spec §6).
func Frame(magic [4]byte, version Version, payload []byte) []byte {
	ver := version.Encode()
	out := make([]byte, 0, 4+8+len(payload)+3)
	out = append(out, magic[:]...)
	out = append(out, ver[:]...)
	out = append(out, payload...)
	out = append(out, MagicFooter[:]...)
	return out
}

// Unframe validates magic/footer and returns (version, payload).
func Unframe(data []byte, wantMagic [4]byte, code perr.Code) (Version, []byte, error) {
	if len(data) < 4+8+3 {
		return Version{}, nil, perr.New(code, perr.SourceLoc{}, "artifact too short")
	}
	var magic [4]byte
	copy(magic[:], data[:4])
	if magic != wantMagic {
		return Version{}, nil, perr.New(code, perr.SourceLoc{}, "bad magic header")
	}
	var ver [8]byte
	copy(ver[:], data[4:12])
	payload := data[12 : len(data)-3]
	var footer [3]byte
	copy(footer[:], data[len(data)-3:])
	if footer != MagicFooter {
		return Version{}, nil, perr.New(code, perr.SourceLoc{}, "bad magic footer")
	}
	return DecodeVersion(ver), payload, nil
}

// --- Deferred block payload encoding (spec §6) ---

// Writer builds a payload as a tree of length-prefixed blocks. Primitive
// fields are written directly; Block wraps a variable-length collection
// with a (byte_length, element_count) header aligned to 4 bytes.
type Writer struct {
	buf []byte
}

func NewWriter() *Writer { return &Writer{} }

func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) align4() {
	for len(w.buf)%4 != 0 {
		w.buf = append(w.buf, 0)
	}
}

func (w *Writer) U8(v uint8)   { w.buf = append(w.buf, v) }
func (w *Writer) I32(v int32)  { w.U32(uint32(v)) }
func (w *Writer) I64(v int64)  { w.U64(uint64(v)) }
func (w *Writer) U32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}
func (w *Writer) U64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) RawBytes(b []byte) { w.buf = append(w.buf, b...) }

// String writes a length-prefixed UTF-8 string as a deferred block of
// bytes (element_count == byte length).
func (w *Writer) String(s string) {
	w.Block(len(s), len(s), func() { w.buf = append(w.buf, s...) })
}

// Block writes a deferred block header (byteLength, elementCount) then
// invokes fill to append the block body; fill must append exactly
// byteLength bytes before alignment padding.
func (w *Writer) Block(byteLength, elementCount int, fill func()) {
	w.U32(uint32(byteLength))
	w.U32(uint32(elementCount))
	before := len(w.buf)
	fill()
	if len(w.buf)-before != byteLength {
		panic("ICE: deferred block fill wrote unexpected length")
	}
	w.align4()
}

// Reader walks a payload produced by Writer.
type Reader struct {
	buf []byte
	pos int
}

func NewReader(buf []byte) *Reader { return &Reader{buf: buf} }

func (r *Reader) align4() {
	for r.pos%4 != 0 {
		r.pos++
	}
}

func (r *Reader) U8() uint8 {
	v := r.buf[r.pos]
	r.pos++
	return v
}
func (r *Reader) U32() uint32 {
	v := binary.LittleEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return v
}
func (r *Reader) I32() int32 { return int32(r.U32()) }
func (r *Reader) U64() uint64 {
	v := binary.LittleEndian.Uint64(r.buf[r.pos : r.pos+8])
	r.pos += 8
	return v
}
func (r *Reader) I64() int64 { return int64(r.U64()) }

func (r *Reader) RawBytes(n int) []byte {
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b
}

// BlockHeader reads (byteLength, elementCount) for the next deferred
// block without consuming its body.
func (r *Reader) BlockHeader() (byteLength, elementCount int) {
	return int(r.U32()), int(r.U32())
}

// SkipBlockBody advances past a block body of byteLength bytes plus
// alignment padding, after BlockHeader has been read.
func (r *Reader) SkipBlockBody(byteLength int) {
	r.pos += byteLength
	r.align4()
}

// Align4 advances the read cursor to the next 4-byte boundary, to be
// called after consuming a block body manually (e.g. via RawBytes)
// instead of SkipBlockBody.
func (r *Reader) Align4() { r.align4() }

// String reads a block written by Writer.String.
func (r *Reader) String() string {
	byteLen, _ := r.BlockHeader()
	s := string(r.buf[r.pos : r.pos+byteLen])
	r.pos += byteLen
	r.align4()
	return s
}

func (r *Reader) Len() int  { return len(r.buf) }
func (r *Reader) Pos() int  { return r.pos }
func (r *Reader) Done() bool { return r.pos >= len(r.buf) }
