package manifest

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"github.com/hupe1980/vecagent/model"
)

const (
	binaryMagic = 0x5641474D // "VAGM"
	headerSize  = 16
	maxPayload  = 64 << 20
)

// WriteBinary writes the manifest in binary format.
//
// Payload:
//
//	ID (8) ActiveSeq (8) ActiveUUID (string) ActivePath (string)
//	CreatedAt (8, UnixNano) VectorCount (8)
//	Dim (4) Distance (1) DataType (1)
//	NextOffset (4) NextSeq (8) CopyOnWrite (1)
//	NumBroken (4) then per entry:
//	  Seq (8) UUID (string) CreatedAt (8) VectorCount (8) Path (string) Reason (string)
func (m *Manifest) WriteBinary(w io.Writer) error {
	pb := newPayloadBuffer(make([]byte, 0, 128+len(m.Broken)*96))

	pb.writeUint64(m.ID)
	pb.writeUint64(m.ActiveSeq)
	pb.writeString(m.ActiveUUID)
	pb.writeString(m.ActivePath)
	pb.writeTime(m.CreatedAt)
	pb.writeUint64(m.VectorCount)
	pb.writeUint32(uint32(m.Dim))
	pb.writeByte(byte(m.Distance))
	pb.writeByte(byte(m.DataType))
	pb.writeUint32(m.NextOffset)
	pb.writeUint64(m.NextSeq)
	pb.writeBool(m.CopyOnWrite)

	pb.writeUint32(uint32(len(m.Broken)))
	for _, b := range m.Broken {
		pb.writeUint64(b.Seq)
		pb.writeString(b.UUID)
		pb.writeTime(b.CreatedAt)
		pb.writeUint64(b.VectorCount)
		pb.writeString(b.Path)
		pb.writeString(truncate(b.Reason, 4096))
	}
	if pb.err != nil {
		return pb.err
	}

	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(header[0:4], binaryMagic)
	binary.LittleEndian.PutUint32(header[4:8], CurrentVersion)
	binary.LittleEndian.PutUint32(header[8:12], crc32.ChecksumIEEE(pb.buf))
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(pb.buf)))

	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(pb.buf)
	return err
}

// ReadBinary reads a manifest written by WriteBinary.
func ReadBinary(r io.Reader) (*Manifest, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrCorrupt, err)
	}
	if magic := binary.LittleEndian.Uint32(header[0:4]); magic != binaryMagic {
		return nil, fmt.Errorf("%w: invalid magic %x", ErrCorrupt, magic)
	}
	version := binary.LittleEndian.Uint32(header[4:8])
	if version != CurrentVersion {
		return nil, fmt.Errorf("%w: %d", ErrIncompatibleVersion, version)
	}
	checksum := binary.LittleEndian.Uint32(header[8:12])
	length := binary.LittleEndian.Uint32(header[12:16])
	if length > maxPayload {
		return nil, fmt.Errorf("%w: payload of %d bytes", ErrCorrupt, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrCorrupt, err)
	}
	if crc32.ChecksumIEEE(payload) != checksum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	pb := newPayloadBuffer(payload)
	m := &Manifest{Version: int(version)}
	m.ID = pb.readUint64()
	m.ActiveSeq = pb.readUint64()
	m.ActiveUUID = pb.readString()
	m.ActivePath = pb.readString()
	m.CreatedAt = pb.readTime()
	m.VectorCount = pb.readUint64()
	m.Dim = int(pb.readUint32())
	m.Distance = model.DistanceType(pb.readByte())
	m.DataType = model.DataType(pb.readByte())
	m.NextOffset = pb.readUint32()
	m.NextSeq = pb.readUint64()
	m.CopyOnWrite = pb.readBool()

	n := pb.readUint32()
	if pb.err == nil && int(n) > len(payload) {
		return nil, fmt.Errorf("%w: %d broken entries", ErrCorrupt, n)
	}
	for i := 0; i < int(n) && pb.err == nil; i++ {
		m.Broken = append(m.Broken, BrokenInfo{
			Seq:         pb.readUint64(),
			UUID:        pb.readString(),
			CreatedAt:   pb.readTime(),
			VectorCount: pb.readUint64(),
			Path:        pb.readString(),
			Reason:      pb.readString(),
		})
	}
	if pb.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, pb.err)
	}
	return m, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

type payloadBuffer struct {
	buf []byte
	pos int
	err error
}

func newPayloadBuffer(b []byte) *payloadBuffer {
	return &payloadBuffer{buf: b}
}

func (p *payloadBuffer) writeUint64(v uint64) {
	p.buf = binary.LittleEndian.AppendUint64(p.buf, v)
}

func (p *payloadBuffer) writeUint32(v uint32) {
	p.buf = binary.LittleEndian.AppendUint32(p.buf, v)
}

func (p *payloadBuffer) writeByte(v byte) {
	p.buf = append(p.buf, v)
}

func (p *payloadBuffer) writeBool(v bool) {
	if v {
		p.writeByte(1)
		return
	}
	p.writeByte(0)
}

// writeTime stores the zero time as 0.
func (p *payloadBuffer) writeTime(t time.Time) {
	if t.IsZero() {
		p.writeUint64(0)
		return
	}
	p.writeUint64(uint64(t.UnixNano()))
}

func (p *payloadBuffer) writeString(s string) {
	if p.err != nil {
		return
	}
	if len(s) > 65535 {
		p.err = fmt.Errorf("string too long: %d", len(s))
		return
	}
	p.buf = binary.LittleEndian.AppendUint16(p.buf, uint16(len(s)))
	p.buf = append(p.buf, s...)
}

func (p *payloadBuffer) need(n int) bool {
	if p.err != nil {
		return false
	}
	if p.pos+n > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return false
	}
	return true
}

func (p *payloadBuffer) readUint64() uint64 {
	if !p.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(p.buf[p.pos:])
	p.pos += 8
	return v
}

func (p *payloadBuffer) readUint32() uint32 {
	if !p.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(p.buf[p.pos:])
	p.pos += 4
	return v
}

func (p *payloadBuffer) readByte() byte {
	if !p.need(1) {
		return 0
	}
	v := p.buf[p.pos]
	p.pos++
	return v
}

func (p *payloadBuffer) readBool() bool {
	return p.readByte() != 0
}

func (p *payloadBuffer) readTime() time.Time {
	v := p.readUint64()
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(v))
}

func (p *payloadBuffer) readString() string {
	if !p.need(2) {
		return ""
	}
	l := int(binary.LittleEndian.Uint16(p.buf[p.pos:]))
	p.pos += 2
	if !p.need(l) {
		return ""
	}
	s := string(p.buf[p.pos : p.pos+l])
	p.pos += l
	return s
}
