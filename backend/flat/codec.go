package flat

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/vecagent/backend"
	"github.com/hupe1980/vecagent/internal/compress"
	"github.com/hupe1980/vecagent/model"
)

const (
	magicNumber = 0x56474631 // "VGF1"
	version     = 1

	// [Magic uint32][Version uint8][Distance uint8][Dim uint32][Count uint32][Checksum uint32][BlockLen uint64]
	headerSize = 4 + 1 + 1 + 4 + 4 + 4 + 8

	maxBlockLen = 1 << 36
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Encode implements backend.Graph.
// The body lists every present vector as [Offset uint32][Dim float32...],
// compressed as one block. The checksum covers the compressed block.
func (g *Graph) Encode(w io.Writer) error {
	count := g.Len()
	body := make([]byte, 0, count*(4+4*g.dim))

	var scratch [4]byte
	it := g.present.Iterator()
	for it.HasNext() {
		off := it.Next()
		binary.LittleEndian.PutUint32(scratch[:], off)
		body = append(body, scratch[:]...)
		for _, f := range g.chunks[off>>chunkShift].slot(off, g.dim) {
			binary.LittleEndian.PutUint32(scratch[:], math.Float32bits(f))
			body = append(body, scratch[:]...)
		}
	}

	block, err := g.compressor.Compress(body)
	if err != nil {
		return err
	}

	hdr := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(hdr[0:], magicNumber)
	hdr[4] = version
	hdr[5] = byte(g.distance)
	binary.LittleEndian.PutUint32(hdr[6:], uint32(g.dim))
	binary.LittleEndian.PutUint32(hdr[10:], uint32(count))
	binary.LittleEndian.PutUint32(hdr[14:], crc32.Checksum(block, castagnoli))
	binary.LittleEndian.PutUint64(hdr[18:], uint64(len(block)))

	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err = w.Write(block)
	return err
}

// Decode implements backend.Backend.
func (b *Backend) Decode(r io.Reader) (backend.Graph, error) {
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, fmt.Errorf("%w: header: %v", backend.ErrCorrupt, err)
	}
	if binary.LittleEndian.Uint32(hdr[0:]) != magicNumber {
		return nil, fmt.Errorf("%w: invalid magic number", backend.ErrCorrupt)
	}
	if hdr[4] != version {
		return nil, fmt.Errorf("%w: unsupported version %d", backend.ErrCorrupt, hdr[4])
	}

	distance := model.DistanceType(hdr[5])
	dim := int(binary.LittleEndian.Uint32(hdr[6:]))
	count := int(binary.LittleEndian.Uint32(hdr[10:]))
	checksum := binary.LittleEndian.Uint32(hdr[14:])
	blockLen := binary.LittleEndian.Uint64(hdr[18:])

	if dim != b.dim {
		return nil, &backend.DimensionError{Expected: b.dim, Actual: dim}
	}
	if distance != b.distance {
		return nil, fmt.Errorf("%w: graph uses distance %s, backend %s", backend.ErrCorrupt, distance, b.distance)
	}
	if blockLen > maxBlockLen {
		return nil, fmt.Errorf("%w: block of %d bytes", backend.ErrCorrupt, blockLen)
	}

	block := make([]byte, blockLen)
	if _, err := io.ReadFull(r, block); err != nil {
		return nil, fmt.Errorf("%w: body: %v", backend.ErrCorrupt, err)
	}
	if crc32.Checksum(block, castagnoli) != checksum {
		return nil, fmt.Errorf("%w: checksum mismatch", backend.ErrCorrupt)
	}

	body, err := compress.Decompress(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrCorrupt, err)
	}

	stride := 4 + 4*dim
	if len(body) != count*stride {
		return nil, fmt.Errorf("%w: body holds %d bytes, want %d", backend.ErrCorrupt, len(body), count*stride)
	}

	g := &Graph{dim: dim, distance: distance, present: roaring.New(), compressor: b.compressor}
	rd := bytes.NewReader(body)
	var buf [4]byte
	for i := 0; i < count; i++ {
		_, _ = io.ReadFull(rd, buf[:])
		off := binary.LittleEndian.Uint32(buf[:])

		ci := int(off >> chunkShift)
		for ci >= len(g.chunks) {
			g.chunks = append(g.chunks, nil)
		}
		if g.chunks[ci] == nil {
			g.chunks[ci] = (*chunk)(nil).clone(dim)
		}
		dst := g.chunks[ci].slot(off, dim)
		for j := range dst {
			_, _ = io.ReadFull(rd, buf[:])
			dst[j] = math.Float32frombits(binary.LittleEndian.Uint32(buf[:]))
		}
		g.present.Add(off)
	}
	g.present.RunOptimize()

	return g, nil
}
