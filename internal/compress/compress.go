// Package compress implements the self-describing block compression used for
// cold ID store entries and persisted generation files.
//
// Block format: [Codec uint8][UncompressedSize uint32][Data...]. A block whose
// codec is None carries the raw bytes. Compression that does not pay off is
// stored as None.
package compress

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec identifies the compression algorithm of a block.
type Codec uint8

const (
	// None stores data uncompressed.
	None Codec = 0
	// LZ4 is fast block compression.
	LZ4 Codec = 1
	// ZSTD trades speed for ratio.
	ZSTD Codec = 2
)

func (c Codec) String() string {
	switch c {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case ZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("Unknown(%d)", c)
	}
}

const headerSize = 5

var (
	// ErrCorrupt is returned for blocks that cannot be decoded.
	ErrCorrupt = errors.New("compress: corrupt block")
)

// Compressor compresses blocks with a fixed codec and level.
// It is safe for concurrent use.
type Compressor struct {
	codec Codec
	level zstd.EncoderLevel
}

// FromFactor maps a compression factor in [1, 4] to a compressor.
// Factor 1 selects LZ4; higher factors select increasingly strong zstd levels.
// A factor <= 0 disables compression.
func FromFactor(factor int) *Compressor {
	switch {
	case factor <= 0:
		return &Compressor{codec: None}
	case factor == 1:
		return &Compressor{codec: LZ4}
	case factor > 4:
		factor = 4
	}
	return &Compressor{codec: ZSTD, level: zstd.EncoderLevel(factor)}
}

// Codec returns the configured codec.
func (c *Compressor) Codec() Codec { return c.codec }

// Compress returns data encoded as a block.
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	var (
		compressed []byte
		err        error
	)

	switch c.codec {
	case LZ4:
		compressed, err = compressLZ4(data)
	case ZSTD:
		compressed = compressZSTD(data, c.level)
	}
	if err != nil {
		return nil, err
	}

	// If compression doesn't help (ratio > 0.9), store uncompressed
	if c.codec == None || len(compressed) == 0 || float64(len(compressed)) > float64(len(data))*0.9 {
		return frame(None, len(data), data), nil
	}
	return frame(c.codec, len(data), compressed), nil
}

// Raw frames data as an uncompressed block.
func Raw(data []byte) []byte {
	return frame(None, len(data), data)
}

// CodecOf reports the codec of an encoded block.
func CodecOf(block []byte) (Codec, error) {
	if len(block) < headerSize {
		return None, ErrCorrupt
	}
	return Codec(block[0]), nil
}

// Decompress decodes a block produced by Compress.
func Decompress(block []byte) ([]byte, error) {
	if len(block) < headerSize {
		return nil, ErrCorrupt
	}

	codec := Codec(block[0])
	size := binary.LittleEndian.Uint32(block[1:])
	payload := block[headerSize:]

	switch codec {
	case None:
		if uint32(len(payload)) != size {
			return nil, ErrCorrupt
		}
		out := make([]byte, size)
		copy(out, payload)
		return out, nil

	case LZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if uint32(n) != size {
			return nil, ErrCorrupt
		}
		return out, nil

	case ZSTD:
		dec := getZstdDecoder()
		defer putZstdDecoder(dec)

		out, err := dec.DecodeAll(payload, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if uint32(len(out)) != size {
			return nil, ErrCorrupt
		}
		return out, nil

	default:
		return nil, fmt.Errorf("%w: unknown codec %d", ErrCorrupt, codec)
	}
}

func frame(codec Codec, rawLen int, payload []byte) []byte {
	out := make([]byte, headerSize+len(payload))
	out[0] = byte(codec)
	binary.LittleEndian.PutUint32(out[1:], uint32(rawLen))
	copy(out[headerSize:], payload)
	return out
}

func compressLZ4(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	buf := make([]byte, lz4.CompressBlockBound(len(data)))

	var c lz4.Compressor
	n, err := c.CompressBlock(data, buf)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil // Incompressible
	}
	return buf[:n], nil
}

func compressZSTD(data []byte, level zstd.EncoderLevel) []byte {
	if len(data) == 0 {
		return nil
	}
	enc := getZstdEncoder(level)
	defer putZstdEncoder(level, enc)

	return enc.EncodeAll(data, nil)
}

// One encoder pool per zstd level.
var (
	zstdEncoderPools [zstd.SpeedBestCompression + 1]sync.Pool
	zstdDecoderPool  sync.Pool
)

func getZstdEncoder(level zstd.EncoderLevel) *zstd.Encoder {
	if v := zstdEncoderPools[level].Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(level), zstd.WithEncoderConcurrency(1))
	return enc
}

func putZstdEncoder(level zstd.EncoderLevel, enc *zstd.Encoder) {
	zstdEncoderPools[level].Put(enc)
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	return dec
}

func putZstdDecoder(dec *zstd.Decoder) {
	zstdDecoderPool.Put(dec)
}
