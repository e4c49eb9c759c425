package container

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec identifies the payload compression applied inside an artifact
type Codec uint8

const (
	// CodecNone stores the payload uncompressed
	CodecNone Codec = iota

	// CodecZstd compresses the payload with Zstandard
	CodecZstd

	// CodecLZ4 compresses the payload with LZ4 block compression
	CodecLZ4
)

// String returns the codec name used in configs and logs
func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecZstd:
		return "zstd"
	case CodecLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCodec maps a codec name to its identifier
func ParseCodec(s string) (Codec, error) {
	switch s {
	case "none", "":
		return CodecNone, nil
	case "zstd":
		return CodecZstd, nil
	case "lz4":
		return CodecLZ4, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownCodec, s)
	}
}

// zstdEncoderPool reuses warmed-up encoders; EncodeAll is stateless so
// pooled instances are safe to share this way
var zstdEncoderPool = sync.Pool{
	New: func() any {
		encoder, err := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedDefault),
			zstd.WithEncoderCRC(false),
		)
		if err != nil {
			panic(fmt.Sprintf("container: creating zstd encoder: %v", err))
		}
		return encoder
	},
}

// zstdDecoderPool reuses decoders for the same reason
var zstdDecoderPool = sync.Pool{
	New: func() any {
		decoder, err := zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderLowmem(false),
		)
		if err != nil {
			panic(fmt.Sprintf("container: creating zstd decoder: %v", err))
		}
		return decoder
	},
}

// lz4CompressorPool reuses lz4 block compressors, which keep internal
// state worth recycling
var lz4CompressorPool = sync.Pool{
	New: func() any {
		return &lz4.Compressor{}
	},
}

// compressPayload applies the requested codec to the body. When
// compression gains nothing (already-dense data under LZ4), the payload
// falls back to CodecNone so the artifact never grows; the returned
// codec is the one actually used.
func compressPayload(codec Codec, body []byte) ([]byte, Codec, error) {
	switch codec {
	case CodecNone:
		return body, CodecNone, nil

	case CodecZstd:
		encoder := zstdEncoderPool.Get().(*zstd.Encoder)
		defer zstdEncoderPool.Put(encoder)
		compressed := encoder.EncodeAll(body, nil)
		if len(compressed) >= len(body) {
			return body, CodecNone, nil
		}
		return compressed, CodecZstd, nil

	case CodecLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(body)))
		lc := lz4CompressorPool.Get().(*lz4.Compressor)
		defer lz4CompressorPool.Put(lc)
		n, err := lc.CompressBlock(body, dst)
		if err != nil {
			return nil, 0, fmt.Errorf("container: lz4 compression: %v", err)
		}
		// n == 0 means the block was not compressible
		if n == 0 || n >= len(body) {
			return body, CodecNone, nil
		}
		return dst[:n], CodecLZ4, nil

	default:
		return nil, 0, fmt.Errorf("%w: %d", ErrUnknownCodec, uint8(codec))
	}
}

// decompressPayload reverses compressPayload. bodyLen is the recorded
// uncompressed size, so LZ4 can decode into an exact buffer.
func decompressPayload(codec Codec, payload []byte, bodyLen uint64) ([]byte, error) {
	switch codec {
	case CodecNone:
		if uint64(len(payload)) != bodyLen {
			return nil, fmt.Errorf("%w: stored body length %d does not match payload %d",
				ErrCorrupt, bodyLen, len(payload))
		}
		return payload, nil

	case CodecZstd:
		decoder := zstdDecoderPool.Get().(*zstd.Decoder)
		defer zstdDecoderPool.Put(decoder)
		body, err := decoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrCorrupt, err)
		}
		if uint64(len(body)) != bodyLen {
			return nil, fmt.Errorf("%w: decompressed %d bytes, header says %d",
				ErrCorrupt, len(body), bodyLen)
		}
		return body, nil

	case CodecLZ4:
		body := make([]byte, bodyLen)
		n, err := lz4.UncompressBlock(payload, body)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %v", ErrCorrupt, err)
		}
		if uint64(n) != bodyLen {
			return nil, fmt.Errorf("%w: decompressed %d bytes, header says %d",
				ErrCorrupt, n, bodyLen)
		}
		return body, nil

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCodec, uint8(codec))
	}
}
