// Copyright 2026 The Casfetch Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CodecTag identifies the compression codec used for a chunk. Tags
// are stored in container directory entries (1 byte each). These
// values are protocol constants — changing them breaks container
// format compatibility.
type CodecTag uint8

const (
	// CodecNone indicates uncompressed data. Selected whenever no
	// codec shrinks the payload (already-compressed content: GGUF
	// quantized blocks, PNG, zlib packfiles).
	CodecNone CodecTag = 0

	// CodecLZ4 indicates LZ4 block compression. The general-purpose
	// byte-oriented codec: ~1.5-2x ratio on mixed binary data at
	// multi-GB/s decode speed.
	CodecLZ4 CodecTag = 1

	// CodecZstd indicates zstd at its default level. Better ratio
	// than LZ4 on text-like payloads (tokenizer JSON, vocab files,
	// configs) at lower decode speed.
	CodecZstd CodecTag = 2

	// CodecBG4LZ4 indicates ByteGrouping4 + LZ4: transposes the
	// input into four byte-position columns, then applies LZ4.
	// Effective on float32 tensors where adjacent values share
	// exponent bytes (neural network weights).
	CodecBG4LZ4 CodecTag = 3

	// CodecBitsliceLZ4 indicates full bit-plane transposition + LZ4:
	// rearranges the input into eight bit planes before LZ4. Wins on
	// quantized or low-entropy-per-bit-position payloads where even
	// the byte-column structure is too coarse.
	CodecBitsliceLZ4 CodecTag = 4
)

// codecTagCount is one past the highest valid tag, for validation.
const codecTagCount = 5

// String returns the human-readable name of a codec tag.
func (tag CodecTag) String() string {
	switch tag {
	case CodecNone:
		return "none"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	case CodecBG4LZ4:
		return "bg4_lz4"
	case CodecBitsliceLZ4:
		return "bitslice_lz4"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(tag))
	}
}

// ParseCodecTag parses a codec tag from its string representation.
func ParseCodecTag(name string) (CodecTag, error) {
	switch name {
	case "none":
		return CodecNone, nil
	case "lz4":
		return CodecLZ4, nil
	case "zstd":
		return CodecZstd, nil
	case "bg4_lz4":
		return CodecBG4LZ4, nil
	case "bitslice_lz4":
		return CodecBitsliceLZ4, nil
	default:
		return 0, fmt.Errorf("unknown codec tag: %q", name)
	}
}

// CodecError reports a decompression failure: a corrupt payload, an
// unknown tag, or output whose size does not match the directory
// entry. Always fatal — a size mismatch means the container entry is
// corrupted or truncated, never something to retry.
type CodecError struct {
	Tag CodecTag
	Err error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("codec %s: %v", e.Tag, e.Err)
}

func (e *CodecError) Unwrap() error { return e.Err }

// Encode compresses data, trying every candidate codec and keeping
// the smallest output. Returns the winning tag and its output. If no
// codec produces output strictly smaller than the input, returns
// (CodecNone, data) with no copy — a codec tag other than CodecNone
// is never recorded without an actual size win.
func Encode(data []byte) (CodecTag, []byte) {
	best := data
	bestTag := CodecNone

	consider := func(tag CodecTag, compressed []byte, err error) {
		if err == nil && compressed != nil && len(compressed) < len(best) {
			best = compressed
			bestTag = tag
		}
	}

	lz4Out, lz4Err := compressLZ4(data)
	consider(CodecLZ4, lz4Out, lz4Err)
	consider(CodecZstd, compressZstd(data), nil)

	// The transposition codecs only ever help on structured binary
	// payloads; they are cheap enough to always try.
	bg4Out, bg4Err := compressLZ4(bg4Transpose(data))
	consider(CodecBG4LZ4, bg4Out, bg4Err)
	bsOut, bsErr := compressLZ4(bitsliceTranspose(data))
	consider(CodecBitsliceLZ4, bsOut, bsErr)

	return bestTag, best
}

// Decode decompresses data that was compressed with the tagged codec.
// The codec is driven entirely by the stored tag — no sniffing. The
// uncompressedSize must match the original data length exactly; a
// mismatch returns a *CodecError since it indicates a corrupted or
// truncated container entry.
func Decode(tag CodecTag, compressed []byte, uncompressedSize int) ([]byte, error) {
	switch tag {
	case CodecNone:
		if len(compressed) != uncompressedSize {
			return nil, &CodecError{Tag: tag, Err: fmt.Errorf(
				"stored size %d does not match expected %d", len(compressed), uncompressedSize)}
		}
		return compressed, nil

	case CodecLZ4:
		return decompressLZ4(tag, compressed, uncompressedSize)

	case CodecZstd:
		return decompressZstd(compressed, uncompressedSize)

	case CodecBG4LZ4:
		transposed, err := decompressLZ4(tag, compressed, uncompressedSize)
		if err != nil {
			return nil, err
		}
		return bg4Untranspose(transposed), nil

	case CodecBitsliceLZ4:
		transposed, err := decompressLZ4(tag, compressed, uncompressedSize)
		if err != nil {
			return nil, err
		}
		return bitsliceUntranspose(transposed), nil

	default:
		return nil, &CodecError{Tag: tag, Err: fmt.Errorf("unsupported codec tag")}
	}
}

// LZ4 compression: block-mode LZ4.

func compressLZ4(data []byte) ([]byte, error) {
	bound := lz4.CompressBlockBound(len(data))
	destination := make([]byte, bound)

	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}

	// CompressBlock returns 0 when it determines the data is
	// incompressible; Encode's size comparison handles the rest.
	if written == 0 {
		return nil, nil
	}
	return destination[:written], nil
}

func decompressLZ4(tag CodecTag, compressed []byte, uncompressedSize int) ([]byte, error) {
	destination := make([]byte, uncompressedSize)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, &CodecError{Tag: tag, Err: fmt.Errorf("lz4 decompress: %w", err)}
	}
	if read != uncompressedSize {
		return nil, &CodecError{Tag: tag, Err: fmt.Errorf(
			"lz4 decompress: got %d bytes, expected %d", read, uncompressedSize)}
	}
	return destination, nil
}

// Zstd compression at the default level (good ratio without excessive
// CPU).

// zstdEncoder and zstdDecoder are reused across calls to avoid
// repeated initialization overhead. Both are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("cas: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("cas: zstd decoder initialization failed: " + err.Error())
	}
}

func compressZstd(data []byte) []byte {
	return zstdEncoder.EncodeAll(data, nil)
}

func decompressZstd(compressed []byte, uncompressedSize int) ([]byte, error) {
	destination := make([]byte, 0, uncompressedSize)
	result, err := zstdDecoder.DecodeAll(compressed, destination)
	if err != nil {
		return nil, &CodecError{Tag: CodecZstd, Err: fmt.Errorf("zstd decompress: %w", err)}
	}
	if len(result) != uncompressedSize {
		return nil, &CodecError{Tag: CodecZstd, Err: fmt.Errorf(
			"zstd decompress: got %d bytes, expected %d", len(result), uncompressedSize)}
	}
	return result, nil
}

// ByteGrouping4: rearranges data so that all byte-position-0 values
// come first, then all byte-position-1 values, and so on, in groups
// of 4. Adjacent float32 values in model weights tend to share
// exponent bytes, making each column far more compressible than the
// interleaved original. A trailing remainder (length not a multiple
// of 4) is appended unchanged.

func bg4Transpose(data []byte) []byte {
	length := len(data)
	groupCount := length / 4
	remainder := length % 4

	output := make([]byte, length)

	for i := 0; i < groupCount; i++ {
		output[i] = data[i*4]
		output[groupCount+i] = data[i*4+1]
		output[groupCount*2+i] = data[i*4+2]
		output[groupCount*3+i] = data[i*4+3]
	}

	for i := 0; i < remainder; i++ {
		output[groupCount*4+i] = data[groupCount*4+i]
	}

	return output
}

func bg4Untranspose(data []byte) []byte {
	length := len(data)
	groupCount := length / 4
	remainder := length % 4

	output := make([]byte, length)

	for i := 0; i < groupCount; i++ {
		output[i*4] = data[i]
		output[i*4+1] = data[groupCount+i]
		output[i*4+2] = data[groupCount*2+i]
		output[i*4+3] = data[groupCount*3+i]
	}

	for i := 0; i < remainder; i++ {
		output[groupCount*4+i] = data[groupCount*4+i]
	}

	return output
}

// Full bitslice: rearranges the aligned portion of the input into
// eight bit planes. Plane p holds bit p of every input byte, packed
// eight-to-a-byte in input order. Quantized weights often have near-
// constant high bit planes, which LZ4 then collapses. A trailing
// remainder (length not a multiple of 8) is appended unchanged.

func bitsliceTranspose(data []byte) []byte {
	length := len(data)
	groupCount := length / 8 // bytes per plane
	remainder := length % 8

	output := make([]byte, length)

	for i := 0; i < groupCount; i++ {
		for plane := 0; plane < 8; plane++ {
			var packed byte
			for bit := 0; bit < 8; bit++ {
				packed |= ((data[i*8+bit] >> plane) & 1) << bit
			}
			output[plane*groupCount+i] = packed
		}
	}

	for i := 0; i < remainder; i++ {
		output[groupCount*8+i] = data[groupCount*8+i]
	}

	return output
}

func bitsliceUntranspose(data []byte) []byte {
	length := len(data)
	groupCount := length / 8
	remainder := length % 8

	output := make([]byte, length)

	for i := 0; i < groupCount; i++ {
		for plane := 0; plane < 8; plane++ {
			packed := data[plane*groupCount+i]
			for bit := 0; bit < 8; bit++ {
				output[i*8+bit] |= ((packed >> bit) & 1) << plane
			}
		}
	}

	for i := 0; i < remainder; i++ {
		output[groupCount*8+i] = data[groupCount*8+i]
	}

	return output
}
