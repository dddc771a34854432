package cryptobox

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// maxMessageSize bounds decompressed config messages.
const maxMessageSize = 8 << 20

// Dump compression tags.
const (
	dumpRaw byte = 0
	dumpLZ4 byte = 1
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("cryptobox: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxMessageSize))
	if err != nil {
		panic("cryptobox: zstd decoder initialization failed: " + err.Error())
	}
}

// Compress zstd-compresses a config message body.
func Compress(data []byte) []byte {
	return zstdEncoder.EncodeAll(data, nil)
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return out, nil
}

// CompressDump compresses a dump with block lz4. Incompressible dumps are
// stored raw. Output is tag || uvarint(len) || body.
func CompressDump(data []byte) ([]byte, error) {
	header := make([]byte, 1+binary.MaxVarintLen64)
	n := binary.PutUvarint(header[1:], uint64(len(data)))
	header = header[:1+n]

	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if written == 0 || written >= len(data) {
		header[0] = dumpRaw
		return append(header, data...), nil
	}
	header[0] = dumpLZ4
	return append(header, dst[:written]...), nil
}

// DecompressDump reverses CompressDump.
func DecompressDump(data []byte) ([]byte, error) {
	if len(data) < 2 {
		return nil, ErrMalformed
	}
	size, n := binary.Uvarint(data[1:])
	if n <= 0 || size > 1<<30 {
		return nil, ErrMalformed
	}
	body := data[1+n:]
	switch data[0] {
	case dumpRaw:
		if uint64(len(body)) != size {
			return nil, ErrMalformed
		}
		return body, nil
	case dumpLZ4:
		out := make([]byte, size)
		read, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if uint64(read) != size {
			return nil, errors.New("lz4 decompress: short output")
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown dump compression tag %d", data[0])
}
