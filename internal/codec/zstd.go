package codec

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// maxDecodedSize bounds decompressed payloads.
const maxDecodedSize = 64 << 20

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

// initZstd lazily creates the shared encoder and decoder.
// EncodeAll and DecodeAll are safe for concurrent use.
func initZstd() error {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}

		zstdDecoder, zstdErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
	})

	return zstdErr
}

// Compress zstd-compresses data.
func Compress(data []byte) ([]byte, error) {
	if err := initZstd(); err != nil {
		return nil, fmt.Errorf("create zstd codec:\n%w", err)
	}

	return zstdEncoder.EncodeAll(data, nil), nil
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	if err := initZstd(); err != nil {
		return nil, fmt.Errorf("create zstd codec:\n%w", err)
	}

	out, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode:\n%w", err)
	}

	return out, nil
}
