package history

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

func codec() (*zstd.Encoder, *zstd.Decoder, error) {
	codecOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if codecErr != nil {
			return
		}
		decoder, codecErr = zstd.NewReader(nil)
	})
	return encoder, decoder, codecErr
}

// Compress encodes a transcript for storage.
func Compress(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	enc, _, err := codec()
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	return enc.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	_, dec, err := codec()
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	return out, nil
}

// transcript accumulates a command's output up to a byte cap.
type transcript struct {
	buf       bytes.Buffer
	total     int64
	truncated bool
	max       int
}

func (t *transcript) write(chunk []byte) {
	t.total += int64(len(chunk))
	room := t.max - t.buf.Len()
	if room <= 0 {
		if len(chunk) > 0 {
			t.truncated = true
		}
		return
	}
	if len(chunk) > room {
		chunk = chunk[:room]
		t.truncated = true
	}
	t.buf.Write(chunk)
}
