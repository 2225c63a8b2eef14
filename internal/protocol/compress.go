package protocol

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// DefaultDecompressLimit bounds inflated payload size.
const DefaultDecompressLimit = 64 << 20

// Compress returns env with its payload zlib-deflated when the payload is at
// least threshold bytes and deflating shrinks it. compressed reports whether
// the payload changed; the envelope carries no marker, so the caller records
// it out of band (the transport sets frame.FlagCompressed). Capabilities are
// never touched. threshold <= 0 disables compression.
func Compress(env *Envelope, threshold int) (out *Envelope, compressed bool, err error) {
	if threshold <= 0 || !env.HasPayload() || env.PayloadLen() < threshold {
		return env, false, nil
	}
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(env.payload); err != nil {
		return nil, false, fmt.Errorf("protocol: compress payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, false, fmt.Errorf("protocol: compress payload: %w", err)
	}
	if buf.Len() >= env.PayloadLen() {
		return env, false, nil
	}
	out, err = env.ToBuilder().Payload(buf.Bytes()).Build()
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// Decompress inflates a payload produced by Compress. limit <= 0 uses
// DefaultDecompressLimit.
func Decompress(env *Envelope, limit int64) (*Envelope, error) {
	if !env.HasPayload() {
		return nil, decodeErr("zlib payload", io.ErrUnexpectedEOF)
	}
	if limit <= 0 {
		limit = DefaultDecompressLimit
	}
	zr, err := zlib.NewReader(bytes.NewReader(env.payload))
	if err != nil {
		return nil, decodeErr("zlib payload", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(io.LimitReader(zr, limit+1))
	if err != nil {
		return nil, decodeErr("zlib payload", err)
	}
	if int64(len(raw)) > limit {
		return nil, decodeErr("zlib payload", ErrPayloadTooLarge)
	}
	return env.ToBuilder().Payload(raw).Build()
}
