package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	HeaderLen = 12
	Magic     uint32 = 0x554D4350 // "UMCP"
	Version   uint8  = 1

	FlagIsResponse uint16 = 0x01
	// FlagCompressed marks a body whose envelope payload is zlib-deflated.
	FlagCompressed uint16 = 0x02
)

var (
	ErrShortHeader     = errors.New("frame: short fixed header")
	ErrShortBody       = errors.New("frame: short body")
	ErrBadMagic        = errors.New("frame: bad magic")
	ErrBadVersion      = errors.New("frame: unsupported version")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
)

// Header is the fixed wire header.
type Header struct {
	Magic   uint32
	Version uint8
	Codec   uint8
	Flags   uint16
	Length  uint32
}

// Frame is one complete wire message: header plus exactly Length body bytes.
type Frame struct {
	Header Header
	Body   []byte
}

// New returns a frame for body tagged with codec.
func New(codec uint8, flags uint16, body []byte) Frame {
	return Frame{
		Header: Header{Magic: Magic, Version: Version, Codec: codec, Flags: flags},
		Body:   body,
	}
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxFrameBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxFrameBytes: 8 * 1024 * 1024}
}

func (l Limits) withDefaults() Limits {
	if l.MaxFrameBytes == 0 {
		return DefaultLimits()
	}
	return l
}

func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	limits = limits.withDefaults()
	var fixed [HeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}

	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if err := checkHeader(h, limits); err != nil {
		return Frame{}, err
	}

	body := make([]byte, h.Length)
	if h.Length > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return Frame{}, ErrShortBody
			}
			return Frame{}, err
		}
	}
	return Frame{Header: h, Body: body}, nil
}

func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	b, err := Encode(f, limits)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// Encode renders f as one contiguous byte slice so it can be written with a
// single Write call.
func Encode(f Frame, limits Limits) ([]byte, error) {
	limits = limits.withDefaults()
	if uint64(len(f.Body)) > uint64(limits.MaxFrameBytes) {
		return nil, ErrPayloadTooLarge
	}
	h := f.Header
	if h.Magic == 0 {
		h.Magic = Magic
	}
	if h.Version == 0 {
		h.Version = Version
	}
	h.Length = uint32(len(f.Body))

	out := make([]byte, HeaderLen, HeaderLen+len(f.Body))
	putHeader(out, h)
	return append(out, f.Body...), nil
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	putHeader(buf, h)
	return buf
}

func putHeader(buf []byte, h Header) {
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Codec
	binary.BigEndian.PutUint16(buf[6:8], h.Flags)
	binary.BigEndian.PutUint32(buf[8:12], h.Length)
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != HeaderLen {
		return Header{}, fmt.Errorf("frame: invalid fixed header length: %d", len(b))
	}
	return Header{
		Magic:   binary.BigEndian.Uint32(b[0:4]),
		Version: b[4],
		Codec:   b[5],
		Flags:   binary.BigEndian.Uint16(b[6:8]),
		Length:  binary.BigEndian.Uint32(b[8:12]),
	}, nil
}

func checkHeader(h Header, limits Limits) error {
	if h.Magic != Magic {
		return fmt.Errorf("%w: 0x%08x", ErrBadMagic, h.Magic)
	}
	if h.Version != Version {
		return fmt.Errorf("%w: %d", ErrBadVersion, h.Version)
	}
	if h.Length > limits.MaxFrameBytes {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, h.Length, limits.MaxFrameBytes)
	}
	return nil
}

// Decoder reassembles frames from an arbitrary chunking of the byte stream.
// Bytes of a partial frame are kept until the rest arrives.
type Decoder struct {
	limits Limits
	buf    []byte
	err    error
}

func NewDecoder(limits Limits) *Decoder {
	return &Decoder{limits: limits.withDefaults()}
}

// Write appends stream bytes. It never fails; errors surface from Next.
func (d *Decoder) Write(p []byte) (int, error) {
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Buffered reports bytes held for a frame that is not complete yet.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete frame. ok is false when more bytes are
// needed. A header error is sticky: the stream cannot be resynchronized.
func (d *Decoder) Next() (Frame, bool, error) {
	if d.err != nil {
		return Frame{}, false, d.err
	}
	if len(d.buf) < HeaderLen {
		return Frame{}, false, nil
	}
	h, err := DecodeHeader(d.buf[:HeaderLen])
	if err != nil {
		d.err = err
		return Frame{}, false, err
	}
	if err := checkHeader(h, d.limits); err != nil {
		d.err = err
		return Frame{}, false, err
	}
	total := HeaderLen + int(h.Length)
	if len(d.buf) < total {
		return Frame{}, false, nil
	}
	body := make([]byte, h.Length)
	copy(body, d.buf[HeaderLen:total])

	rest := len(d.buf) - total
	copy(d.buf, d.buf[total:])
	d.buf = d.buf[:rest]
	return Frame{Header: h, Body: body}, true, nil
}
