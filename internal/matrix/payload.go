package matrix

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeVector packs v as little-endian float32 values.
func EncodeVector(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(f))
	}
	return out
}

func DecodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("%w: vector length %d is not a multiple of 4", ErrPayloadShape, len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out, nil
}

// EncodeMatrix packs rows u32, cols u32 (little-endian) then the row-major
// elements.
func EncodeMatrix(m *Matrix) ([]byte, error) {
	if err := m.check("encode"); err != nil {
		return nil, err
	}
	out := make([]byte, 8, 8+4*len(m.Data))
	binary.LittleEndian.PutUint32(out[0:4], uint32(m.Rows))
	binary.LittleEndian.PutUint32(out[4:8], uint32(m.Cols))
	return append(out, EncodeVector(m.Data)...), nil
}

func DecodeMatrix(b []byte) (*Matrix, error) {
	if len(b) < 8 {
		return nil, fmt.Errorf("%w: matrix header needs 8 bytes, got %d", ErrPayloadShape, len(b))
	}
	rows := uint64(binary.LittleEndian.Uint32(b[0:4]))
	cols := uint64(binary.LittleEndian.Uint32(b[4:8]))
	if want := rows * cols * 4; uint64(len(b)-8) != want {
		return nil, fmt.Errorf("%w: %dx%d matrix needs %d bytes, got %d", ErrPayloadShape, rows, cols, want, len(b)-8)
	}
	data, err := DecodeVector(b[8:])
	if err != nil {
		return nil, err
	}
	return &Matrix{Rows: int(rows), Cols: int(cols), Data: data}, nil
}
