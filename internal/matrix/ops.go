package matrix

import (
	"fmt"
	"math"
	"time"
)

// VectorAdd writes a[i]+b[i] into out. out may alias a or b.
func (e *Engine) VectorAdd(a, b, out []float32) (err error) {
	defer e.done("vector_add", time.Now(), &err)
	if len(b) != len(a) {
		return lenMismatch("vector_add", len(a), len(b))
	}
	if len(out) != len(a) {
		return lenMismatch("vector_add", len(a), len(out))
	}
	e.add("vector_add", a, b, out)
	return nil
}

func (e *Engine) add(op string, a, b, out []float32) {
	add := func(lo, hi int) {
		for i := lo; i < hi; i++ {
			out[i] = a[i] + b[i]
		}
	}
	if e.parallel(len(a), len(a)) {
		e.split(op, len(a), add)
	} else {
		add(0, len(a))
	}
}

// Scale writes a[i]*s into out.
func (e *Engine) Scale(a []float32, s float32, out []float32) (err error) {
	defer e.done("scale", time.Now(), &err)
	if len(out) != len(a) {
		return lenMismatch("scale", len(a), len(out))
	}
	mul := func(lo, hi int) {
		for i := lo; i < hi; i++ {
			out[i] = a[i] * s
		}
	}
	if e.parallel(len(a), len(a)) {
		e.split("scale", len(a), mul)
	} else {
		mul(0, len(a))
	}
	return nil
}

// DotProduct returns the fixed-order reduction of a[i]*b[i]. Empty vectors
// yield 0.
func (e *Engine) DotProduct(a, b []float32) (_ float32, err error) {
	defer e.done("dot_product", time.Now(), &err)
	if len(b) != len(a) {
		return 0, lenMismatch("dot_product", len(a), len(b))
	}
	return float32(e.blockSum("dot_product", a, b)), nil
}

// CosineSimilarity returns dot(a,b)/(|a||b|), or 0 when either vector has
// zero norm.
func (e *Engine) CosineSimilarity(a, b []float32) (_ float32, err error) {
	defer e.done("cosine_similarity", time.Now(), &err)
	if len(b) != len(a) {
		return 0, lenMismatch("cosine_similarity", len(a), len(b))
	}
	dot := e.blockSum("cosine_similarity", a, b)
	na := math.Sqrt(e.blockSum("cosine_similarity", a, a))
	nb := math.Sqrt(e.blockSum("cosine_similarity", b, b))
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return float32(dot / (na * nb)), nil
}

// MatrixMultiply writes a·b into out. out must not alias a or b.
func (e *Engine) MatrixMultiply(a, b, out *Matrix) (err error) {
	const op = "matrix_multiply"
	defer e.done(op, time.Now(), &err)
	for _, m := range []*Matrix{a, b, out} {
		if err := m.check(op); err != nil {
			return err
		}
	}
	if a.Cols != b.Rows {
		return &DimensionMismatchError{Op: op, Want: fmt.Sprintf("b.rows == a.cols (%d)", a.Cols), Got: fmt.Sprintf("b.rows %d", b.Rows)}
	}
	if out.Rows != a.Rows || out.Cols != b.Cols {
		return &DimensionMismatchError{Op: op, Want: fmt.Sprintf("out %dx%d", a.Rows, b.Cols), Got: "out " + out.Shape()}
	}

	inner := a.Cols
	rows := func(lo, hi int) {
		for i := lo; i < hi; i++ {
			arow := a.Data[i*inner : (i+1)*inner]
			for j := 0; j < b.Cols; j++ {
				var total float64
				for k0 := 0; k0 < inner; k0 += BlockSize {
					end := min(k0+BlockSize, inner)
					var s float64
					for k := k0; k < end; k++ {
						s += float64(arow[k]) * float64(b.Data[k*b.Cols+j])
					}
					total += s
				}
				out.Data[i*out.Cols+j] = float32(total)
			}
		}
	}
	if e.parallel(a.Rows*inner*b.Cols, a.Rows) {
		e.split(op, a.Rows, rows)
	} else {
		rows(0, a.Rows)
	}
	return nil
}

// MatrixAdd writes a+b element-wise into out.
func (e *Engine) MatrixAdd(a, b, out *Matrix) (err error) {
	const op = "matrix_add"
	defer e.done(op, time.Now(), &err)
	for _, m := range []*Matrix{a, b, out} {
		if err := m.check(op); err != nil {
			return err
		}
	}
	if b.Rows != a.Rows || b.Cols != a.Cols {
		return &DimensionMismatchError{Op: op, Want: "b " + a.Shape(), Got: "b " + b.Shape()}
	}
	if out.Rows != a.Rows || out.Cols != a.Cols {
		return &DimensionMismatchError{Op: op, Want: "out " + a.Shape(), Got: "out " + out.Shape()}
	}
	e.add(op, a.Data, b.Data, out.Data)
	return nil
}

// Transpose writes aᵀ into out. out must not alias a.
func (e *Engine) Transpose(a, out *Matrix) (err error) {
	const op = "transpose"
	defer e.done(op, time.Now(), &err)
	if err := a.check(op); err != nil {
		return err
	}
	if err := out.check(op); err != nil {
		return err
	}
	if out.Rows != a.Cols || out.Cols != a.Rows {
		return &DimensionMismatchError{Op: op, Want: fmt.Sprintf("out %dx%d", a.Cols, a.Rows), Got: "out " + out.Shape()}
	}
	for i := 0; i < a.Rows; i++ {
		for j := 0; j < a.Cols; j++ {
			out.Data[j*out.Cols+i] = a.Data[i*a.Cols+j]
		}
	}
	return nil
}

// Normalize writes each row of a scaled to unit L2 norm into out. Zero rows
// are copied unchanged.
func (e *Engine) Normalize(a, out *Matrix) (err error) {
	const op = "normalize"
	defer e.done(op, time.Now(), &err)
	if err := a.check(op); err != nil {
		return err
	}
	if err := out.check(op); err != nil {
		return err
	}
	if out.Rows != a.Rows || out.Cols != a.Cols {
		return &DimensionMismatchError{Op: op, Want: "out " + a.Shape(), Got: "out " + out.Shape()}
	}
	for i := 0; i < a.Rows; i++ {
		row := a.Row(i)
		dst := out.Row(i)
		norm := math.Sqrt(e.blockSum(op, row, row))
		if norm == 0 {
			copy(dst, row)
			continue
		}
		for j, v := range row {
			dst[j] = float32(float64(v) / norm)
		}
	}
	return nil
}
