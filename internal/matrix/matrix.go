// Package matrix implements float32 vector and matrix arithmetic on
// caller-owned buffers.
//
// Every reduction (dot products, matrix product cells, norms) uses one fixed
// summation order: terms are grouped into consecutive blocks of BlockSize,
// each block is summed left to right in float64, block partials are summed
// left to right in float64 and the total is rounded to float32 once. The
// parallel path computes the same block partials, so results are
// bit-identical for every Workers and ParallelThreshold setting.
package matrix

import (
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	BlockSize                = 1024
	DefaultParallelThreshold = 1 << 16
)

// Matrix is a row-major float32 matrix. len(Data) must equal Rows*Cols.
type Matrix struct {
	Rows int
	Cols int
	Data []float32
}

func NewMatrix(rows, cols int) *Matrix {
	return &Matrix{Rows: rows, Cols: cols, Data: make([]float32, rows*cols)}
}

// FromRows copies rows into a new matrix. Rows must share one length.
func FromRows(rows [][]float32) (*Matrix, error) {
	if len(rows) == 0 {
		return NewMatrix(0, 0), nil
	}
	cols := len(rows[0])
	m := NewMatrix(len(rows), cols)
	for i, r := range rows {
		if len(r) != cols {
			return nil, &DimensionMismatchError{Op: "from_rows", Want: fmt.Sprintf("row %d len %d", i, cols), Got: fmt.Sprint(len(r))}
		}
		copy(m.Data[i*cols:], r)
	}
	return m, nil
}

func (m *Matrix) At(r, c int) float32 { return m.Data[r*m.Cols+c] }

func (m *Matrix) Row(r int) []float32 { return m.Data[r*m.Cols : (r+1)*m.Cols] }

func (m *Matrix) Shape() string {
	if m == nil {
		return "nil"
	}
	return fmt.Sprintf("%dx%d", m.Rows, m.Cols)
}

func (m *Matrix) check(op string) error {
	if m == nil {
		return &DimensionMismatchError{Op: op, Want: "matrix", Got: "nil"}
	}
	if m.Rows < 0 || m.Cols < 0 || len(m.Data) != m.Rows*m.Cols {
		return &DimensionMismatchError{
			Op:   op,
			Want: fmt.Sprintf("%d elements for %s", m.Rows*m.Cols, m.Shape()),
			Got:  fmt.Sprintf("%d elements", len(m.Data)),
		}
	}
	return nil
}

// Config tunes an Engine. Zero values select defaults.
type Config struct {
	// ParallelThreshold is the work size (multiply-adds or elements) at which
	// an operation is split across workers.
	ParallelThreshold int
	Workers           int
	// Observe, when set, is called after every operation.
	Observe func(op string, elapsed time.Duration, err error)
}

func DefaultConfig() Config {
	return Config{
		ParallelThreshold: DefaultParallelThreshold,
		Workers:           runtime.GOMAXPROCS(0),
	}
}

// Engine holds no mutable state; one Engine may serve concurrent callers as
// long as they pass distinct output buffers.
type Engine struct {
	threshold int
	workers   int
	observe   func(op string, elapsed time.Duration, err error)
}

func New(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.ParallelThreshold <= 0 {
		cfg.ParallelThreshold = def.ParallelThreshold
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	return &Engine{threshold: cfg.ParallelThreshold, workers: cfg.Workers, observe: cfg.Observe}
}

var defaultEngine = New(DefaultConfig())

// Default returns the package engine built from DefaultConfig.
func Default() *Engine { return defaultEngine }

func (e *Engine) Workers() int           { return e.workers }
func (e *Engine) ParallelThreshold() int { return e.threshold }

func (e *Engine) done(op string, start time.Time, errp *error) {
	if e.observe != nil {
		e.observe(op, time.Since(start), *errp)
	}
}

func (e *Engine) parallel(work, units int) bool {
	return e.workers > 1 && units > 1 && work >= e.threshold
}

// split runs fn over [0, n) partitioned into at most Workers disjoint
// contiguous ranges.
func (e *Engine) split(op string, n int, fn func(lo, hi int)) {
	workers := min(e.workers, n)
	chunk := (n + workers - 1) / workers
	log.Trace().Str("component", "matrix").Str("op", op).Int("units", n).Int("workers", workers).Msg("parallel dispatch")

	var g errgroup.Group
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		g.Go(func() error {
			fn(lo, hi)
			return nil
		})
	}
	_ = g.Wait()
}

// blockSum computes the fixed-order dot reduction of a and b (equal length)
// as float64.
func (e *Engine) blockSum(op string, a, b []float32) float64 {
	n := len(a)
	if n == 0 {
		return 0
	}
	blocks := (n + BlockSize - 1) / BlockSize
	partials := make([]float64, blocks)
	fill := func(lo, hi int) {
		for blk := lo; blk < hi; blk++ {
			start := blk * BlockSize
			end := min(start+BlockSize, n)
			var s float64
			for i := start; i < end; i++ {
				s += float64(a[i]) * float64(b[i])
			}
			partials[blk] = s
		}
	}
	if e.parallel(n, blocks) {
		e.split(op, blocks, fill)
	} else {
		fill(0, blocks)
	}
	var total float64
	for _, p := range partials {
		total += p
	}
	return total
}
