package matrix

import (
	"errors"
	"fmt"
)

var (
	ErrDimensionMismatch = errors.New("matrix: dimension mismatch")
	ErrPayloadShape      = errors.New("matrix: malformed payload")
)

// DimensionMismatchError reports operand or output shapes that violate an
// operation's contract. It is returned before any output element is written.
type DimensionMismatchError struct {
	Op   string
	Want string
	Got  string
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("matrix: %s: dimension mismatch: want %s, got %s", e.Op, e.Want, e.Got)
}

func (e *DimensionMismatchError) Is(target error) bool {
	return target == ErrDimensionMismatch
}

func lenMismatch(op string, want, got int) error {
	return &DimensionMismatchError{Op: op, Want: fmt.Sprintf("len %d", want), Got: fmt.Sprintf("len %d", got)}
}
