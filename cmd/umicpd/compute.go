package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/danmuck/umicp/internal/matrix"
	"github.com/danmuck/umicp/internal/peer"
	"github.com/spf13/cobra"
)

func newComputeCmd(opts *globalOptions) *cobra.Command {
	var co clientOptions
	cmd := &cobra.Command{
		Use:   "compute COMMAND OPERAND...",
		Short: "Run a matrix command on a remote peer",
		Long: `Operands are JSON: a flat array is a 1xN vector, nested arrays are rows.

  umicpd compute matrix_multiply '[[1,2],[3,4]]' '[[5,6],[7,8]]'
  umicpd compute dot_product '[1,2,3]' '[4,5,6]'

Commands: vector_add, dot_product, matrix_multiply, matrix_add, transpose,
normalize, cosine_similarity.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			command := args[0]
			want, ok := peer.Arity(command)
			if !ok {
				return fmt.Errorf("%w: %q", peer.ErrUnknownCommand, command)
			}
			if len(args)-1 != want {
				return fmt.Errorf("%s takes %d operands, got %d", command, want, len(args)-1)
			}
			operands := make([]*matrix.Matrix, 0, want)
			for i, raw := range args[1:] {
				m, err := parseOperand(raw)
				if err != nil {
					return fmt.Errorf("operand %d: %w", i+1, err)
				}
				operands = append(operands, m)
			}

			cfg, err := opts.load(co.apply)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), co.timeout)
			defer cancel()
			s, err := dial(ctx, cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			out, err := s.client(co.to).Compute(ctx, command, operands...)
			if err != nil {
				return err
			}
			return writeResult(cmd, command, out)
		},
	}
	co.bind(cmd.Flags())
	return cmd
}

func parseOperand(raw string) (*matrix.Matrix, error) {
	raw = strings.TrimSpace(raw)
	var rows [][]float32
	if err := json.Unmarshal([]byte(raw), &rows); err == nil {
		return matrix.FromRows(rows)
	}
	var vec []float32
	if err := json.Unmarshal([]byte(raw), &vec); err != nil {
		return nil, fmt.Errorf("%w: want a JSON array of numbers or of rows", matrix.ErrPayloadShape)
	}
	return matrix.FromRows([][]float32{vec})
}

type computeResult struct {
	Command string      `json:"command"`
	Shape   string      `json:"shape"`
	Rows    [][]float32 `json:"rows"`
}

func writeResult(cmd *cobra.Command, command string, m *matrix.Matrix) error {
	res := computeResult{Command: command, Shape: m.Shape(), Rows: make([][]float32, m.Rows)}
	for r := range m.Rows {
		res.Rows[r] = m.Row(r)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	return enc.Encode(res)
}
