package main

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/umicp/internal/protocol"
	"github.com/spf13/cobra"
)

func newPingCmd(opts *globalOptions) *cobra.Command {
	var co clientOptions
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Send a heartbeat and wait for the ack",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
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

			hb, err := protocol.NewBuilder().
				From(cfg.Node.ID).
				To(s.remote(co.to)).
				Operation(protocol.OpHeartbeat).
				MessageID(protocol.NewMessageID()).
				Build()
			if err != nil {
				return err
			}
			start := time.Now()
			reply, err := s.client(co.to).Request(ctx, hb)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s from %s in %s\n", reply.Operation(), reply.From(), time.Since(start).Round(time.Microsecond))
			return nil
		},
	}
	co.bind(cmd.Flags())
	return cmd
}

func newSendCmd(opts *globalOptions) *cobra.Command {
	var co clientOptions
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a one-way control or data envelope",
	}
	co.bind(cmd.PersistentFlags())

	control := &cobra.Command{
		Use:   "control COMMAND [PARAMS]",
		Short: "Send a control envelope",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := ""
			if len(args) == 2 {
				params = args[1]
			}
			return sendOne(cmd, opts, &co, func(s *session, to string) (string, error) {
				return s.peer.SendControl(to, args[0], params, "")
			})
		},
	}
	data := &cobra.Command{
		Use:   "data TEXT",
		Short: "Send a text data envelope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hint := protocol.PayloadHint{Type: protocol.PayloadText, Encoding: "utf-8"}
			return sendOne(cmd, opts, &co, func(s *session, to string) (string, error) {
				return s.peer.SendData(to, []byte(args[0]), hint, "")
			})
		},
	}
	cmd.AddCommand(control, data)
	return cmd
}

// sendOne queues one envelope and closes the session, which flushes it.
func sendOne(cmd *cobra.Command, opts *globalOptions, co *clientOptions, send func(*session, string) (string, error)) error {
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
	id, err := send(s, s.remote(co.to))
	closeErr := s.Close()
	if err != nil {
		return err
	}
	if closeErr != nil {
		return closeErr
	}
	fmt.Fprintf(cmd.OutOrStdout(), "sent %s\n", id)
	return nil
}
