package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/umicp/internal/config"
	"github.com/danmuck/umicp/internal/matrix"
	"github.com/danmuck/umicp/internal/observability"
	"github.com/danmuck/umicp/internal/peer"
	"github.com/danmuck/umicp/internal/transport"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCmd(opts *globalOptions) *cobra.Command {
	var listen, admin string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept peers and serve matrix requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(func(c *config.Config) {
				if listen != "" {
					c.Transport.Listen = listen
				}
				if admin != "" {
					c.Admin.Listen = admin
				}
			})
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "bind address (overrides transport.listen)")
	cmd.Flags().StringVar(&admin, "admin", "", "admin HTTP address (overrides admin.listen)")
	return cmd
}

// serve runs a matrix-serving peer until ctx is done. The bound address is
// written to out once the listener is up.
func serve(ctx context.Context, cfg config.Config, out io.Writer) error {
	tc, err := cfg.TransportConfig()
	if err != nil {
		return err
	}
	tr, err := transport.NewServer(ctx, cfg.Transport.Listen, tc)
	if err != nil {
		return err
	}
	mc := cfg.MatrixConfig()
	mc.Observe = observability.RecordMatrixOp
	p := peer.New(cfg.Node.ID, tr, peer.Options{
		Engine:      matrix.New(mc),
		ServeMatrix: true,
		AdminAddr:   cfg.Admin.Listen,
		CORSOrigins: cfg.Admin.CORSOrigins,
		AdminToken:  cfg.Admin.Token,
	})
	tr.OnError(func(err error) {
		log.Warn().Str("component", "umicpd").Err(err).Msg("transport error")
	})

	observability.TagLogger("umicpd", cfg.Node.ID)
	fmt.Fprintf(out, "%s listening on %s/%s\n", p.ID, tr.Network(), tr.Addr())
	return p.Run(ctx)
}
