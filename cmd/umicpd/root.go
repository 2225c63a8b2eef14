package main

import (
	"fmt"
	"os"

	"github.com/danmuck/umicp/internal/config"
	"github.com/danmuck/umicp/internal/logging"
	"github.com/danmuck/umicp/internal/protocol"
	"github.com/danmuck/umicp/internal/transport"
	"github.com/spf13/cobra"
)

// globalOptions are the persistent flags shared by every subcommand. Set
// flags win over the config file and UMICP_* variables.
type globalOptions struct {
	configPath string
	nodeID     string
	network    string
	codec      string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:           "umicpd",
		Short:         "UMICP peer daemon and client",
		Long:          "umicpd runs a UMICP peer that serves matrix requests, and talks to one as a client.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			logging.ConfigureRuntime()
		},
	}
	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", os.Getenv("UMICP_CONFIG"), "TOML config file (env UMICP_CONFIG)")
	flags.StringVar(&opts.nodeID, "id", "", "local node id")
	flags.StringVar(&opts.network, "network", "", "transport network: tcp|websocket")
	flags.StringVar(&opts.codec, "codec", "", "envelope codec: binary|msgpack|cbor")

	cmd.AddCommand(
		newServeCmd(opts),
		newComputeCmd(opts),
		newPingCmd(opts),
		newSendCmd(opts),
		newConfigCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// load resolves the config file, env and flags, then lets edit apply
// command-specific flags before validation.
func (o *globalOptions) load(edit func(*config.Config)) (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if o.nodeID != "" {
		cfg.Node.ID = o.nodeID
	}
	if o.network != "" {
		cfg.Transport.Network = o.network
	}
	if o.codec != "" {
		cfg.Envelope.Codec = o.codec
	}
	if edit != nil {
		edit(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the protocol version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "umicp %s (networks: %s, %s)\n", protocol.Version, transport.NetworkTCP, transport.NetworkWebSocket)
		},
	}
}
