package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tesseract/client"
	"tesseract/codec"
	"tesseract/envelope"
	"tesseract/protocol"
)

var (
	callAddr    string
	callTimeout string
)

var callCmd = &cobra.Command{
	Use:   "call Service.Method [payload]",
	Short: "Send one request and print the response payload",
	Long: `Send one request and print the response payload.

The payload is sent as typed, so it must already be in the server's codec,
e.g. '{"A":1,"B":2}' or '"hi"' for a JSON server.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runCall,
}

func init() {
	callCmd.Flags().StringVar(&callAddr, "addr", "", "server address (overrides client.address)")
	callCmd.Flags().StringVar(&callTimeout, "timeout", "", "call timeout (overrides client.timeout)")
	rootCmd.AddCommand(callCmd)
}

func runCall(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if callAddr != "" {
		cfg.Client.Address = callAddr
	}
	if callTimeout != "" {
		if cfg.Client.Timeout, err = time.ParseDuration(callTimeout); err != nil {
			return err
		}
	}
	service, method, err := envelope.SplitTarget(args[0])
	if err != nil {
		return err
	}
	var payload []byte
	if len(args) == 2 {
		payload = []byte(args[1])
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	raw, err := codec.Get("raw")
	if err != nil {
		return err
	}
	dialCtx, cancel := context.WithTimeout(cmd.Context(), cfg.Client.DialTimeout)
	defer cancel()
	c, err := client.Dial(dialCtx, cfg.Client.Network, cfg.Client.Address,
		client.WithCodec(raw),
		client.WithLogger(logger),
		client.WithDefaultTimeout(cfg.Client.Timeout),
		client.WithEngineOptions(protocol.WithLimits(cfg.Limits)),
	)
	if err != nil {
		return err
	}
	defer c.Close()

	var reply []byte
	if err := c.Call(cmd.Context(), service, method, payload, &reply); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(reply))
	return nil
}
