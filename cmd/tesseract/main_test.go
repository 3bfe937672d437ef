package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tesseract/config"
	"tesseract/rpcerror"
	"tesseract/transport"
)

// startDemo serves the demo services on a loopback port and returns its address.
func startDemo(t *testing.T, cfg config.Config) string {
	t.Helper()
	s, err := newServer(cfg, zap.NewNop())
	require.NoError(t, err)
	l, err := transport.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go s.Serve(l)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return l.Addr().String()
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	// Flags are package-level; reset the ones earlier runs may have set.
	callAddr, callTimeout, configPath, logLevel = "", "", "", ""

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestCallCommand(t *testing.T) {
	addr := startDemo(t, config.Default())

	out, err := runCLI(t, "call", "--addr", addr, "--log-level", "error", "Arith.Add", `{"A":1,"B":2}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"Result":3}`, out)

	out, err = runCLI(t, "call", "--addr", addr, "--log-level", "error", "Echo.Say", `"hi"`)
	require.NoError(t, err)
	assert.Equal(t, "\"hi\"\n", out)
}

func TestCallCommandErrors(t *testing.T) {
	addr := startDemo(t, config.Default())

	_, err := runCLI(t, "call", "--addr", addr, "--log-level", "error", "Arith.Div", `{"A":1,"B":0}`)
	assert.ErrorIs(t, err, rpcerror.ErrRemote)

	_, err = runCLI(t, "call", "--addr", addr, "--log-level", "error", "Nope.Nothing")
	assert.ErrorIs(t, err, rpcerror.ErrNotFound)

	_, err = runCLI(t, "call", "--addr", addr, "--log-level", "error", "--timeout", "50ms", "Echo.Sleep", `"5s"`)
	assert.ErrorIs(t, err, rpcerror.ErrTimedOut)

	_, err = runCLI(t, "call", "--addr", addr, "NoDot")
	assert.Error(t, err)
}

func TestServerMiddlewareFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Server.RequestTimeout = 50 * time.Millisecond
	addr := startDemo(t, cfg)

	_, err := runCLI(t, "call", "--addr", addr, "--log-level", "error", "Echo.Sleep", `"5s"`)
	assert.ErrorIs(t, err, rpcerror.ErrTimedOut)
	assert.True(t, rpcerror.IsRemote(err), "the server's timeout middleware answered")
}
