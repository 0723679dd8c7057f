package util

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func TestTransportSelection(t *testing.T) {
	t.Cleanup(viper.Reset)

	for _, name := range []string{"http", "tcp", "unix"} {
		t.Run(name, func(t *testing.T) {
			viper.Set("transport", name)
			if ct, err := GetClientTransport(); err != nil || ct == nil {
				t.Errorf("GetClientTransport() = %v, %v", ct, err)
			}
			if st, err := GetServerTransport(name); err != nil || st == nil {
				t.Errorf("GetServerTransport(%q) = %v, %v", name, st, err)
			}
		})
	}

	viper.Set("transport", "carrier-pigeon")
	if _, err := GetClientTransport(); err == nil {
		t.Error("GetClientTransport() accepted an unknown transport")
	}
	if _, err := GetServerTransport("carrier-pigeon"); err == nil {
		t.Error("GetServerTransport() accepted an unknown transport")
	}
}

func TestClientConfigFromFlags(t *testing.T) {
	t.Cleanup(viper.Reset)

	cmd := &cobra.Command{Use: "test"}
	SetupRPCClientFlags(cmd)
	err := cmd.ParseFlags([]string{
		"--transport-endpoints", " /tmp/a.sock, /tmp/b.sock ,",
		"--transport-conn-per-endpoint", "2",
		"--transport-read-buffer", "64",
	})
	if err != nil {
		t.Fatalf("ParseFlags() error = %v", err)
	}
	if err := viper.BindPFlags(cmd.PersistentFlags()); err != nil {
		t.Fatalf("BindPFlags() error = %v", err)
	}

	got := GetClientConfig()
	if diff := cmp.Diff([]string{"/tmp/a.sock", "/tmp/b.sock"}, got.Endpoints); diff != "" {
		t.Errorf("Endpoints mismatch (-want +got):\n%s", diff)
	}
	if got.ConnectionsPerEndpoint != 2 || got.ReadBufferSize != 64*1024 || got.WriteBufferSize != 512*1024 {
		t.Errorf("socket settings = %d conns, %d read, %d write", got.ConnectionsPerEndpoint, got.ReadBufferSize, got.WriteBufferSize)
	}
	if got.RetryCount != 3 || !got.TCPNoDelay || got.TCPLingerSec != -1 {
		t.Errorf("defaults = %d retries, nodelay %t, linger %d", got.RetryCount, got.TCPNoDelay, got.TCPLingerSec)
	}
}
