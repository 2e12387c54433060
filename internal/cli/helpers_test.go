package cli

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

// writeConfig writes a config file pointing at srv, or at an unused port
// when srv is nil, and returns its path.
func writeConfig(t *testing.T, srv *httptest.Server, secret string) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)

	port := 1
	if srv != nil {
		_, p, err := net.SplitHostPort(srv.Listener.Addr().String())
		require.NoError(t, err)
		port, err = strconv.Atoi(p)
		require.NoError(t, err)
	}

	data, err := json.Marshal(map[string]any{
		"state_dir": dir,
		"server": map[string]any{
			"host":   "127.0.0.1",
			"port":   port,
			"secret": secret,
		},
	})
	require.NoError(t, err)
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

// resetFlags restores every flag on the shared command tree, including the
// help and version flags cobra adds on first execution.
func resetFlags() {
	resetCommandFlags(rootCmd)
	cfgFile, logLevel = "", ""
	startPhone, startWebhook, startProxy, startProxyUser, startProxyPass, startDeviceName = "", "", "", "", "", ""
	startWaitQR = false
	requestTimeout = 45 * time.Second
	exportOutput, exportUpload = "backupSessions.zip", false
	backupWait = 30 * time.Minute
	stopTimeout = 30
}

func resetCommandFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetCommandFlags(sub)
	}
}

// execute runs the root command with args and returns its output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags()
	t.Cleanup(resetFlags)

	cmd := GetRootCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}
