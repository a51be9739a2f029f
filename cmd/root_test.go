package cmd

import (
	"bytes"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/pktfilter/internal/config"
	"grimm.is/pktfilter/internal/logging"
)

func TestNewLogger(t *testing.T) {
	defer logging.SetDefault(logging.Discard())

	var out bytes.Buffer
	logger, err := newLogger(&config.LoggingConfig{Level: "warn", JSON: true}, &out)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, out.String(), "hidden")
	assert.Contains(t, out.String(), `"msg":"shown"`)

	_, err = newLogger(&config.LoggingConfig{Level: "loud"}, &out)
	assert.Error(t, err)
}

func TestNewLogger_Syslog(t *testing.T) {
	defer logging.SetDefault(logging.Discard())

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()
	port := pc.LocalAddr().(*net.UDPAddr).Port

	logger, err := newLogger(&config.LoggingConfig{
		Level:  "info",
		Syslog: &config.SyslogConfig{Host: "127.0.0.1", Port: port},
	}, &bytes.Buffer{})
	require.NoError(t, err)
	logger.Error("engine failed")

	pc.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1024)
	n, _, err := pc.ReadFrom(buf)
	require.NoError(t, err)
	msg := string(buf[:n])
	// user (1) * 8 + err (3)
	assert.True(t, strings.HasPrefix(msg, "<11>1 "), msg)
	assert.True(t, strings.HasSuffix(msg, "engine failed"), msg)
}

func TestRunVersion(t *testing.T) {
	var out bytes.Buffer
	RunVersion(&out)
	assert.Contains(t, out.String(), "pktfilter dev")
}

func TestRootCommandTree(t *testing.T) {
	for _, name := range []string{"check", "serve", "replay", "version", "rules", "classify", "export", "watch", "diff"} {
		c, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, c.Name())
	}
	c, _, err := rootCmd.Find([]string{"rules", "changes"})
	require.NoError(t, err)
	assert.Equal(t, "changes", c.Name())
}
