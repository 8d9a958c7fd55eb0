package hostcmd

import (
	"context"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpand(t *testing.T) {
	args, err := Expand("rtcwake -m mem -s {seconds}", map[string]string{"seconds": "600"})
	require.NoError(t, err)
	assert.Equal(t, []string{"rtcwake", "-m", "mem", "-s", "600"}, args)
}

func TestExpandKeepsValuesInOneArgument(t *testing.T) {
	args, err := Expand("nmcli device wifi connect {ssid} password {passphrase}", map[string]string{
		"ssid":       "Home Net",
		"passphrase": "a b; rm -rf /",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"nmcli", "device", "wifi", "connect", "Home Net", "password", "a b; rm -rf /"}, args)
}

func TestExpandDoesNotRescanValues(t *testing.T) {
	vars := map[string]string{
		"ssid":       "cafe",
		"passphrase": "x{ssid}y",
	}
	for i := 0; i < 50; i++ {
		args, err := Expand("connect {ssid} {passphrase}", vars)
		require.NoError(t, err)
		assert.Equal(t, []string{"connect", "cafe", "x{ssid}y"}, args)
	}
}

func TestExpandEmpty(t *testing.T) {
	_, err := Expand("   ", nil)
	assert.Error(t, err)
}

func TestRun(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX userland")
	}
	require.NoError(t, Run(context.Background(), "true", nil))

	err := Run(context.Background(), "false", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hostcmd: false")
}
