package commands

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	t.Chdir(t.TempDir())
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	require.NoError(t, rootCmd.Execute(), buf.String())
	return buf.String()
}

func TestPackCommand(t *testing.T) {
	out := execute(t, "pack", "--rows", "2", "--", "1", "2", "-3", "4", "-8", "7", "0", "-1")
	assert.Contains(t, out, "input    s32[2,4]")
	assert.Contains(t, out, "packed   s8[2,2]")
	assert.Contains(t, out, "round trip ok: true")
}

func TestPackCommandRejectsRagged(t *testing.T) {
	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs([]string{"pack", "--rows", "2", "--", "1", "2", "3"})
	t.Cleanup(func() { rootCmd.SetArgs(nil); packRows = 1 })
	assert.Error(t, rootCmd.Execute())
}

func TestHLOCommand(t *testing.T) {
	out := execute(t, "hlo", "--batch", "3", "--in", "5", "--out", "8")
	assert.Contains(t, out, "s8[8,5]")
	assert.Contains(t, out, "bf16[3,8]")
}

func TestDemoCommand(t *testing.T) {
	for _, int4 := range []string{"false", "true"} {
		t.Run("int4="+int4, func(t *testing.T) {
			out := execute(t, "demo", "--int4="+int4, "--in", "6")
			assert.Contains(t, out, "device == host     true")
			assert.Contains(t, out, "compiled == device true")
		})
	}
}

func TestDevicesCommand(t *testing.T) {
	out := execute(t, "devices", "--devices", "2")
	assert.Contains(t, out, "host features:")
	assert.Contains(t, out, "XLA:1")
}

func TestVersionCommand(t *testing.T) {
	out := execute(t, "version")
	assert.Contains(t, out, "qlinear "+Version)
}
