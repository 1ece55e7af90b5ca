package headless

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{}.withDefaults()
	assert.Equal(t, 30*time.Second, cfg.NavigationTimeout)
	assert.Equal(t, 10*time.Second, cfg.ActionTimeout)

	cfg = Config{OverlaySettle: -time.Second}.withDefaults()
	assert.Zero(t, cfg.OverlaySettle)
}

func TestAllocatorOptionsGrowWithConfig(t *testing.T) {
	t.Parallel()

	base := NewLauncher(Config{Headless: true}, nil).allocatorOptions()
	full := NewLauncher(Config{
		Headless:  true,
		NoSandbox: true,
		ExecPath:  "/usr/bin/chromium",
		UserAgent: "chartsnap/1.0",
	}, nil).allocatorOptions()
	require.Len(t, full, len(base)+3)
}

func TestHideOverlaysScript(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "true", hideOverlaysScript(nil))

	script := hideOverlaysScript([]string{`[data-dialog-name]`, `.popup`})
	assert.Contains(t, script, `["[data-dialog-name]",".popup"]`)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(script), "})()"))
}
