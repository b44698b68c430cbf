package browser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRandomFingerprintWithinBounds(t *testing.T) {
	t.Parallel()

	for range 100 {
		fp := RandomFingerprint()
		require.Contains(t, userAgents, fp.UserAgent)
		require.Contains(t, locales, fp.Locale)
		require.Contains(t, timezones, fp.Timezone)
		require.GreaterOrEqual(t, fp.Width, int64(minWidth-9))
		require.LessOrEqual(t, fp.Width, int64(maxWidth))
		require.GreaterOrEqual(t, fp.Height, int64(minHeight-9))
		require.LessOrEqual(t, fp.Height, int64(maxHeight))
		require.Zero(t, fp.Width%10)
		require.Zero(t, fp.Height%10)
	}
}

func TestStealthScriptHidesAutomationFlags(t *testing.T) {
	t.Parallel()

	require.True(t, strings.Contains(stealthScript, "webdriver"))
	require.True(t, strings.Contains(stealthScript, "plugins"))
	require.True(t, strings.Contains(stealthScript, "languages"))
}
