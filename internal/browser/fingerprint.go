// Package browser maintains a bounded pool of stealth chromedp sessions.
// Acquire blocks when the pool is at capacity, which is the subsystem's
// principal backpressure mechanism.
package browser

import (
	"math/rand/v2"
)

// Fingerprint is the per-session identity presented to the target. A fresh
// one is rolled for every launched session.
type Fingerprint struct {
	UserAgent string
	Width     int64
	Height    int64
	Locale    string
	Timezone  string
}

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
}

var locales = []string{"en-US", "en-GB", "en-CA"}

var timezones = []string{
	"America/New_York",
	"America/Chicago",
	"America/Los_Angeles",
	"Europe/London",
}

// Viewport bounds. Widths and heights are snapped to multiples of 10 so the
// values look like real device metrics rather than random noise.
const (
	minWidth  = 1280
	maxWidth  = 1920
	minHeight = 720
	maxHeight = 1080
)

// RandomFingerprint rolls a new fingerprint from the built-in pools.
func RandomFingerprint() Fingerprint {
	return Fingerprint{
		UserAgent: userAgents[rand.IntN(len(userAgents))],
		Width:     snapped(minWidth, maxWidth),
		Height:    snapped(minHeight, maxHeight),
		Locale:    locales[rand.IntN(len(locales))],
		Timezone:  timezones[rand.IntN(len(timezones))],
	}
}

func snapped(lo, hi int) int64 {
	n := lo + rand.IntN(hi-lo+1)
	return int64(n - n%10)
}

// stealthScript runs on every new document before target scripts, hiding the
// most common automation tells.
const stealthScript = `
Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3] });
Object.defineProperty(navigator, 'languages', { get: () => ['en-US', 'en'] });
window.chrome = window.chrome || { runtime: {} };
`
