package browser

import (
	"math"
	"math/rand"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// uaProfile bundles a user agent with its matching client-hint headers.
// Mismatched UA and Sec-CH-UA values are a common automation giveaway.
type uaProfile struct {
	UserAgent string
	SecCHUA   string
	Platform  string
}

var uaPool = []uaProfile{
	{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		`"Google Chrome";v="131", "Chromium";v="131", "Not_A Brand";v="24"`, `"Windows"`,
	},
	{
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		`"Google Chrome";v="131", "Chromium";v="131", "Not_A Brand";v="24"`, `"macOS"`,
	},
	{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36",
		`"Google Chrome";v="130", "Chromium";v="130", "Not_A Brand";v="99"`, `"Windows"`,
	},
	{
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36",
		`"Google Chrome";v="130", "Chromium";v="130", "Not_A Brand";v="99"`, `"macOS"`,
	},
	{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Safari/537.36",
		`"Google Chrome";v="129", "Chromium";v="129", "Not_A Brand";v="24"`, `"Windows"`,
	},
	{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36 Edg/131.0.0.0",
		`"Microsoft Edge";v="131", "Chromium";v="131", "Not_A Brand";v="24"`, `"Windows"`,
	},
	{
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		`"Google Chrome";v="131", "Chromium";v="131", "Not_A Brand";v="24"`, `"Linux"`,
	},
	{
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128.0.0.0 Safari/537.36",
		`"Google Chrome";v="128", "Chromium";v="128", "Not-A.Brand";v="99"`, `"macOS"`,
	},
}

type viewport struct {
	Width  int
	Height int
}

var viewportPool = []viewport{
	{1920, 1080},
	{1536, 864},
	{1440, 900},
	{1366, 768},
	{1280, 720},
	{1600, 900},
}

var timezonePool = []string{
	"America/New_York",
	"America/Chicago",
	"America/Los_Angeles",
	"Europe/London",
	"Europe/Paris",
}

// Weighted toward the common case: most real users run 1x displays with
// a light color scheme.
var scalePool = []float64{1, 1, 1, 2}
var schemePool = []string{"light", "light", "light", "dark"}

var acceptLanguagePool = []string{
	"en-US,en;q=0.9",
	"en-US,en;q=0.9,fr;q=0.8",
	"en-GB,en;q=0.9",
}

// fingerprint is the randomly-chosen identity a browser session presents.
type fingerprint struct {
	Profile        uaProfile
	Viewport       viewport
	Timezone       string
	Scale          float64
	ColorScheme    string
	AcceptLanguage string
}

func newFingerprint(rng *rand.Rand) fingerprint {
	return fingerprint{
		Profile:        uaPool[rng.Intn(len(uaPool))],
		Viewport:       viewportPool[rng.Intn(len(viewportPool))],
		Timezone:       timezonePool[rng.Intn(len(timezonePool))],
		Scale:          scalePool[rng.Intn(len(scalePool))],
		ColorScheme:    schemePool[rng.Intn(len(schemePool))],
		AcceptLanguage: acceptLanguagePool[rng.Intn(len(acceptLanguagePool))],
	}
}

// stealthJS runs in every page before any site script and masks the
// usual headless-automation signals.
const stealthJS = `
// Hide navigator.webdriver
Object.defineProperty(navigator, 'webdriver', { get: () => undefined });

// Fake chrome object
if (!window.chrome) {
    window.chrome = { runtime: {}, loadTimes: function(){}, csi: function(){} };
}

// Fake plugins (Chrome exposes at least 3)
Object.defineProperty(navigator, 'plugins', {
    get: () => {
        const fakes = [
            { name: 'Chrome PDF Plugin', filename: 'internal-pdf-viewer' },
            { name: 'Chrome PDF Viewer', filename: 'mhjfbmdgcfjbbpaeojofohoefgiehjai' },
            { name: 'Native Client', filename: 'internal-nacl-plugin' },
        ];
        const arr = fakes.map(p => {
            const o = Object.create(Plugin.prototype);
            Object.defineProperty(o, 'name', { get: () => p.name });
            Object.defineProperty(o, 'filename', { get: () => p.filename });
            Object.defineProperty(o, 'description', { get: () => p.name });
            Object.defineProperty(o, 'length', { get: () => 1 });
            return o;
        });
        arr.length = fakes.length;
        return arr;
    }
});

// Fake languages
Object.defineProperty(navigator, 'languages', { get: () => ['en-US', 'en'] });

// Spoof WebGL vendor/renderer
const getParameterOrig = WebGLRenderingContext.prototype.getParameter;
WebGLRenderingContext.prototype.getParameter = function(p) {
    if (p === 37445) return 'Intel Inc.';
    if (p === 37446) return 'Intel Iris OpenGL Engine';
    return getParameterOrig.call(this, p);
};

// Patch permissions.query to dodge the notifications fingerprint
if (navigator.permissions) {
    const origQuery = navigator.permissions.query;
    navigator.permissions.query = (params) => {
        if (params.name === 'notifications') {
            return Promise.resolve({ state: Notification.permission });
        }
        return origQuery.call(navigator.permissions, params);
    };
}

// Mock connection info
Object.defineProperty(navigator, 'connection', {
    get: () => ({ effectiveType: '4g', rtt: 50, downlink: 10, saveData: false })
});

// Align screen dimensions with the viewport
Object.defineProperty(screen, 'width', { get: () => window.innerWidth });
Object.defineProperty(screen, 'height', { get: () => window.innerHeight });
Object.defineProperty(screen, 'availWidth', { get: () => window.innerWidth });
Object.defineProperty(screen, 'availHeight', { get: () => window.innerHeight });

// Spoof hardware specs
Object.defineProperty(navigator, 'deviceMemory', { get: () => 8 });
Object.defineProperty(navigator, 'hardwareConcurrency', { get: () => 8 });
Object.defineProperty(navigator, 'maxTouchPoints', { get: () => 0 });

// Fake the Battery API
if (navigator.getBattery) {
    navigator.getBattery = () => Promise.resolve({
        charging: true, chargingTime: 0, dischargingTime: Infinity, level: 1.0,
        addEventListener: () => {}, removeEventListener: () => {}
    });
}

// Trap hidden-iframe detection
Object.defineProperty(HTMLIFrameElement.prototype, 'contentWindow', {
    get: function() { return window; }
});
`

// cookieDismissSelectors are tried in order after each navigation; the
// first visible match is clicked.
var cookieDismissSelectors = []string{
	`[id*="cookie"] button[class*="accept"]`,
	`[id*="cookie"] button[class*="agree"]`,
	`[class*="cookie"] button[class*="accept"]`,
	`[class*="cookie"] button[class*="agree"]`,
	`[id*="consent"] button[class*="accept"]`,
	`button[id*="accept-cookie"]`,
	`button[id*="acceptCookie"]`,
	`button[aria-label*="Accept"]`,
	`button[aria-label*="accept"]`,
	`#onetrust-accept-btn-handler`,
	`.cc-accept`,
	`.cc-dismiss`,
	`[data-testid="cookie-policy-manage-dialog-btn-accept"]`,
}

// humanDelay sleeps for a random interval inside [minMs, maxMs].
func humanDelay(rng *rand.Rand, minMs, maxMs int) {
	time.Sleep(time.Duration(minMs+rng.Intn(maxMs-minMs+1)) * time.Millisecond)
}

// bezierPath returns the mouse waypoints of a cubic Bezier curve from a
// random start point to the target, using two random control points.
func bezierPath(rng *rand.Rand, targetX, targetY float64) []proto.Point {
	startX := 100 + rng.Float64()*300
	startY := 100 + rng.Float64()*300

	cp1X := startX + (targetX-startX)*(0.2+rng.Float64()*0.3) + (rng.Float64()*100 - 50)
	cp1Y := startY + (targetY-startY)*(0.1+rng.Float64()*0.3) + (rng.Float64()*60 - 30)
	cp2X := startX + (targetX-startX)*(0.5+rng.Float64()*0.3) + (rng.Float64()*100 - 50)
	cp2Y := startY + (targetY-startY)*(0.6+rng.Float64()*0.3) + (rng.Float64()*60 - 30)

	steps := 8 + rng.Intn(11)
	points := make([]proto.Point, 0, steps+1)
	for i := 0; i <= steps; i++ {
		t := float64(i) / float64(steps)
		points = append(points, proto.Point{
			X: cubicBezier(t, startX, cp1X, cp2X, targetX),
			Y: cubicBezier(t, startY, cp1Y, cp2Y, targetY),
		})
	}
	return points
}

func cubicBezier(t, p0, p1, p2, p3 float64) float64 {
	u := 1 - t
	return math.Pow(u, 3)*p0 + 3*math.Pow(u, 2)*t*p1 + 3*u*math.Pow(t, 2)*p2 + math.Pow(t, 3)*p3
}

// moveMouseHuman walks the cursor along a Bezier curve to the target.
// Best effort: CDP mouse failures fall back to the direct click.
func moveMouseHuman(page *rod.Page, rng *rand.Rand, targetX, targetY float64) {
	for _, pt := range bezierPath(rng, targetX, targetY) {
		if err := page.Mouse.MoveTo(pt); err != nil {
			return
		}
		time.Sleep(time.Duration(5+rng.Intn(21)) * time.Millisecond)
	}
}

// applyFingerprint configures the page to present the session identity
// and installs the stealth script ahead of any site script.
func applyFingerprint(page *rod.Page, fp fingerprint) error {
	if err := (proto.NetworkSetUserAgentOverride{
		UserAgent:      fp.Profile.UserAgent,
		AcceptLanguage: fp.AcceptLanguage,
		Platform:       trimQuotes(fp.Profile.Platform),
	}).Call(page); err != nil {
		return err
	}

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             fp.Viewport.Width,
		Height:            fp.Viewport.Height,
		DeviceScaleFactor: fp.Scale,
		Mobile:            false,
	}); err != nil {
		return err
	}

	if err := (proto.EmulationSetTimezoneOverride{TimezoneID: fp.Timezone}).Call(page); err != nil {
		return err
	}

	scheme := fp.ColorScheme
	if err := (proto.EmulationSetEmulatedMedia{
		Features: []*proto.EmulationMediaFeature{{Name: "prefers-color-scheme", Value: scheme}},
	}).Call(page); err != nil {
		return err
	}

	if _, err := page.SetExtraHeaders([]string{
		"Accept-Language", fp.AcceptLanguage,
		"Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8",
		"Sec-CH-UA", fp.Profile.SecCHUA,
		"Sec-CH-UA-Mobile", "?0",
		"Sec-CH-UA-Platform", fp.Profile.Platform,
		"Upgrade-Insecure-Requests", "1",
	}); err != nil {
		return err
	}

	_, err := page.EvalOnNewDocument(stealthJS)
	return err
}

func trimQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
