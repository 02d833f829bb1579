package browser

import (
	"math"
	"math/rand"
	"strings"
	"testing"
)

func TestFingerprintDrawsFromPools(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		fp := newFingerprint(rng)

		if fp.Profile.UserAgent == "" || fp.Profile.SecCHUA == "" || fp.Profile.Platform == "" {
			t.Fatalf("incomplete UA profile: %+v", fp.Profile)
		}
		if !strings.Contains(fp.Profile.UserAgent, "AppleWebKit") {
			t.Fatalf("unexpected UA: %s", fp.Profile.UserAgent)
		}
		if fp.Viewport.Width < 1280 || fp.Viewport.Height < 720 {
			t.Fatalf("viewport outside pool: %+v", fp.Viewport)
		}
		if fp.Scale != 1 && fp.Scale != 2 {
			t.Fatalf("scale outside pool: %v", fp.Scale)
		}
		if fp.ColorScheme != "light" && fp.ColorScheme != "dark" {
			t.Fatalf("scheme outside pool: %q", fp.ColorScheme)
		}
	}
}

func TestPoolSizes(t *testing.T) {
	if len(uaPool) != 8 {
		t.Errorf("uaPool size = %d, want 8", len(uaPool))
	}
	if len(viewportPool) != 6 {
		t.Errorf("viewportPool size = %d, want 6", len(viewportPool))
	}
	if len(timezonePool) != 5 {
		t.Errorf("timezonePool size = %d, want 5", len(timezonePool))
	}
}

func TestBezierPathEndsAtTarget(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		points := bezierPath(rng, 800, 450)

		if len(points) < 9 || len(points) > 19 {
			t.Fatalf("path has %d points, want 9..19", len(points))
		}
		last := points[len(points)-1]
		if math.Abs(last.X-800) > 0.001 || math.Abs(last.Y-450) > 0.001 {
			t.Fatalf("path ends at (%v, %v), want (800, 450)", last.X, last.Y)
		}
	}
}

func TestTrimQuotes(t *testing.T) {
	if got := trimQuotes(`"Windows"`); got != "Windows" {
		t.Errorf("trimQuotes = %q", got)
	}
	if got := trimQuotes("macOS"); got != "macOS" {
		t.Errorf("trimQuotes = %q", got)
	}
}

func TestExtractText(t *testing.T) {
	html := `<html><head><style>body { color: red }</style>
<script>alert("hi")</script></head>
<body><h1>Title &amp; More</h1><p>Some   text</p></body></html>`

	got := extractText(html)
	if strings.Contains(got, "alert") || strings.Contains(got, "color") {
		t.Fatalf("script/style leaked into text: %q", got)
	}
	if !strings.Contains(got, "Title & More") {
		t.Fatalf("entities not decoded: %q", got)
	}
	if strings.Contains(got, "  ") {
		t.Fatalf("whitespace not collapsed: %q", got)
	}
}

func TestExtractTextTruncates(t *testing.T) {
	got := extractText("<p>" + strings.Repeat("word ", 3000) + "</p>")
	if !strings.Contains(got, "TRUNCATED") {
		t.Fatal("long page not truncated")
	}
}
