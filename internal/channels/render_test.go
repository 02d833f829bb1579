package channels

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestMediaKind(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"shot.png", MediaImage},
		{"photo.JPEG", MediaImage},
		{"song.mp3", MediaAudio},
		{"clip.mkv", MediaVideo},
		{"report.pdf", MediaDocument},
		{"notes.txt", MediaDocument},
	}
	for _, tt := range tests {
		if got := MediaKind(tt.path); got != tt.want {
			t.Errorf("MediaKind(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestExtractMediaImageMarker(t *testing.T) {
	ws := t.TempDir()
	img := writeFile(t, ws, "screenshots/page.png")

	text, media := ExtractMedia("Here you go: [image: "+img+"]", ws)
	if len(media) != 1 || media[0].Path != img || media[0].ContentType != MediaImage {
		t.Fatalf("media = %+v", media)
	}
	if strings.Contains(text, "[image:") {
		t.Fatalf("marker left in text: %q", text)
	}
}

func TestExtractMediaWorkspaceRelative(t *testing.T) {
	ws := t.TempDir()
	writeFile(t, ws, "output/report.pdf")

	text, media := ExtractMedia("Saved to output/report.pdf for review.", ws)
	if len(media) != 1 {
		t.Fatalf("media = %+v", media)
	}
	if media[0].Path != filepath.Join(ws, "output/report.pdf") {
		t.Fatalf("path = %q", media[0].Path)
	}
	if media[0].ContentType != MediaDocument {
		t.Fatalf("kind = %q", media[0].ContentType)
	}
	if strings.Contains(text, "output/report.pdf") {
		t.Fatalf("path left in text: %q", text)
	}
}

func TestExtractMediaRemoteMarkdownStaysInline(t *testing.T) {
	text, media := ExtractMedia("Look: ![chart](https://example.com/chart.png)", t.TempDir())
	if len(media) != 0 {
		t.Fatalf("media = %+v", media)
	}
	if !strings.Contains(text, "https://example.com/chart.png") {
		t.Fatalf("remote link removed: %q", text)
	}
}

func TestExtractMediaLocalMarkdownAttaches(t *testing.T) {
	ws := t.TempDir()
	img := writeFile(t, ws, "media/plot.jpg")

	text, media := ExtractMedia("![plot]("+img+")", ws)
	if len(media) != 1 || media[0].ContentType != MediaImage {
		t.Fatalf("media = %+v", media)
	}
	if strings.Contains(text, "plot.jpg") {
		t.Fatalf("marker left in text: %q", text)
	}
}

func TestExtractMediaBacktickPath(t *testing.T) {
	ws := t.TempDir()
	writeFile(t, ws, "generated/song.mp3")

	_, media := ExtractMedia("I made `generated/song.mp3` for you.", ws)
	if len(media) != 1 || media[0].ContentType != MediaAudio {
		t.Fatalf("media = %+v", media)
	}
}

func TestExtractMediaUnresolvedLocalDropped(t *testing.T) {
	text, media := ExtractMedia("See /tmp/definitely-not-here-12345.png please", t.TempDir())
	if len(media) != 0 {
		t.Fatalf("media = %+v", media)
	}
	if strings.Contains(text, "definitely-not-here") {
		t.Fatalf("unresolved path kept: %q", text)
	}
}

func TestExtractMediaCollapsesBlankRuns(t *testing.T) {
	text, _ := ExtractMedia("a\n\n\n\n\nb", t.TempDir())
	if text != "a\n\nb" {
		t.Fatalf("text = %q", text)
	}
}

func TestExtractMediaDeduplicates(t *testing.T) {
	ws := t.TempDir()
	img := writeFile(t, ws, "screenshots/s.png")

	_, media := ExtractMedia("[image: "+img+"] and again [image: "+img+"]", ws)
	if len(media) != 1 {
		t.Fatalf("media = %+v", media)
	}
}
