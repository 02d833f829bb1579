package agent

import (
	"encoding/base64"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/nextlevelbuilder/nanoclaw/internal/providers"
)

// maxImageBytes caps how much of a single attachment is handed to a
// vision model.
const maxImageBytes = 10 * 1024 * 1024

var imageMimes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// loadImages converts local attachment paths into base64 image blocks for
// the provider request. Paths that are not images, unreadable, or oversized
// are skipped so one bad attachment never fails the turn.
func loadImages(paths []string) []providers.ImageContent {
	var images []providers.ImageContent
	for _, p := range paths {
		mime, ok := imageMimes[strings.ToLower(filepath.Ext(p))]
		if !ok {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			slog.Warn("vision: failed to read image file", "path", p, "error", err)
			continue
		}
		if len(data) > maxImageBytes {
			slog.Warn("vision: image file too large, skipping", "path", p, "size", len(data))
			continue
		}
		images = append(images, providers.ImageContent{
			MimeType: mime,
			Data:     base64.StdEncoding.EncodeToString(data),
		})
	}
	return images
}
