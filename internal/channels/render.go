package channels

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
)

// Media kinds assigned to extracted attachments, chosen by extension.
const (
	MediaImage    = "image"
	MediaAudio    = "audio"
	MediaVideo    = "video"
	MediaDocument = "document"
)

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true, ".bmp": true,
}

var audioExts = map[string]bool{
	".mp3": true, ".wav": true, ".ogg": true, ".m4a": true, ".flac": true, ".aac": true,
}

var videoExts = map[string]bool{
	".mp4": true, ".mov": true, ".webm": true, ".avi": true, ".mkv": true,
}

// MediaKind classifies a file path by extension.
func MediaKind(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case imageExts[ext]:
		return MediaImage
	case audioExts[ext]:
		return MediaAudio
	case videoExts[ext]:
		return MediaVideo
	default:
		return MediaDocument
	}
}

var (
	imageMarkerPattern = regexp.MustCompile(`\[image:\s*([^\]]+)\]`)
	markdownImgPattern = regexp.MustCompile(`!\[([^\]]*)\]\(([^)\s]+)\)`)
	backtickPattern    = regexp.MustCompile("`([^`\n]+\\.[A-Za-z0-9]{1,5})`")
	absPathPattern     = regexp.MustCompile(`(?:^|\s)(/[^\s'"` + "`" + `]+\.[A-Za-z0-9]{1,5})`)
	relPathPattern     = regexp.MustCompile(`(?:^|\s)((?:screenshots|media|files|documents|output|generated)/[^\s'"` + "`" + `]+\.[A-Za-z0-9]{1,5})`)
	blankRunPattern    = regexp.MustCompile(`\n{3,}`)
)

// ExtractMedia scans outbound content for attachment markers, resolves
// each against the filesystem (absolute first, then workspace-relative),
// and returns the remaining text plus the attachments to send.
//
// Markers: "[image: PATH]", markdown images, backtick-quoted file names,
// absolute paths, and relative paths under the whitelisted output
// directories. Remote markdown image URLs stay inline as links;
// unresolved local references are dropped from the text.
func ExtractMedia(content, workspace string) (string, []bus.MediaAttachment) {
	var attachments []bus.MediaAttachment
	seen := make(map[string]bool)

	attach := func(path string) bool {
		resolved, ok := resolveMediaPath(path, workspace)
		if !ok {
			return false
		}
		if !seen[resolved] {
			seen[resolved] = true
			attachments = append(attachments, bus.MediaAttachment{
				Path:        resolved,
				ContentType: MediaKind(resolved),
			})
		}
		return true
	}

	text := imageMarkerPattern.ReplaceAllStringFunc(content, func(marker string) string {
		path := strings.TrimSpace(imageMarkerPattern.FindStringSubmatch(marker)[1])
		if isRemoteURL(path) {
			return path
		}
		attach(path)
		return ""
	})

	text = markdownImgPattern.ReplaceAllStringFunc(text, func(marker string) string {
		sub := markdownImgPattern.FindStringSubmatch(marker)
		target := strings.TrimSpace(sub[2])
		if isRemoteURL(target) {
			return marker
		}
		attach(target)
		return ""
	})

	text = backtickPattern.ReplaceAllStringFunc(text, func(marker string) string {
		path := backtickPattern.FindStringSubmatch(marker)[1]
		if attach(path) {
			return ""
		}
		return marker
	})

	for _, pattern := range []*regexp.Regexp{absPathPattern, relPathPattern} {
		text = pattern.ReplaceAllStringFunc(text, func(marker string) string {
			sub := pattern.FindStringSubmatch(marker)
			path := sub[1]
			prefix := marker[:len(marker)-len(path)]
			if attach(path) {
				return prefix
			}
			if !isRemoteURL(path) && strings.HasPrefix(path, "/") {
				// unresolved local reference, drop it
				return prefix
			}
			return marker
		})
	}

	text = blankRunPattern.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text), attachments
}

// resolveMediaPath checks the token against the absolute path, then
// relative to the workspace.
func resolveMediaPath(path, workspace string) (string, bool) {
	if fileExists(path) {
		return path, true
	}
	if workspace != "" && !filepath.IsAbs(path) {
		candidate := filepath.Join(workspace, path)
		if fileExists(candidate) {
			return candidate, true
		}
	}
	return "", false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func isRemoteURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
