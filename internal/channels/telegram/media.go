package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/mymmrac/telego"
)

const (
	// defaultMediaMaxBytes is the default max download size (20MB, Telegram Bot API limit).
	defaultMediaMaxBytes int64 = 20 * 1024 * 1024

	// downloadMaxRetries is the number of download retry attempts.
	downloadMaxRetries = 3

	// maxImageDim is the largest image dimension kept after sanitising.
	maxImageDim = 2048
)

// MediaInfo describes a downloaded media file.
type MediaInfo struct {
	Type        string // "image", "voice", "audio", "document"
	FilePath    string // local file path after download (empty on failure)
	FileID      string // Telegram file_id
	ContentType string // MIME type
	FileName    string // original filename
	FileSize    int64
}

// resolveMedia extracts and downloads media from a Telegram message.
// Each item is downloaded into the shared media directory; failures
// yield an entry with an empty FilePath so the caller can report them.
func (c *Channel) resolveMedia(ctx context.Context, msg *telego.Message) []MediaInfo {
	var results []MediaInfo

	maxBytes := c.config.MediaMaxBytes
	if maxBytes == 0 {
		maxBytes = defaultMediaMaxBytes
	}

	// Photo: take highest resolution (last element).
	if len(msg.Photo) > 0 {
		photo := msg.Photo[len(msg.Photo)-1]
		filePath, err := c.downloadMedia(ctx, photo.FileID, maxBytes)
		if err != nil {
			slog.Warn("failed to download photo", "file_id", photo.FileID, "error", err)
		} else {
			// Re-encode for LLM vision (strips metadata, caps dimensions).
			sanitized, sanitizeErr := sanitizeImage(filePath)
			if sanitizeErr != nil {
				slog.Warn("failed to sanitize image, using original", "error", sanitizeErr)
				sanitized = filePath
			}
			filePath = sanitized
		}
		results = append(results, MediaInfo{
			Type:        "image",
			FilePath:    filePath,
			FileID:      photo.FileID,
			ContentType: "image/jpeg",
			FileSize:    int64(photo.FileSize),
		})
	}

	if msg.Voice != nil {
		filePath, err := c.downloadMedia(ctx, msg.Voice.FileID, maxBytes)
		if err != nil {
			slog.Warn("failed to download voice", "file_id", msg.Voice.FileID, "error", err)
		}
		results = append(results, MediaInfo{
			Type:        "voice",
			FilePath:    filePath,
			FileID:      msg.Voice.FileID,
			ContentType: msg.Voice.MimeType,
			FileSize:    int64(msg.Voice.FileSize),
		})
	}

	if msg.Audio != nil {
		filePath, err := c.downloadMedia(ctx, msg.Audio.FileID, maxBytes)
		if err != nil {
			slog.Warn("failed to download audio", "file_id", msg.Audio.FileID, "error", err)
		}
		results = append(results, MediaInfo{
			Type:        "audio",
			FilePath:    filePath,
			FileID:      msg.Audio.FileID,
			ContentType: msg.Audio.MimeType,
			FileName:    msg.Audio.FileName,
			FileSize:    int64(msg.Audio.FileSize),
		})
	}

	if msg.Document != nil {
		filePath, err := c.downloadMedia(ctx, msg.Document.FileID, maxBytes)
		if err != nil {
			slog.Warn("failed to download document", "file_id", msg.Document.FileID, "error", err)
		}
		results = append(results, MediaInfo{
			Type:        "document",
			FilePath:    filePath,
			FileID:      msg.Document.FileID,
			ContentType: msg.Document.MimeType,
			FileName:    msg.Document.FileName,
			FileSize:    int64(msg.Document.FileSize),
		})
	}

	return results
}

// downloadMedia downloads a file from Telegram by file_id with retry logic.
// Returns the local file path inside the shared media directory.
func (c *Channel) downloadMedia(ctx context.Context, fileID string, maxBytes int64) (string, error) {
	var file *telego.File
	var err error

	for attempt := 1; attempt <= downloadMaxRetries; attempt++ {
		file, err = c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
		if err == nil {
			break
		}
		if attempt < downloadMaxRetries {
			slog.Debug("retrying file download", "file_id", fileID, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	if err != nil {
		return "", fmt.Errorf("get file info after %d attempts: %w", downloadMaxRetries, err)
	}

	if file.FilePath == "" {
		return "", fmt.Errorf("empty file path for file_id %s", fileID)
	}

	if int64(file.FileSize) > maxBytes {
		return "", fmt.Errorf("file too large: %d bytes (max %d)", file.FileSize, maxBytes)
	}

	downloadURL := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", c.config.Token, file.FilePath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	dir, err := mediaDir()
	if err != nil {
		return "", err
	}

	ext := filepath.Ext(file.FilePath)
	if ext == "" {
		ext = ".bin"
	}
	name := fileID
	if len(name) > 16 {
		name = name[:16]
	}
	dest := filepath.Join(dir, name+ext)

	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("create media file: %w", err)
	}
	defer out.Close()

	written, err := io.Copy(out, io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("save file: %w", err)
	}
	if written > maxBytes {
		os.Remove(dest)
		return "", fmt.Errorf("file exceeds max size during download: %d bytes", written)
	}

	return dest, nil
}

// mediaDir returns the shared media download directory, creating it if needed.
func mediaDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	dir := filepath.Join(home, ".nanoclaw", "media")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}
	return dir, nil
}

// sanitizeImage re-encodes an image as JPEG with a bounded size so it can
// be passed to vision models without oversized or exotic formats. The
// original file is left in place; the sanitized copy is returned.
func sanitizeImage(path string) (string, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("open image: %w", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() > maxImageDim || bounds.Dy() > maxImageDim {
		img = imaging.Fit(img, maxImageDim, maxImageDim, imaging.Lanczos)
	}

	out := strings.TrimSuffix(path, filepath.Ext(path)) + "_safe.jpg"
	if err := imaging.Save(img, out, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("save sanitized image: %w", err)
	}
	return out, nil
}
