package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

const (
	defaultSTTTimeout     = 30 * time.Second
	sttResponseCap        = 1 << 20
	sttTranscribeEndpoint = "/transcribe_audio"
)

// sttResponse is the JSON body returned by the transcription proxy.
type sttResponse struct {
	Transcript string `json:"transcript"`
}

// transcribeAudio sends a downloaded voice file to the configured
// transcription proxy and returns the transcript. Returns ("", nil) when
// no proxy is configured or there is no file, so voice handling degrades
// to a plain attachment.
func (c *Channel) transcribeAudio(ctx context.Context, filePath string) (string, error) {
	if c.config.STTProxyURL == "" || filePath == "" {
		return "", nil
	}

	timeout := time.Duration(c.config.STTTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultSTTTimeout
	}

	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("stt: open audio file %q: %w", filePath, err)
	}
	defer f.Close()

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("file", filepath.Base(filePath))
	if err != nil {
		return "", fmt.Errorf("stt: create form field: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("stt: copy audio into form: %w", err)
	}
	if c.config.STTTenantID != "" {
		if err := form.WriteField("tenant_id", c.config.STTTenantID); err != nil {
			return "", fmt.Errorf("stt: write tenant_id: %w", err)
		}
	}
	if err := form.Close(); err != nil {
		return "", fmt.Errorf("stt: finalize form: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := c.config.STTProxyURL + sttTranscribeEndpoint
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, &body)
	if err != nil {
		return "", fmt.Errorf("stt: build request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	if c.config.STTAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.STTAPIKey)
	}

	slog.Debug("telegram: transcribing voice message", "file", filepath.Base(filePath))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("stt: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, sttResponseCap))
	if err != nil {
		return "", fmt.Errorf("stt: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("stt: upstream returned %d: %s", resp.StatusCode, string(respBody))
	}

	var result sttResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("stt: decode response: %w", err)
	}

	slog.Debug("telegram: transcript received", "length", len(result.Transcript))
	return result.Transcript, nil
}
