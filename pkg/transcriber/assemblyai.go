package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// AssemblyAI transcribes via AssemblyAI's async upload/submit/poll API.
type AssemblyAI struct {
	apiKey string
}

// NewAssemblyAI builds an AssemblyAI transcriber.
func NewAssemblyAI(apiKey string) *AssemblyAI {
	return &AssemblyAI{apiKey: apiKey}
}

func (a *AssemblyAI) Name() string { return "assemblyai-stt" }

func (a *AssemblyAI) Transcribe(ctx context.Context, audioPCM []byte, sourceLang string) (string, string, error) {
	uploadURL, err := a.upload(ctx, audioPCM)
	if err != nil {
		return "", "", err
	}

	transcriptID, err := a.submit(ctx, uploadURL, sourceLang)
	if err != nil {
		return "", "", err
	}

	for {
		select {
		case <-ctx.Done():
			return "", "", ctx.Err()
		case <-time.After(500 * time.Millisecond):
			text, lang, status, err := a.getTranscript(ctx, transcriptID)
			if err != nil {
				return "", "", err
			}
			if status == "completed" {
				return text, lang, nil
			}
			if status == "error" {
				return "", "", fmt.Errorf("assemblyai transcription failed")
			}
		}
	}
}

func (a *AssemblyAI) upload(ctx context.Context, audioPCM []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", "https://api.assemblyai.com/v2/upload", bytes.NewReader(audioPCM))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", a.apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result struct {
		UploadURL string `json:"upload_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result.UploadURL, nil
}

func (a *AssemblyAI) submit(ctx context.Context, uploadURL, sourceLang string) (string, error) {
	payload := map[string]interface{}{"audio_url": uploadURL}
	if sourceLang != "" {
		payload["language_code"] = sourceLang
	} else {
		payload["language_detection"] = true
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", "https://api.assemblyai.com/v2/transcript", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", a.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result.ID, nil
}

func (a *AssemblyAI) getTranscript(ctx context.Context, id string) (text, lang, status string, err error) {
	req, err := http.NewRequestWithContext(ctx, "GET", "https://api.assemblyai.com/v2/transcript/"+id, nil)
	if err != nil {
		return "", "", "", err
	}
	req.Header.Set("Authorization", a.apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", "", "", err
	}
	defer resp.Body.Close()

	var result struct {
		Status       string `json:"status"`
		Text         string `json:"text"`
		LanguageCode string `json:"language_code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", "", "", err
	}
	return result.Text, result.LanguageCode, result.Status, nil
}
