package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/lokutor-ai/streamcast/pkg/audio"
)

// OpenAI transcribes via the OpenAI Whisper transcriptions endpoint.
type OpenAI struct {
	apiKey string
	url    string
	model  string
}

// NewOpenAI builds an OpenAI transcriber. model defaults to "whisper-1" if
// empty.
func NewOpenAI(apiKey, model string) *OpenAI {
	if model == "" {
		model = "whisper-1"
	}
	return &OpenAI{
		apiKey: apiKey,
		url:    "https://api.openai.com/v1/audio/transcriptions",
		model:  model,
	}
}

func (o *OpenAI) Name() string { return "openai-stt" }

func (o *OpenAI) Transcribe(ctx context.Context, audioPCM []byte, sourceLang string) (string, string, error) {
	wavData := audio.NewWavBuffer(audioPCM, audio.TargetSampleRate)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	if err := writer.WriteField("model", o.model); err != nil {
		return "", "", err
	}
	if sourceLang != "" {
		if err := writer.WriteField("language", sourceLang); err != nil {
			return "", "", err
		}
	}

	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", "", err
	}
	if _, err := part.Write(wavData); err != nil {
		return "", "", err
	}
	if err := writer.Close(); err != nil {
		return "", "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", o.url, body)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", "", fmt.Errorf("openai stt error: %s (status %d)", string(respBody), resp.StatusCode)
	}

	var result struct {
		Text     string `json:"text"`
		Language string `json:"language"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", "", err
	}

	return result.Text, result.Language, nil
}
