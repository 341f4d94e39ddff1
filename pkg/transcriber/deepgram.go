package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/lokutor-ai/streamcast/pkg/audio"
)

// Deepgram transcribes via Deepgram's raw-PCM /v1/listen endpoint.
type Deepgram struct {
	apiKey string
	url    string
}

// NewDeepgram builds a Deepgram transcriber.
func NewDeepgram(apiKey string) *Deepgram {
	return &Deepgram{apiKey: apiKey, url: "https://api.deepgram.com/v1/listen"}
}

func (d *Deepgram) Name() string { return "deepgram-stt" }

func (d *Deepgram) Transcribe(ctx context.Context, audioPCM []byte, sourceLang string) (string, string, error) {
	u, err := url.Parse(d.url)
	if err != nil {
		return "", "", err
	}

	params := u.Query()
	params.Set("model", "nova-2")
	params.Set("smart_format", "true")
	if sourceLang != "" {
		params.Set("language", sourceLang)
	} else {
		params.Set("detect_language", "true")
	}
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, "POST", u.String(), bytes.NewReader(audioPCM))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Authorization", "Token "+d.apiKey)
	req.Header.Set("Content-Type", "audio/l16; rate="+strconv.Itoa(audio.TargetSampleRate)+"; channels=1")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", "", fmt.Errorf("deepgram error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Results struct {
			Channels []struct {
				DetectedLanguage string `json:"detected_language"`
				Alternatives     []struct {
					Transcript string `json:"transcript"`
				} `json:"alternatives"`
			} `json:"channels"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", "", err
	}

	if len(result.Results.Channels) == 0 || len(result.Results.Channels[0].Alternatives) == 0 {
		return "", "", nil
	}
	ch := result.Results.Channels[0]
	return ch.Alternatives[0].Transcript, ch.DetectedLanguage, nil
}
