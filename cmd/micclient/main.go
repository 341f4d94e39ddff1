// Command micclient is a minimal reference client: it captures microphone
// audio with malgo (the same capture library the teacher's cmd/agent/main.go
// uses for its voice agent) and streams it to a Gateway over the wire
// format in spec §6.1, printing whatever realtime/utterance_end frames come
// back. It exists to exercise the Gateway end to end without a browser.
package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/gen2brain/malgo"
)

const sampleRate = 16000

func buildAudioFrame(pcm []byte) ([]byte, error) {
	meta, err := json.Marshal(struct {
		SampleRate int `json:"sampleRate"`
	}{SampleRate: sampleRate})
	if err != nil {
		return nil, err
	}
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, uint32(len(meta)))
	out := append(header, meta...)
	return append(out, pcm...), nil
}

func main() {
	host := flag.String("host", "localhost:8080", "gateway host:port")
	source := flag.String("source", "en", "source language")
	target := flag.String("target", "en", "target language")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	u := url.URL{Scheme: "ws", Host: *host, Path: "/"}
	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		log.Fatalf("micclient: dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	setLangs, _ := json.Marshal(map[string]string{
		"type":            "set_langs",
		"source_language": *source,
		"target_language": *target,
	})
	if err := conn.Write(ctx, websocket.MessageText, setLangs); err != nil {
		log.Fatalf("micclient: set_langs failed: %v", err)
	}

	go readLoop(ctx, conn)

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		log.Fatalf("micclient: malgo init failed: %v", err)
	}
	defer mctx.Uninit()

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = sampleRate

	onSamples := func(pOutput, pInput []byte, frameCount uint32) {
		if pInput == nil {
			return
		}
		frame, err := buildAudioFrame(pInput)
		if err != nil {
			return
		}
		writeCtx, cancel := context.WithTimeout(ctx, time.Second)
		_ = conn.Write(writeCtx, websocket.MessageBinary, frame)
		cancel()
	}

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onSamples})
	if err != nil {
		log.Fatalf("micclient: device init failed: %v", err)
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		log.Fatalf("micclient: device start failed: %v", err)
	}

	fmt.Println("micclient: streaming microphone audio, press Ctrl+C to exit")
	<-ctx.Done()
}

func readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		fmt.Printf("%s\n", data)
	}
}
