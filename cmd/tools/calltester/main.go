package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	"github.com/zhouzirui/callbridge/internal/audio"
	"github.com/zhouzirui/callbridge/internal/config"
	"github.com/zhouzirui/callbridge/internal/service/adapter/telephony"
)

// frameBytes 是 20ms 的 8kHz μ-law 音频。
const frameBytes = 160

type event struct {
	Event          string         `json:"event"`
	SequenceNumber string         `json:"sequenceNumber,omitempty"`
	StreamSid      string         `json:"streamSid,omitempty"`
	Protocol       string         `json:"protocol,omitempty"`
	Version        string         `json:"version,omitempty"`
	Start          map[string]any `json:"start,omitempty"`
	Media          *media         `json:"media,omitempty"`
	Mark           *mark          `json:"mark,omitempty"`
	Stop           map[string]any `json:"stop,omitempty"`
}

type media struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type mark struct {
	Name string `json:"name"`
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}

	host := cfg.Server.Addr
	if strings.HasPrefix(host, ":") {
		host = "localhost" + host
	}
	defaultURL := "ws://" + host + "/api/telephony/media"

	target := flag.String("url", defaultURL, "媒体流 WebSocket 地址")
	session := flag.String("session", "", "会话 ID，留空则由服务端惰性创建")
	audioPath := flag.String("audio", "", "发送的音频文件 (.ulaw/.raw 为 μ-law，.pcm 为 8kHz 16bit PCM)，留空发送静音")
	outputPath := flag.String("out", "", "保存收到的代理音频 (.pcm 输出 PCM，其他为 μ-law)")
	silence := flag.Duration("silence", 3*time.Second, "未指定音频时发送的静音时长")
	linger := flag.Duration("linger", 5*time.Second, "发送完毕后等待代理回复的时间")
	flag.Parse()

	ulaw, err := loadAudio(*audioPath, *silence)
	if err != nil {
		log.Fatalf("读取音频失败: %v", err)
	}

	sessionID := *session
	endpoint := *target
	if sessionID != "" {
		u, err := url.Parse(endpoint)
		if err != nil {
			log.Fatalf("无效的地址: %v", err)
		}
		q := u.Query()
		q.Set(telephony.ParamSessionID, sessionID)
		u.RawQuery = q.Encode()
		endpoint = u.String()
	}

	conn, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err != nil {
		log.Fatalf("连接失败: %v", err)
	}
	defer conn.Close()

	streamSID := fmt.Sprintf("MZtest%d", time.Now().UnixNano())
	callSID := fmt.Sprintf("CAtest%d", time.Now().UnixNano())
	log.Printf("已连接 %s stream=%s", endpoint, streamSID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu       sync.Mutex
		received []byte
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("连接关闭: %v", err)
				}
				return
			}
			var ev event
			if err := json.Unmarshal(data, &ev); err != nil {
				log.Printf("[WARN] 无法解析服务端消息: %v", err)
				continue
			}
			switch ev.Event {
			case "media":
				if ev.Media == nil {
					continue
				}
				chunk, err := base64.StdEncoding.DecodeString(ev.Media.Payload)
				if err != nil {
					log.Printf("[WARN] 音频负载无效: %v", err)
					continue
				}
				mu.Lock()
				received = append(received, chunk...)
				mu.Unlock()
			case "clear":
				log.Printf("收到 clear，代理被打断")
			case "mark":
				if ev.Mark != nil {
					log.Printf("收到 mark: %s", ev.Mark.Name)
				}
			default:
				log.Printf("收到事件: %s", ev.Event)
			}
		}
	}()

	seq := 1
	send := func(ev event) {
		ev.SequenceNumber = strconv.Itoa(seq)
		seq++
		if err := conn.WriteJSON(ev); err != nil {
			log.Fatalf("发送 %s 失败: %v", ev.Event, err)
		}
	}

	send(event{Event: "connected", Protocol: "Call", Version: "1.0.0"})
	params := map[string]string{}
	if sessionID != "" {
		params[telephony.ParamSessionID] = sessionID
	}
	send(event{
		Event:     "start",
		StreamSid: streamSID,
		Start: map[string]any{
			"streamSid":        streamSID,
			"callSid":          callSID,
			"accountSid":       "ACtest",
			"tracks":           []string{"inbound"},
			"customParameters": params,
			"mediaFormat":      map[string]any{"encoding": "audio/x-mulaw", "sampleRate": 8000, "channels": 1},
		},
	})

	started := time.Now()
	ticker := time.NewTicker(20 * time.Millisecond)
	chunk := 0
	for offset := 0; offset < len(ulaw); offset += frameBytes {
		end := offset + frameBytes
		if end > len(ulaw) {
			end = len(ulaw)
		}
		chunk++
		send(event{
			Event:     "media",
			StreamSid: streamSID,
			Media: &media{
				Track:     "inbound",
				Chunk:     strconv.Itoa(chunk),
				Timestamp: strconv.FormatInt(time.Since(started).Milliseconds(), 10),
				Payload:   base64.StdEncoding.EncodeToString(ulaw[offset:end]),
			},
		})
		<-ticker.C
	}
	ticker.Stop()
	log.Printf("已发送 %d 帧音频，等待代理回复 %s", chunk, *linger)

	select {
	case <-done:
	case <-time.After(*linger):
	}

	send(event{
		Event:     "stop",
		StreamSid: streamSID,
		Stop:      map[string]any{"accountSid": "ACtest", "callSid": callSID},
	})
	cancel()
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

	mu.Lock()
	got := append([]byte(nil), received...)
	mu.Unlock()
	log.Printf("共收到 %d 字节代理音频 (%.1fs)", len(got), float64(len(got))/8000)

	if *outputPath != "" && len(got) > 0 {
		if err := saveAudio(*outputPath, got); err != nil {
			log.Fatalf("保存音频失败: %v", err)
		}
		log.Printf("音频已保存到 %s", *outputPath)
	}
}

func loadAudio(path string, silence time.Duration) ([]byte, error) {
	if path == "" {
		n := int(silence.Seconds() * 8000)
		out := make([]byte, n)
		for i := range out {
			out[i] = 0xFF
		}
		return out, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".pcm") {
		return audio.PCMToMulaw(data)
	}
	return data, nil
}

func saveAudio(path string, ulaw []byte) error {
	if strings.EqualFold(filepath.Ext(path), ".pcm") {
		return os.WriteFile(path, audio.MulawToPCM(ulaw), 0o644)
	}
	return os.WriteFile(path, ulaw, 0o644)
}
