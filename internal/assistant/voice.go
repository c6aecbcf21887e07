package assistant

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fluxur-go/internal/common"
	"fluxur-go/internal/config"
)

// 实时语音的采样率：上行 16kHz，下行 24kHz，均为 16 位单声道 PCM。
const (
	InputSampleRate  = 16000
	OutputSampleRate = 24000
)

// VoiceEventType 是语音会话产生的事件种类。
type VoiceEventType string

const (
	VoiceAudio      VoiceEventType = "audio"
	VoiceTranscript VoiceEventType = "transcript"
	VoiceClosed     VoiceEventType = "closed"
	VoiceError      VoiceEventType = "error"
)

// VoiceEvent 是下行的一个事件。
type VoiceEvent struct {
	Type  VoiceEventType
	Audio []byte // VoiceAudio 时为 24kHz PCM
	Text  string // VoiceTranscript 时为增量文本
	Err   error
}

type clientEvent struct {
	Type    string         `json:"type"`
	Audio   string         `json:"audio,omitempty"`
	Session map[string]any `json:"session,omitempty"`
}

type serverEvent struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// VoiceDialer 建立实时语音会话。
type VoiceDialer struct {
	URL    string
	Model  string
	APIKey string
	Dialer *websocket.Dialer
}

// NewVoiceDialer 根据助手配置创建 VoiceDialer。
func NewVoiceDialer(cfg config.AssistantConfig) *VoiceDialer {
	return &VoiceDialer{
		URL:    cfg.RealtimeURL,
		Model:  cfg.RealtimeModel,
		APIKey: cfg.APIKey,
		Dialer: websocket.DefaultDialer,
	}
}

// Dial 连接实时端点并返回会话。
func (d *VoiceDialer) Dial(ctx context.Context) (*VoiceSession, error) {
	if d.URL == "" || d.APIKey == "" {
		return nil, fmt.Errorf("%w: 未配置实时语音", common.ErrAICollaborator)
	}
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: 无效的实时语音地址: %w", common.ErrAICollaborator, err)
	}
	if d.Model != "" {
		q := u.Query()
		q.Set("model", d.Model)
		u.RawQuery = q.Encode()
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+d.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("%w: 连接实时语音失败: %w", common.ErrAICollaborator, err)
	}

	s := &VoiceSession{
		conn:    conn,
		events:  make(chan VoiceEvent, 64),
		started: time.Now(),
	}
	if err := s.write(clientEvent{
		Type: "session.update",
		Session: map[string]any{
			"modalities":          []string{"audio", "text"},
			"input_audio_format":  "pcm16",
			"output_audio_format": "pcm16",
		},
	}); err != nil {
		conn.Close()
		return nil, err
	}
	go s.readLoop()
	return s, nil
}

// VoiceSession 是一次进行中的语音通话。Events 在会话结束后关闭。
type VoiceSession struct {
	conn    *websocket.Conn
	events  chan VoiceEvent
	started time.Time

	writeMu sync.Mutex
	mu      sync.Mutex
	ended   time.Time
	hungUp  bool
}

// Events 返回下行事件。
func (s *VoiceSession) Events() <-chan VoiceEvent {
	return s.events
}

// SendAudio 上传一帧 16kHz PCM 音频。
func (s *VoiceSession) SendAudio(pcm []byte) error {
	return s.write(clientEvent{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// Hangup 主动挂断。重复调用无副作用。
func (s *VoiceSession) Hangup() error {
	s.mu.Lock()
	if s.hungUp {
		s.mu.Unlock()
		return nil
	}
	s.hungUp = true
	s.mu.Unlock()

	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "hangup"),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()
	s.markEnded()
	return s.conn.Close()
}

// Duration 返回通话时长。通话进行中时返回到目前为止的时长。
func (s *VoiceSession) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended.IsZero() {
		return time.Since(s.started)
	}
	return s.ended.Sub(s.started)
}

func (s *VoiceSession) write(ev clientEvent) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(ev); err != nil {
		return fmt.Errorf("%w: 发送语音数据失败: %w", common.ErrAICollaborator, err)
	}
	return nil
}

func (s *VoiceSession) markEnded() {
	s.mu.Lock()
	if s.ended.IsZero() {
		s.ended = time.Now()
	}
	s.mu.Unlock()
}

func (s *VoiceSession) isHungUp() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hungUp
}

func (s *VoiceSession) readLoop() {
	defer close(s.events)
	defer s.markEnded()

	for {
		var ev serverEvent
		if err := s.conn.ReadJSON(&ev); err != nil {
			switch {
			case s.isHungUp(), websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				s.events <- VoiceEvent{Type: VoiceClosed}
			default:
				s.events <- VoiceEvent{Type: VoiceError, Err: fmt.Errorf("%w: %w", common.ErrAICollaborator, err)}
			}
			s.conn.Close()
			return
		}

		switch ev.Type {
		case "response.audio.delta":
			pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
			if err != nil {
				continue
			}
			s.events <- VoiceEvent{Type: VoiceAudio, Audio: pcm}
		case "response.audio_transcript.delta":
			s.events <- VoiceEvent{Type: VoiceTranscript, Text: ev.Delta}
		case "error":
			msg := "未知错误"
			if ev.Error != nil {
				msg = ev.Error.Message
			}
			s.events <- VoiceEvent{Type: VoiceError, Err: fmt.Errorf("%w: %s", common.ErrAICollaborator, msg)}
			s.conn.Close()
			return
		}
	}
}

// IsVoiceEnd 报告事件是否表示会话结束。
func IsVoiceEnd(ev VoiceEvent) bool {
	return ev.Type == VoiceClosed || ev.Type == VoiceError
}
