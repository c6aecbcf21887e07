package websocket

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fluxur-go/internal/assistant"
	"fluxur-go/internal/common"
	"fluxur-go/internal/config"
	"fluxur-go/internal/imtypes"
	"fluxur-go/internal/models"
	"fluxur-go/internal/projection"
	"fluxur-go/internal/replica"
	"fluxur-go/internal/session"
	"fluxur-go/internal/visibility"
)

// 配置项为 0 时使用的默认值。
const (
	writeWait = 10 * time.Second

	pongWait = 60 * time.Second

	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 64 * 1024
)

var newline = []byte("\n")

// SessionFactory 为新连接创建会话。onNotice 把会话提示推送回该连接。
type SessionFactory func(userID string, onNotice func(session.Notice)) *session.Controller

// UserLookup 按 ID 查找用户，用于私聊的显示名称。
type UserLookup func(id string) (*models.User, bool)

// Server 把 HTTP 连接升级为 WebSocket，并为每个连接创建一个会话。
type Server struct {
	hub        *Hub
	cfg        config.WebSocketConfig
	newSession SessionFactory
	lookup     UserLookup
	now        func() time.Time
}

func NewServer(hub *Hub, cfg config.WebSocketConfig, newSession SessionFactory, lookup UserLookup) *Server {
	return &Server{hub: hub, cfg: cfg, newSession: newSession, lookup: lookup, now: time.Now}
}

// Client 是一个 WebSocket 连接与它持有的会话。
type Client struct {
	hub *Hub

	server *Server

	conn *websocket.Conn

	send chan []byte

	UserID string

	session *session.Controller

	mu    sync.Mutex
	known map[string]bool // 已推送给客户端的会话
	call  *assistant.VoiceSession
}

// ServeWs 为已认证的用户建立连接。优先从快照恢复会话，否则直接进入会话列表。
func (s *Server) ServeWs(w http.ResponseWriter, r *http.Request, userID, token string) {
	client := &Client{
		hub:    s.hub,
		server: s,
		send:   make(chan []byte, 256),
		UserID: userID,
		known:  make(map[string]bool),
	}
	client.session = s.newSession(userID, client.notice)

	// 请求上下文在 ServeWs 返回后就会被取消，连接需要自己的生命周期。
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	if _, err := client.session.Restore(ctx, userID); err != nil {
		if _, err := client.session.Attach(ctx, userID, token); err != nil {
			cancel()
			log.Printf("WebSocket 连接被拒绝 (用户: %s): %v", userID, err)
			http.Error(w, err.Error(), httpStatus(err))
			return
		}
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		cancel()
		log.Println("ServeWs - Upgrade失败:", err)
		return
	}
	client.conn = conn

	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		cancel()
		conn.Close()
		return
	}
	client.pushState(ctx)

	go client.writePump()
	go client.readPump(ctx, cancel)
}

func (c *Client) readPump(ctx context.Context, cancel context.CancelFunc) {
	defer func() {
		c.hangup()
		cancel()
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	pong := seconds(c.server.cfg.PongWaitSeconds, pongWait)
	limit := int64(c.server.cfg.MaxMessageSizeBytes)
	if limit <= 0 {
		limit = maxMessageSize
	}
	c.conn.SetReadLimit(limit)
	c.conn.SetReadDeadline(time.Now().Add(pong))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pong))
		return nil
	})

	for {
		messageType, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket 错误 (客户端: %s): %v", c.UserID, err)
			}
			break
		}
		if messageType != websocket.TextMessage {
			log.Printf("警告: 客户端 %s 发送了非文本消息类型: %d", c.UserID, messageType)
			continue
		}

		var frame imtypes.ClientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			log.Printf("错误: 无法反序列化来自客户端 %s 的JSON: %v", c.UserID, err)
			continue
		}
		if err := c.dispatch(ctx, frame); err != nil {
			c.notice(session.Notice{Text: firstLine(err.Error()), Err: err})
		}
		if c.session.Viewer() == nil {
			break
		}
	}
}

// writePump 把 Hub 投递的帧写到连接上。队列中积压的帧用换行拼进同一条消息。
func (c *Client) writePump() {
	wait := seconds(c.server.cfg.WriteWaitSeconds, writeWait)
	ticker := time.NewTicker(seconds(c.server.cfg.PingPeriodSeconds, pingPeriod))
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for range n {
				w.Write(newline)
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) dispatch(ctx context.Context, f imtypes.ClientFrame) error {
	switch f.Type {
	case imtypes.FrameSelect:
		if err := c.session.SelectConversation(ctx, f.ConversationID); err != nil {
			return err
		}
	case imtypes.FrameSearchChats:
		c.session.SetChatSearch(f.Query)
	case imtypes.FrameSearchMessages:
		c.session.SetMessageSearch(f.Query)
	case imtypes.FrameView:
		if err := c.session.SetView(ctx, session.View(f.View)); err != nil {
			return err
		}
	case imtypes.FrameSend:
		// 发送失败时会话已经发出提示。
		if _, err := c.session.SendMessage(ctx, f.Text, f.File); err != nil {
			log.Printf("客户端 %s 发送消息失败: %v", c.UserID, err)
		}
	case imtypes.FrameSummarize:
		summary, err := c.session.Summarize(ctx)
		if err != nil {
			return err
		}
		c.queue(imtypes.ServerFrame{Type: imtypes.FrameSummary, Text: summary})
		return nil
	case imtypes.FrameSuggest:
		suggestion, err := c.session.SuggestReply(ctx)
		if err != nil {
			return err
		}
		c.queue(imtypes.ServerFrame{Type: imtypes.FrameSuggestion, Text: suggestion})
		return nil
	case imtypes.FrameCallStart:
		if err := c.startCall(ctx); err != nil {
			return err
		}
	case imtypes.FrameCallAudio:
		return c.sendAudio(f.Audio)
	case imtypes.FrameCallHangup:
		c.hangup()
		return nil
	default:
		log.Printf("收到未知类型的帧: %s", f.Type)
		return nil
	}
	c.pushState(ctx)
	return nil
}

// handleChange 把一次投影变更转换成发给该连接的帧。只在 Hub 的 Run 中调用，
// 返回的帧由 Hub 直接写入发送队列。
func (c *Client) handleChange(ctx context.Context, ch projection.Change) [][]byte {
	viewer := c.session.Viewer()
	if viewer == nil {
		return nil
	}

	switch ch.Collection {
	case replica.CollectionUsers:
		if ch.Deleted || ch.User == nil || ch.User.ID != viewer.ID {
			return nil
		}
		if !c.session.UserChanged(ctx, ch.User) {
			c.closeWith(websocket.ClosePolicyViolation, "account blocked")
			return nil
		}
		if frame, ok := c.stateFrame(ctx); ok {
			return c.encode(frame)
		}

	case replica.CollectionConversations:
		if ch.Deleted || !visibility.CanSee(viewer, ch.Conversation, c.server.now()) {
			c.session.ConversationRemoved(ctx, ch.ID)
			c.mu.Lock()
			wasKnown := c.known[ch.ID]
			delete(c.known, ch.ID)
			c.mu.Unlock()
			if wasKnown {
				return c.encode(imtypes.ServerFrame{Type: imtypes.FrameConversationDeleted, ConversationID: ch.ID})
			}
			return nil
		}

		c.mu.Lock()
		c.known[ch.ID] = true
		c.mu.Unlock()
		view := c.view(viewer, ch.Conversation)
		frame := imtypes.ServerFrame{Type: imtypes.FrameConversationUpdated, Conversation: &view}
		if st := c.session.State(); st.ActiveConversationID == ch.ID {
			frame.State = st
			frame.Messages = visibility.Messages(ch.Conversation, st.MessageSearch)
		}
		return c.encode(frame)
	}
	return nil
}

// pushState 推送完整状态：会话列表以及当前会话的消息。
func (c *Client) pushState(ctx context.Context) {
	if frame, ok := c.stateFrame(ctx); ok {
		c.queue(frame)
	}
}

func (c *Client) stateFrame(ctx context.Context) (imtypes.ServerFrame, bool) {
	st := c.session.State()
	if st.Viewer == nil {
		return imtypes.ServerFrame{}, false
	}
	convs := c.session.Conversations()
	views := make([]imtypes.ConversationView, 0, len(convs))
	c.mu.Lock()
	for _, conv := range convs {
		c.known[conv.ID] = true
		views = append(views, c.view(st.Viewer, conv))
	}
	c.mu.Unlock()

	frame := imtypes.ServerFrame{Type: imtypes.FrameState, State: st, Conversations: views}
	if st.ActiveConversationID != "" {
		msgs, err := c.session.Messages(ctx)
		if err != nil {
			log.Printf("读取会话 %s 的消息失败: %v", st.ActiveConversationID, err)
		}
		frame.Messages = msgs
	}
	return frame, true
}

func (c *Client) view(viewer *models.User, conv *models.Conversation) imtypes.ConversationView {
	return imtypes.ConversationView{
		ID:                   conv.ID,
		Name:                 visibility.DisplayName(viewer, conv, c.server.lookup),
		Handle:               conv.Handle,
		Type:                 conv.Type,
		Participants:         visibility.Participants(conv, c.server.now()),
		CreatorID:            conv.CreatorID,
		IsBlocked:            conv.IsBlocked,
		IsPermanentlyBlocked: conv.IsPermanentlyBlocked,
		LastMessage:          conv.LastMessage,
		UpdatedAt:            conv.UpdatedAt,
	}
}

func (c *Client) startCall(ctx context.Context) error {
	call, err := c.session.StartCall(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.call = call
	c.mu.Unlock()
	go c.forwardCall(context.WithoutCancel(ctx), call)
	return nil
}

// forwardCall 把语音事件转发给客户端，通话结束后写入通话记录。
func (c *Client) forwardCall(ctx context.Context, call *assistant.VoiceSession) {
	for ev := range call.Events() {
		switch ev.Type {
		case assistant.VoiceAudio:
			c.queue(imtypes.ServerFrame{Type: imtypes.FrameCallAudioOut, Audio: base64.StdEncoding.EncodeToString(ev.Audio)})
		case assistant.VoiceTranscript:
			c.queue(imtypes.ServerFrame{Type: imtypes.FrameCallTranscript, Text: ev.Text})
		case assistant.VoiceError:
			log.Printf("用户 %s 的语音通话出错: %v", c.UserID, ev.Err)
		}
	}

	c.mu.Lock()
	if c.call == call {
		c.call = nil
	}
	c.mu.Unlock()

	msg, err := c.session.EndCall(ctx)
	if err != nil {
		log.Printf("用户 %s 的通话记录写入失败: %v", c.UserID, err)
	}
	c.queue(imtypes.ServerFrame{Type: imtypes.FrameCallEnded, Message: msg})
}

func (c *Client) sendAudio(encoded string) error {
	c.mu.Lock()
	call := c.call
	c.mu.Unlock()
	if call == nil {
		return nil
	}
	pcm, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		log.Printf("错误: 无法解码来自客户端 %s 的音频 Base64内容: %v", c.UserID, err)
		return nil
	}
	return call.SendAudio(pcm)
}

func (c *Client) hangup() {
	c.mu.Lock()
	call := c.call
	c.mu.Unlock()
	if call != nil {
		_ = call.Hangup()
	}
}

func (c *Client) notice(n session.Notice) {
	c.queue(imtypes.ServerFrame{Type: imtypes.FrameNotice, ConversationID: n.ConversationID, Text: n.Text})
}

func (c *Client) queue(frame imtypes.ServerFrame) {
	for _, payload := range c.encode(frame) {
		c.hub.deliver(c, payload)
	}
}

func (c *Client) encode(frame imtypes.ServerFrame) [][]byte {
	payload, err := json.Marshal(frame)
	if err != nil {
		log.Printf("错误: 无法序列化发给用户 %s 的帧: %v", c.UserID, err)
		return nil
	}
	return [][]byte{payload}
}

func (c *Client) closeWith(code int, reason string) {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(writeWait))
	c.conn.Close()
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, common.ErrAccountBlocked), errors.Is(err, common.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, common.ErrNotFound):
		return http.StatusUnauthorized
	case errors.Is(err, common.ErrExternalStore):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func seconds(n int, fallback time.Duration) time.Duration {
	if n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
