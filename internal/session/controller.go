// Package session 持有“谁登录了”和“正在看什么”，并把用户操作转交给各个服务。
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"fluxur-go/internal/assistant"
	"fluxur-go/internal/common"
	"fluxur-go/internal/logging"
	"fluxur-go/internal/models"
	"fluxur-go/internal/services"
	"fluxur-go/internal/visibility"
)

// View 是当前的界面焦点。
type View string

const (
	ViewAuth     View = "auth"
	ViewChats    View = "chats"
	ViewProfile  View = "profile"
	ViewSettings View = "settings"
	ViewAdmin    View = "admin"
)

// DefaultSnapshotKey 是单用户客户端使用的快照键。
const DefaultSnapshotKey = "session"

// AI 回复在后台执行的超时时间。
const replyTimeout = 2 * time.Minute

// Notice 是一条需要告知用户的非阻塞提示。
type Notice struct {
	ConversationID string `json:"conversationId,omitempty"`
	Text           string `json:"text"`
	Err            error  `json:"-"`
}

// State 是会话状态的只读快照。
type State struct {
	Viewer               *models.User `json:"viewer,omitempty"`
	View                 View         `json:"view"`
	ActiveConversationID string       `json:"activeConversationId,omitempty"`
	ChatSearch           string       `json:"chatSearch,omitempty"`
	MessageSearch        string       `json:"messageSearch,omitempty"`
	ModerationOpen       bool         `json:"moderationOpen,omitempty"`
	AITyping             bool         `json:"aiTyping,omitempty"`
	Summary              string       `json:"summary,omitempty"`
	Suggestion           string       `json:"suggestion,omitempty"`
	InCall               bool         `json:"inCall,omitempty"`
}

// Deps 是 Controller 的依赖。Assistant、Voice、Snapshots、OnNotice 都可以为空。
type Deps struct {
	Identity      services.IdentityService
	Conversations services.ConversationService
	Assistant     services.AssistantService
	Voice         *assistant.VoiceDialer
	Snapshots     SnapshotStore
	SnapshotKey   string
	OnNotice      func(Notice)
	Now           func() time.Time
	Log           logging.Logger
}

// Controller 是一个客户端会话。方法可以并发调用。
type Controller struct {
	identity      services.IdentityService
	conversations services.ConversationService
	assistant     services.AssistantService
	voice         *assistant.VoiceDialer
	snapshots     SnapshotStore
	snapshotKey   string
	onNotice      func(Notice)
	now           func() time.Time
	log           logging.Logger

	mu             sync.Mutex
	viewer         *models.User
	token          string
	view           View
	activeID       string
	chatSearch     string
	messageSearch  string
	moderationOpen bool
	summary        string
	suggestion     string
	pending        map[string]int
	call           *assistant.VoiceSession
	callConvID     string

	wg sync.WaitGroup
}

// NewController 创建未登录的会话。
func NewController(deps Deps) *Controller {
	key := deps.SnapshotKey
	if key == "" {
		key = DefaultSnapshotKey
	}
	log := deps.Log
	if log == nil {
		log = logging.Nop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Controller{
		identity:      deps.Identity,
		conversations: deps.Conversations,
		assistant:     deps.Assistant,
		voice:         deps.Voice,
		snapshots:     deps.Snapshots,
		snapshotKey:   key,
		onNotice:      deps.OnNotice,
		now:           now,
		log:           log.With("component", "session"),
		view:          ViewAuth,
		pending:       make(map[string]int),
	}
}

// Login 校验凭据并进入会话列表，必要时创建 AI 会话。
func (c *Controller) Login(ctx context.Context, login, password string) (*models.User, error) {
	token, user, err := c.identity.Login(ctx, login, password)
	if err != nil {
		return nil, err
	}
	c.enter(ctx, user, token, ViewChats, "")
	return user, nil
}

// Register 创建账号并直接登录。
func (c *Controller) Register(ctx context.Context, name, login, password string) (*models.User, error) {
	if _, err := c.identity.Register(ctx, name, login, password); err != nil {
		return nil, err
	}
	return c.Login(ctx, login, password)
}

// Attach 以已认证的用户进入会话，用于持有有效令牌的连接。
func (c *Controller) Attach(ctx context.Context, userID, token string) (*models.User, error) {
	user, err := c.identity.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.IsBlocked && !c.identity.IsDeveloperLogin(user.Login) {
		return nil, common.ErrAccountBlocked
	}
	c.enter(ctx, user, token, ViewChats, "")
	return user, nil
}

// Restore 尽力从快照恢复会话。userID 非空时只恢复该用户的快照。
// 用户不存在或已被封禁时快照被丢弃。
func (c *Controller) Restore(ctx context.Context, userID string) (*models.User, error) {
	if c.snapshots == nil {
		return nil, common.ErrNotFound
	}
	snap, err := loadSnapshot(ctx, c.snapshots, c.snapshotKey)
	if err != nil {
		c.log.Warn(ctx, "读取会话快照失败", "error", err)
		return nil, common.ErrNotFound
	}
	if snap == nil || snap.UserID == "" || (userID != "" && snap.UserID != userID) {
		return nil, common.ErrNotFound
	}

	user, err := c.identity.GetUser(ctx, snap.UserID)
	if err == nil && user.IsBlocked && !c.identity.IsDeveloperLogin(user.Login) {
		err = common.ErrAccountBlocked
	}
	if err != nil {
		c.dropSnapshot(ctx)
		return nil, err
	}

	view := snap.View
	if view == ViewAuth || (view == ViewAdmin && !user.IsPrivileged()) || !validView(view) {
		view = ViewChats
	}
	active := ""
	if snap.ActiveConversationID != "" {
		if conv, err := c.conversations.Get(ctx, snap.ActiveConversationID); err == nil && visibility.CanSee(user, conv, c.now()) {
			active = conv.ID
		}
	}
	token, err := c.identity.IssueToken(user)
	if err != nil {
		return nil, err
	}
	c.enter(ctx, user, token, view, active)
	return user, nil
}

// Logout 结束会话并删除快照。进行中的通话被挂断。
func (c *Controller) Logout(ctx context.Context) {
	c.mu.Lock()
	call := c.call
	c.viewer = nil
	c.token = ""
	c.view = ViewAuth
	c.call = nil
	c.callConvID = ""
	c.resetTransientLocked()
	c.activeID = ""
	c.chatSearch = ""
	c.mu.Unlock()

	if call != nil {
		_ = call.Hangup()
	}
	c.dropSnapshot(ctx)
}

// Viewer 返回当前用户，未登录时为 nil。
func (c *Controller) Viewer() *models.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewer.Clone()
}

// Token 返回本次会话的访问令牌。
func (c *Controller) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// State 返回当前状态。
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Viewer:               c.viewer.Clone(),
		View:                 c.view,
		ActiveConversationID: c.activeID,
		ChatSearch:           c.chatSearch,
		MessageSearch:        c.messageSearch,
		ModerationOpen:       c.moderationOpen,
		AITyping:             c.activeID != "" && c.pending[c.activeID] > 0,
		Summary:              c.summary,
		Suggestion:           c.suggestion,
		InCall:               c.call != nil,
	}
}

// SetView 切换界面焦点。管理面板只对管理员和开发者开放。
func (c *Controller) SetView(ctx context.Context, v View) error {
	if !validView(v) {
		return fmt.Errorf("%w: 未知视图 %q", common.ErrInvalidField, v)
	}
	c.mu.Lock()
	if c.viewer == nil {
		c.mu.Unlock()
		return common.ErrNotAuthorized
	}
	if v == ViewAdmin && !c.viewer.IsPrivileged() {
		c.mu.Unlock()
		return common.ErrNotAuthorized
	}
	c.view = v
	c.mu.Unlock()
	c.persist(ctx)
	return nil
}

// SelectConversation 切换当前会话，id 为空表示取消选择。
// 与会话相关的临时状态（消息搜索、管理面板、摘要）随之清空。
func (c *Controller) SelectConversation(ctx context.Context, id string) error {
	viewer := c.Viewer()
	if viewer == nil {
		return common.ErrNotAuthorized
	}
	if id != "" {
		conv, err := c.conversations.Get(ctx, id)
		if err != nil {
			return err
		}
		if !visibility.CanSee(viewer, conv, c.now()) {
			return common.ErrNotAuthorized
		}
	}

	c.mu.Lock()
	c.activeID = id
	c.resetTransientLocked()
	c.mu.Unlock()
	c.persist(ctx)
	return nil
}

// SetChatSearch 设置会话列表的搜索词。
func (c *Controller) SetChatSearch(q string) {
	c.mu.Lock()
	c.chatSearch = q
	c.mu.Unlock()
}

// SetMessageSearch 设置当前会话内的消息搜索词。
func (c *Controller) SetMessageSearch(q string) {
	c.mu.Lock()
	c.messageSearch = q
	c.mu.Unlock()
}

// SetModerationOpen 打开或关闭当前会话的管理面板。
func (c *Controller) SetModerationOpen(open bool) {
	c.mu.Lock()
	c.moderationOpen = open
	c.mu.Unlock()
}

// Conversations 返回当前用户可见、且匹配会话搜索词的会话。
func (c *Controller) Conversations() []*models.Conversation {
	c.mu.Lock()
	viewer, q := c.viewer, c.chatSearch
	c.mu.Unlock()
	if viewer == nil {
		return nil
	}
	return c.conversations.Visible(viewer, q)
}

// ActiveConversation 返回当前会话，未选择时为 nil。
func (c *Controller) ActiveConversation(ctx context.Context) (*models.Conversation, error) {
	c.mu.Lock()
	id := c.activeID
	c.mu.Unlock()
	if id == "" {
		return nil, nil
	}
	conv, err := c.conversations.Get(ctx, id)
	if errors.Is(err, common.ErrNotFound) {
		c.ConversationRemoved(ctx, id)
		return nil, nil
	}
	return conv, err
}

// Messages 返回当前会话中匹配消息搜索词的消息。
func (c *Controller) Messages(ctx context.Context) ([]models.Message, error) {
	c.mu.Lock()
	viewer, id, q := c.viewer, c.activeID, c.messageSearch
	c.mu.Unlock()
	if viewer == nil || id == "" {
		return nil, nil
	}
	return c.conversations.Messages(ctx, viewer, id, q)
}

// CreateConversation 创建群组或频道并选中它。
func (c *Controller) CreateConversation(ctx context.Context, name string, convType models.ConversationType, handle string) (*models.Conversation, error) {
	viewer := c.Viewer()
	if viewer == nil {
		return nil, common.ErrNotAuthorized
	}
	conv, err := c.conversations.CreateConversation(ctx, viewer, name, convType, handle)
	if err != nil {
		return nil, err
	}
	c.focus(ctx, conv.ID)
	return conv, nil
}

// StartDirect 打开与 peerID 的私聊并选中它。
func (c *Controller) StartDirect(ctx context.Context, peerID string) (*models.Conversation, error) {
	viewer := c.Viewer()
	if viewer == nil {
		return nil, common.ErrNotAuthorized
	}
	conv, err := c.conversations.StartDirect(ctx, viewer, peerID)
	if err != nil {
		return nil, err
	}
	c.focus(ctx, conv.ID)
	return conv, nil
}

// JoinChannel 加入频道并选中它。
func (c *Controller) JoinChannel(ctx context.Context, convID string) (*models.Conversation, error) {
	viewer := c.Viewer()
	if viewer == nil {
		return nil, common.ErrNotAuthorized
	}
	conv, err := c.conversations.JoinChannel(ctx, viewer, convID)
	if err != nil {
		return nil, err
	}
	c.focus(ctx, conv.ID)
	return conv, nil
}

// DeleteConversation 删除会话；正在查看该会话时清空选择。
func (c *Controller) DeleteConversation(ctx context.Context, convID string) error {
	viewer := c.Viewer()
	if viewer == nil {
		return common.ErrNotAuthorized
	}
	if err := c.conversations.DeleteConversation(ctx, viewer, convID); err != nil {
		return err
	}
	c.ConversationRemoved(ctx, convID)
	return nil
}

// ConversationRemoved 在会话被删除（本地或远端）后调用。
func (c *Controller) ConversationRemoved(ctx context.Context, convID string) {
	c.mu.Lock()
	if c.activeID != convID {
		c.mu.Unlock()
		return
	}
	c.activeID = ""
	c.resetTransientLocked()
	c.mu.Unlock()
	c.persist(ctx)
}

// SendMessage 在当前会话中发送消息。在 AI 会话中还会在后台请求助手回复，
// 回复按会话 ID 写回，与之后选中哪个会话无关。
// 因状态过期导致的无权限或会话封禁被静默忽略，返回 nil, nil。
func (c *Controller) SendMessage(ctx context.Context, text string, file *models.FileAttachment) (*models.Message, error) {
	c.mu.Lock()
	viewer, id := c.viewer, c.activeID
	c.mu.Unlock()
	if viewer == nil || id == "" {
		return nil, nil
	}

	conv, err := c.conversations.Get(ctx, id)
	if errors.Is(err, common.ErrNotFound) {
		c.ConversationRemoved(ctx, id)
		return nil, nil
	}
	if err != nil {
		return nil, c.fail(ctx, id, err)
	}

	msg, err := c.conversations.AppendMessage(ctx, id, viewer, models.Message{Text: text, File: file})
	switch {
	case services.IsSilent(err):
		c.log.Debug(ctx, "忽略无权限的发送", "conversation_id", id, "error", err)
		return nil, nil
	case err != nil:
		return nil, c.fail(ctx, id, err)
	}

	c.mu.Lock()
	c.suggestion = ""
	c.mu.Unlock()

	if conv.Type == models.ConversationAI && c.assistant != nil {
		c.startReply(id)
	}
	return msg, nil
}

func (c *Controller) startReply(convID string) {
	c.mu.Lock()
	c.pending[convID]++
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			if c.pending[convID]--; c.pending[convID] <= 0 {
				delete(c.pending, convID)
			}
			c.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
		defer cancel()
		_, err := c.assistant.Reply(ctx, convID)
		switch {
		case err == nil:
		case errors.Is(err, common.ErrNotFound):
			// 会话在等待期间被删除
			c.log.Debug(ctx, "会话已删除，丢弃 AI 回复", "conversation_id", convID)
		case services.IsSilent(err):
			// 会话在等待期间被封禁
			c.log.Debug(ctx, "会话已封禁，丢弃 AI 回复", "conversation_id", convID)
		case errors.Is(err, common.ErrAICollaborator):
			c.notify(Notice{ConversationID: convID, Text: "AI assistant is unavailable right now. Please try again.", Err: err})
		default:
			_ = c.fail(ctx, convID, err)
		}
	}()
}

// Wait 等待所有后台的 AI 回复结束。
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Summarize 总结当前会话并保存结果。
func (c *Controller) Summarize(ctx context.Context) (string, error) {
	viewer, id, err := c.requireActive()
	if err != nil {
		return "", err
	}
	if c.assistant == nil {
		return "", fmt.Errorf("%w: 未配置 AI 助手", common.ErrAICollaborator)
	}
	summary, err := c.assistant.Summarize(ctx, viewer, id)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	if c.activeID == id {
		c.summary = summary
	}
	c.mu.Unlock()
	return summary, nil
}

// SuggestReply 为当前会话生成一条建议回复。
func (c *Controller) SuggestReply(ctx context.Context) (string, error) {
	viewer, id, err := c.requireActive()
	if err != nil {
		return "", err
	}
	if c.assistant == nil {
		return "", fmt.Errorf("%w: 未配置 AI 助手", common.ErrAICollaborator)
	}
	suggestion, err := c.assistant.SuggestReply(ctx, viewer, id)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	if c.activeID == id {
		c.suggestion = suggestion
	}
	c.mu.Unlock()
	return suggestion, nil
}

// LogCall 在当前会话中记录一次通话。
func (c *Controller) LogCall(ctx context.Context, duration time.Duration) (*models.Message, error) {
	viewer, id, err := c.requireActive()
	if err != nil {
		return nil, err
	}
	msg, err := c.conversations.LogCall(ctx, id, viewer, duration)
	if services.IsSilent(err) {
		return nil, nil
	}
	return msg, err
}

// StartCall 与 AI 助手开始实时语音通话。同一时间只能有一通电话。
func (c *Controller) StartCall(ctx context.Context) (*assistant.VoiceSession, error) {
	_, id, err := c.requireActive()
	if err != nil {
		return nil, err
	}
	if c.voice == nil {
		return nil, fmt.Errorf("%w: 未配置实时语音", common.ErrAICollaborator)
	}
	c.mu.Lock()
	busy := c.call != nil
	c.mu.Unlock()
	if busy {
		return nil, fmt.Errorf("%w: 已在通话中", common.ErrInvalidField)
	}

	call, err := c.voice.Dial(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.call = call
	c.callConvID = id
	c.mu.Unlock()
	return call, nil
}

// EndCall 挂断当前通话，并在发起通话的会话中写入通话记录。
func (c *Controller) EndCall(ctx context.Context) (*models.Message, error) {
	c.mu.Lock()
	call, id, viewer := c.call, c.callConvID, c.viewer
	c.call = nil
	c.callConvID = ""
	c.mu.Unlock()
	if call == nil || viewer == nil {
		return nil, nil
	}

	if err := call.Hangup(); err != nil {
		c.log.Debug(ctx, "挂断语音连接出错", "error", err)
	}
	msg, err := c.conversations.LogCall(ctx, id, viewer, call.Duration())
	switch {
	case errors.Is(err, common.ErrNotFound), services.IsSilent(err):
		return nil, nil
	case err != nil:
		return nil, c.fail(ctx, id, err)
	}
	return msg, nil
}

// UpdateProfile 修改当前用户的资料。
func (c *Controller) UpdateProfile(ctx context.Context, upd services.ProfileUpdate) (*models.User, error) {
	viewer := c.Viewer()
	if viewer == nil {
		return nil, common.ErrNotAuthorized
	}
	user, err := c.identity.UpdateProfile(ctx, viewer.ID, upd)
	if err != nil {
		return nil, err
	}
	c.UserChanged(ctx, user)
	return user, nil
}

// UserChanged 在当前用户的资料被更新（本地或远端）后调用。
// 用户被封禁时会话被注销，开发者账号除外。返回 false 表示会话已结束。
func (c *Controller) UserChanged(ctx context.Context, user *models.User) bool {
	c.mu.Lock()
	if c.viewer == nil || c.viewer.ID != user.ID {
		active := c.viewer != nil
		c.mu.Unlock()
		return active
	}
	c.viewer = user.Clone()
	if c.view == ViewAdmin && !user.IsPrivileged() {
		c.view = ViewChats
	}
	c.mu.Unlock()

	if user.IsBlocked && !c.identity.IsDeveloperLogin(user.Login) {
		c.log.Info(ctx, "用户已被封禁，结束会话", "user_id", user.ID)
		c.Logout(ctx)
		return false
	}
	return true
}

func (c *Controller) enter(ctx context.Context, user *models.User, token string, view View, active string) {
	c.mu.Lock()
	c.viewer = user.Clone()
	c.token = token
	c.view = view
	c.activeID = active
	c.chatSearch = ""
	c.resetTransientLocked()
	c.mu.Unlock()

	if _, created, err := c.conversations.EnsureAIConversation(ctx, user); err != nil {
		c.log.Warn(ctx, "创建 AI 会话失败", "user_id", user.ID, "error", err)
		c.notify(Notice{Text: "Could not prepare your AI assistant chat. It will appear once the connection recovers.", Err: err})
	} else if created {
		c.log.Info(ctx, "已创建 AI 会话", "user_id", user.ID)
	}
	c.persist(ctx)
}

func (c *Controller) focus(ctx context.Context, id string) {
	c.mu.Lock()
	c.activeID = id
	c.resetTransientLocked()
	c.mu.Unlock()
	c.persist(ctx)
}

func (c *Controller) requireActive() (*models.User, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.viewer == nil || c.activeID == "" {
		return nil, "", common.ErrNotAuthorized
	}
	return c.viewer.Clone(), c.activeID, nil
}

func (c *Controller) resetTransientLocked() {
	c.messageSearch = ""
	c.moderationOpen = false
	c.summary = ""
	c.suggestion = ""
}

// fail 把存储错误转成一次提示，并原样返回错误。
func (c *Controller) fail(ctx context.Context, convID string, err error) error {
	if errors.Is(err, common.ErrExternalStore) {
		c.log.Warn(ctx, "写入未提交", "conversation_id", convID, "error", err)
		c.notify(Notice{ConversationID: convID, Text: "Could not save your change. It will be retried when the connection recovers.", Err: err})
		return err
	}
	c.notify(Notice{ConversationID: convID, Text: firstLine(err.Error()), Err: err})
	return err
}

func (c *Controller) notify(n Notice) {
	if c.onNotice != nil {
		c.onNotice(n)
	}
}

func (c *Controller) persist(ctx context.Context) {
	if c.snapshots == nil {
		return
	}
	c.mu.Lock()
	if c.viewer == nil {
		c.mu.Unlock()
		return
	}
	snap := Snapshot{
		UserID:               c.viewer.ID,
		View:                 c.view,
		ActiveConversationID: c.activeID,
		SavedAt:              c.now().UnixMilli(),
	}
	c.mu.Unlock()

	if err := saveSnapshot(ctx, c.snapshots, c.snapshotKey, snap); err != nil {
		c.log.Warn(ctx, "保存会话快照失败", "error", err)
	}
}

func (c *Controller) dropSnapshot(ctx context.Context) {
	if c.snapshots == nil {
		return
	}
	if err := c.snapshots.DeleteSnapshot(ctx, c.snapshotKey); err != nil {
		c.log.Warn(ctx, "删除会话快照失败", "error", err)
	}
}

func validView(v View) bool {
	switch v {
	case ViewAuth, ViewChats, ViewProfile, ViewSettings, ViewAdmin:
		return true
	}
	return false
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
