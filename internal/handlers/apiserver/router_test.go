package apiserver

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fluxur-go/internal/assistant"
	"fluxur-go/internal/auth"
	"fluxur-go/internal/config"
	"fluxur-go/internal/imtypes"
	"fluxur-go/internal/logging"
	"fluxur-go/internal/models"
	"fluxur-go/internal/projection"
	"fluxur-go/internal/replica"
	"fluxur-go/internal/services"
	"fluxur-go/internal/storage"
)

type stubAI struct{}

func (stubAI) Continue(context.Context, []assistant.Turn, string) (string, error) {
	return "hello from ai", nil
}

func (stubAI) Summarize(context.Context, string) (string, error) { return "summary", nil }

func (stubAI) SmartReply(context.Context, []assistant.Turn) (string, error) { return "ok!", nil }

type apiEnv struct {
	t       *testing.T
	handler http.Handler
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	ctx := context.Background()
	log := logging.Nop()

	store := replica.NewMemoryStore()
	proj := projection.New(store, nil, log)
	require.NoError(t, proj.Start(ctx))
	t.Cleanup(proj.Stop)

	cfg := config.Config{
		Auth:     config.AuthConfig{JWTSecretKey: "secret", JWTExpiry: time.Hour},
		Identity: config.IdentityConfig{DeveloperLogin: "stephan_rogovoy"},
		Storage:  config.StorageConfig{Type: "local", LocalPath: t.TempDir(), MaxFileSizeMB: 1},
	}
	writer := services.NewRecordWriter(store, proj, nil, nil, log)
	identity := services.NewIdentityService(storage.NewMemoryCredentialRepository(), writer, cfg, log)
	conversations := services.NewConversationService(writer, nil, log)
	moderation := services.NewModerationService(writer, identity, log)
	assist := services.NewAssistantService(conversations, stubAI{}, log)
	require.NoError(t, identity.EnsureAIUser(ctx))

	files, err := storage.NewLocalStorageService(cfg.Storage, "/uploads")
	require.NoError(t, err)

	router := NewRouter(Handlers{
		Auth:         NewAuthHandler(identity, conversations, auth.NewMemoryBlacklist()),
		User:         NewUserHandler(identity),
		Conversation: NewConversationHandler(identity, conversations, assist),
		Moderation:   NewModerationHandler(identity, moderation),
		Upload:       NewUploadHandler(files, cfg.Storage),
		JWTSecretKey: cfg.Auth.JWTSecretKey,
	})
	return &apiEnv{t: t, handler: router}
}

func (e *apiEnv) do(method, path, token string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *apiEnv) register(name, login string) LoginResponse {
	e.t.Helper()
	rec := e.do(http.MethodPost, "/auth/register", "", RegisterRequest{Name: name, Login: login, Password: "pw-" + login})
	require.Equal(e.t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp LoginResponse
	require.NoError(e.t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestAuthRoutes(t *testing.T) {
	env := newAPIEnv(t)
	alice := env.register("Alice", "alice")
	assert.NotEmpty(t, alice.Token)
	assert.Equal(t, models.RoleUser, alice.User.Role)

	tests := []struct {
		name   string
		path   string
		body   any
		status int
	}{
		{"duplicate login ignores case", "/auth/register", RegisterRequest{Name: "A", Login: "ALICE", Password: "x"}, http.StatusConflict},
		{"missing password", "/auth/register", RegisterRequest{Name: "B", Login: "bob"}, http.StatusBadRequest},
		{"wrong password", "/auth/login", LoginRequest{Login: "alice", Password: "nope"}, http.StatusUnauthorized},
		{"unknown login", "/auth/login", LoginRequest{Login: "ghost", Password: "x"}, http.StatusUnauthorized},
		{"good login", "/auth/login", LoginRequest{Login: "alice", Password: "pw-alice"}, http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, tc.path, "", tc.body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
		})
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	env := newAPIEnv(t)
	alice := env.register("Alice", "alice")

	assert.Equal(t, http.StatusUnauthorized, env.do(http.MethodGet, "/api/v1/users/me", "", nil).Code)
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/api/v1/users/me", alice.Token, nil).Code)
	assert.Equal(t, http.StatusOK, env.do(http.MethodPost, "/api/v1/auth/logout", alice.Token, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, env.do(http.MethodGet, "/api/v1/users/me", alice.Token, nil).Code)
}

func TestRegisterCreatesAIConversation(t *testing.T) {
	env := newAPIEnv(t)
	alice := env.register("Alice", "alice")

	rec := env.do(http.MethodGet, "/api/v1/conversations", alice.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	views := decode[[]imtypes.ConversationView](t, rec)
	require.Len(t, views, 1)
	assert.Equal(t, models.AIConversationID(alice.User.ID), views[0].ID)
	assert.Equal(t, models.ConversationAI, views[0].Type)
}

func TestConversationRoutes(t *testing.T) {
	env := newAPIEnv(t)
	alice := env.register("Alice", "alice")
	bob := env.register("Bob", "bob")

	rec := env.do(http.MethodPost, "/api/v1/conversations", alice.Token, CreateConversationRequest{Name: "Team", Type: models.ConversationGroup})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	group := decode[imtypes.ConversationView](t, rec)

	// bob 不是成员，看不到群组
	assert.Equal(t, http.StatusForbidden, env.do(http.MethodGet, "/api/v1/conversations/"+group.ID+"/messages", bob.Token, nil).Code)

	rec = env.do(http.MethodPost, "/api/v1/conversations/direct", alice.Token, StartDirectRequest{PeerID: bob.User.ID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	dm := decode[imtypes.ConversationView](t, rec)
	assert.Equal(t, "Bob", dm.Name)

	for _, text := range []string{"lunch today?", "sure, noon"} {
		rec = env.do(http.MethodPost, "/api/v1/conversations/"+dm.ID+"/messages", alice.Token, SendMessageRequest{Text: text})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}
	assert.Equal(t, http.StatusBadRequest,
		env.do(http.MethodPost, "/api/v1/conversations/"+dm.ID+"/messages", alice.Token, SendMessageRequest{Text: "   "}).Code)

	rec = env.do(http.MethodGet, "/api/v1/conversations/"+dm.ID+"/messages?q=NOON", bob.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	msgs := decode[[]models.Message](t, rec)
	require.Len(t, msgs, 1)
	assert.Equal(t, "sure, noon", msgs[0].Text)

	rec = env.do(http.MethodPost, "/api/v1/conversations/"+dm.ID+"/summary", bob.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "summary", decode[map[string]string](t, rec)["summary"])

	rec = env.do(http.MethodPost, "/api/v1/conversations/"+dm.ID+"/calls", bob.Token, LogCallRequest{DurationSeconds: 75})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "01:15", decode[models.Message](t, rec).CallDuration)

	assert.Equal(t, http.StatusForbidden, env.do(http.MethodDelete, "/api/v1/conversations/"+group.ID, bob.Token, nil).Code)
	assert.Equal(t, http.StatusNoContent, env.do(http.MethodDelete, "/api/v1/conversations/"+group.ID, alice.Token, nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/api/v1/conversations/"+group.ID+"/messages", alice.Token, nil).Code)
}

func TestSummaryNeedsTwoMessages(t *testing.T) {
	env := newAPIEnv(t)
	alice := env.register("Alice", "alice")
	aiID := models.AIConversationID(alice.User.ID)

	// AI 会话中只有欢迎消息
	rec := env.do(http.MethodPost, "/api/v1/conversations/"+aiID+"/summary", alice.Token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestModerationRoutes(t *testing.T) {
	env := newAPIEnv(t)
	dev := env.register("Stephan", "stephan_rogovoy")
	alice := env.register("Alice", "alice")
	bob := env.register("Bob", "bob")
	assert.Equal(t, models.RoleDeveloper, dev.User.Role)

	assert.Equal(t, http.StatusForbidden, env.do(http.MethodGet, "/api/v1/users", alice.Token, nil).Code)
	rec := env.do(http.MethodGet, "/api/v1/users", dev.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.User](t, rec), 4) // 包括 AI 助手

	rec = env.do(http.MethodPost, "/api/v1/conversations", alice.Token, CreateConversationRequest{Name: "News", Type: models.ConversationChannel, Handle: "@news"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	channel := decode[imtypes.ConversationView](t, rec)
	require.Equal(t, http.StatusOK, env.do(http.MethodPost, "/api/v1/conversations/"+channel.ID+"/join", bob.Token, nil).Code)

	rec = env.do(http.MethodPost, "/api/v1/admin/conversations/"+channel.ID+"/bans", alice.Token, BanRequest{UserID: bob.User.ID, Duration: "week"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, http.StatusBadRequest,
		env.do(http.MethodPost, "/api/v1/admin/conversations/"+channel.ID+"/bans", alice.Token, BanRequest{UserID: bob.User.ID, Duration: "century"}).Code)
	assert.Equal(t, http.StatusForbidden, env.do(http.MethodGet, "/api/v1/conversations/"+channel.ID+"/messages", bob.Token, nil).Code)
	assert.Equal(t, http.StatusNoContent, env.do(http.MethodDelete, "/api/v1/admin/conversations/"+channel.ID+"/bans/"+bob.User.ID, alice.Token, nil).Code)
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/api/v1/conversations/"+channel.ID+"/messages", bob.Token, nil).Code)

	// 永久封禁的会话不能解除
	assert.Equal(t, http.StatusForbidden, env.do(http.MethodPost, "/api/v1/admin/conversations/"+channel.ID+"/block", alice.Token, BlockConversationRequest{Permanent: true}).Code)
	assert.Equal(t, http.StatusOK, env.do(http.MethodPost, "/api/v1/admin/conversations/"+channel.ID+"/block", dev.Token, BlockConversationRequest{Permanent: true}).Code)
	assert.Equal(t, http.StatusForbidden, env.do(http.MethodDelete, "/api/v1/admin/conversations/"+channel.ID+"/block", dev.Token, nil).Code)

	rec = env.do(http.MethodPost, "/api/v1/admin/users/"+alice.User.ID+"/block", dev.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[map[string]bool](t, rec)["blocked"])
	assert.Equal(t, http.StatusForbidden, env.do(http.MethodGet, "/api/v1/users/me", alice.Token, nil).Code)
	assert.Equal(t, http.StatusForbidden, env.do(http.MethodPost, "/auth/login", "", LoginRequest{Login: "alice", Password: "pw-alice"}).Code)

	assert.Equal(t, http.StatusForbidden, env.do(http.MethodPost, "/api/v1/admin/users/"+dev.User.ID+"/block", dev.Token, nil).Code)
}

func TestPremiumApproval(t *testing.T) {
	env := newAPIEnv(t)
	dev := env.register("Stephan", "stephan_rogovoy")
	alice := env.register("Alice", "alice")

	rec := env.do(http.MethodPut, "/api/v1/users/me", alice.Token, map[string]string{"premiumStatus": "pending"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	path := "/api/v1/admin/users/" + alice.User.ID + "/premium"
	assert.Equal(t, http.StatusForbidden, env.do(http.MethodPost, path, alice.Token, PremiumRequest{Status: models.PremiumActive}).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, path, dev.Token, PremiumRequest{Status: "gold"}).Code)

	rec = env.do(http.MethodPost, path, dev.Token, PremiumRequest{Status: models.PremiumActive})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[models.User](t, rec).IsPremium)

	rec = env.do(http.MethodGet, "/api/v1/users/me", alice.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	me := decode[models.User](t, rec)
	assert.True(t, me.IsPremium)
	assert.Equal(t, models.PremiumActive, me.PremiumStatus)
}

func TestBanSecondsOutOfRange(t *testing.T) {
	env := newAPIEnv(t)
	alice := env.register("Alice", "alice")
	bob := env.register("Bob", "bob")
	rec := env.do(http.MethodPost, "/api/v1/conversations", alice.Token, CreateConversationRequest{Name: "News", Type: models.ConversationChannel})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	channel := decode[imtypes.ConversationView](t, rec)
	require.Equal(t, http.StatusOK, env.do(http.MethodPost, "/api/v1/conversations/"+channel.ID+"/join", bob.Token, nil).Code)
	path := "/api/v1/admin/conversations/" + channel.ID + "/bans"

	tests := []struct {
		name    string
		seconds int64
		status  int
	}{
		{"overflowing duration", math.MaxInt64/int64(time.Second) + 1, http.StatusBadRequest},
		{"wraps to small duration", 18446744074, http.StatusBadRequest},
		{"negative", -5, http.StatusBadRequest},
		{"one hour", 3600, http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, path, alice.Token, BanRequest{UserID: bob.User.ID, Seconds: tc.seconds})
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
		})
	}
}

func TestUpdateProfile(t *testing.T) {
	env := newAPIEnv(t)
	alice := env.register("Alice", "alice")

	rec := env.do(http.MethodPut, "/api/v1/users/me", alice.Token, map[string]string{"name": "Alice L.", "theme": "forest"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	user := decode[models.User](t, rec)
	assert.Equal(t, "Alice L.", user.Name)
	assert.Equal(t, models.Theme("forest"), user.Theme)

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPut, "/api/v1/users/me", alice.Token, map[string]string{"theme": "neon"}).Code)
}

func TestUploadReturnsAttachment(t *testing.T) {
	env := newAPIEnv(t)
	alice := env.register("Alice", "alice")

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+alice.Token)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	file := decode[models.FileAttachment](t, rec)
	assert.Equal(t, "notes.txt", file.Name)
	assert.Equal(t, int64(5), file.Size)
	assert.Contains(t, file.URL, "/uploads/")
}
