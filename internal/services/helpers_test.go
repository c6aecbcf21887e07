package services

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fluxur-go/internal/assistant"
	"fluxur-go/internal/config"
	"fluxur-go/internal/imtypes"
	"fluxur-go/internal/logging"
	"fluxur-go/internal/models"
	"fluxur-go/internal/projection"
	"fluxur-go/internal/replica"
	"fluxur-go/internal/storage"
)

const developerLogin = "stephan_rogovoy"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// flakyStore 在 failPuts 打开时拒绝所有写入。
type flakyStore struct {
	*replica.MemoryStore
	mu       sync.Mutex
	failPuts bool
	puts     []replica.Record
}

var errStoreDown = errors.New("store unavailable")

func (s *flakyStore) setFailing(v bool) {
	s.mu.Lock()
	s.failPuts = v
	s.mu.Unlock()
}

func (s *flakyStore) failing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failPuts
}

func (s *flakyStore) Put(ctx context.Context, path string, rec replica.Record) error {
	if s.failing() {
		return errStoreDown
	}
	s.mu.Lock()
	s.puts = append(s.puts, rec.Clone())
	s.mu.Unlock()
	return s.MemoryStore.Put(ctx, path, rec)
}

func (s *flakyStore) lastPut() replica.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.puts) == 0 {
		return nil
	}
	return s.puts[len(s.puts)-1]
}

func (s *flakyStore) putCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.puts)
}

func (s *flakyStore) Delete(ctx context.Context, path string) error {
	if s.failing() {
		return errStoreDown
	}
	return s.MemoryStore.Delete(ctx, path)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []imtypes.ChangeEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev imtypes.ChangeEvent) error {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) kinds() []imtypes.ChangeKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]imtypes.ChangeKind, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Kind)
	}
	return out
}

type fakeStorage struct {
	mu      sync.Mutex
	deleted []string
}

func (f *fakeStorage) UploadFile(context.Context, io.Reader, int64, string, string) (*imtypes.FileInfo, error) {
	return nil, errors.New("not used")
}

func (f *fakeStorage) DeleteFile(_ context.Context, url string) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, url)
	f.mu.Unlock()
	return nil
}

type stubAI struct {
	mu       sync.Mutex
	reply    string
	err      error
	prompts  []string
	history  [][]assistant.Turn
	summary  string
	smart    string
	lastSeen []assistant.Turn
}

func (s *stubAI) Continue(_ context.Context, history []assistant.Turn, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	s.history = append(s.history, history)
	return s.reply, s.err
}

func (s *stubAI) Summarize(_ context.Context, transcript string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.summary + "|" + transcript, nil
}

func (s *stubAI) SmartReply(_ context.Context, recent []assistant.Turn) (string, error) {
	s.mu.Lock()
	s.lastSeen = recent
	s.mu.Unlock()
	return s.smart, s.err
}

type testEnv struct {
	store         *flakyStore
	proj          *projection.Projection
	clock         *fakeClock
	events        *recordingPublisher
	files         *fakeStorage
	ai            *stubAI
	writer        *RecordWriter
	identity      IdentityService
	conversations ConversationService
	moderation    ModerationService
	assistant     AssistantService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	log := logging.Nop()

	env := &testEnv{
		store:  &flakyStore{MemoryStore: replica.NewMemoryStore()},
		clock:  &fakeClock{now: time.UnixMilli(1_700_000_000_000)},
		events: &recordingPublisher{},
		files:  &fakeStorage{},
		ai:     &stubAI{reply: "beep", summary: "sum", smart: "ok!"},
	}
	env.proj = projection.New(env.store, nil, log)
	require.NoError(t, env.proj.Start(ctx))
	t.Cleanup(env.proj.Stop)

	cfg := config.Config{
		Auth:     config.AuthConfig{JWTSecretKey: "test-secret", JWTExpiry: time.Hour, Issuer: "fluxur"},
		Identity: config.IdentityConfig{DeveloperLogin: developerLogin},
	}
	env.writer = NewRecordWriter(env.store, env.proj, env.events, env.clock.Now, log)
	env.identity = NewIdentityService(storage.NewMemoryCredentialRepository(), env.writer, cfg, log)
	env.conversations = NewConversationService(env.writer, env.files, log)
	env.moderation = NewModerationService(env.writer, env.identity, log)
	env.assistant = NewAssistantService(env.conversations, env.ai, log)
	require.NoError(t, env.identity.EnsureAIUser(ctx))
	return env
}

func (e *testEnv) register(t *testing.T, name, login string) *models.User {
	t.Helper()
	u, err := e.identity.Register(context.Background(), name, login, "pw-"+login)
	require.NoError(t, err)
	return u
}

func (e *testEnv) developer(t *testing.T) *models.User {
	t.Helper()
	return e.register(t, "Stephan", developerLogin)
}
