package projection

import (
	"context"
	"errors"
	"testing"

	"fluxur-go/internal/codec"
	"fluxur-go/internal/imtypes"
	"fluxur-go/internal/localcache"
	"fluxur-go/internal/logging"
	"fluxur-go/internal/models"
	"fluxur-go/internal/replica"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func conversationRecord(t *testing.T, c *models.Conversation) replica.Record {
	t.Helper()
	rec, err := codec.EncodeConversation(c)
	require.NoError(t, err)
	return rec
}

func TestApplyConversation_Idempotent(t *testing.T) {
	ctx := context.Background()
	p := New(replica.NewMemoryStore(), nil, logging.Nop())

	var changes int
	p.OnChange(func(context.Context, Change) { changes++ })

	rec := conversationRecord(t, &models.Conversation{
		ID:           "c1",
		Name:         "Team",
		Type:         models.ConversationGroup,
		Participants: []string{"alice", "bob"},
		Messages:     []models.Message{{ID: "m1", SenderID: "alice", Text: "hi"}},
	})

	require.NoError(t, p.ApplyConversation(ctx, rec))
	once := p.Conversations()
	require.NoError(t, p.ApplyConversation(ctx, rec))
	require.NoError(t, p.ApplyConversation(ctx, rec))

	assert.Equal(t, once, p.Conversations())
	assert.Len(t, p.Conversations(), 1)
	assert.Equal(t, 1, changes)
}

func TestUpdatesKeepArrivalPosition(t *testing.T) {
	ctx := context.Background()
	p := New(replica.NewMemoryStore(), nil, logging.Nop())

	for _, id := range []string{"b", "a", "c"} {
		p.SetConversation(ctx, &models.Conversation{ID: id, Type: models.ConversationGroup})
	}
	p.SetConversation(ctx, &models.Conversation{ID: "b", Name: "renamed", Type: models.ConversationGroup})
	p.Remove(ctx, replica.CollectionConversations, "a")
	p.Remove(ctx, replica.CollectionConversations, "a")

	var ids []string
	for _, c := range p.Conversations() {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"b", "c"}, ids)
	c, ok := p.Conversation("b")
	require.True(t, ok)
	assert.Equal(t, "renamed", c.Name)
}

func TestStart_SeedsAndFollowsStore(t *testing.T) {
	ctx := context.Background()
	store := replica.NewMemoryStore()
	require.NoError(t, store.Put(ctx, "users/u1", codec.EncodeUser(&models.User{ID: "u1", Name: "Alice"})))

	p := New(store, nil, logging.Nop())
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	u, ok := p.User("u1")
	require.True(t, ok)
	assert.Equal(t, "Alice", u.Name)

	require.NoError(t, store.Put(ctx, "users/u1", replica.Record{codec.FieldIsBlocked: "true"}))
	u, _ = p.User("u1")
	assert.True(t, u.IsBlocked)

	require.NoError(t, store.Put(ctx, "conversations/c1", conversationRecord(t, &models.Conversation{ID: "c1", Type: models.ConversationChannel})))
	_, ok = p.Conversation("c1")
	assert.True(t, ok)

	require.NoError(t, store.Delete(ctx, "conversations/c1"))
	_, ok = p.Conversation("c1")
	assert.False(t, ok)
}

func TestMalformedRecordIsSkipped(t *testing.T) {
	ctx := context.Background()
	p := New(replica.NewMemoryStore(), nil, logging.Nop())
	p.ApplyUpdate(ctx, replica.Update{
		Collection: replica.CollectionConversations,
		ID:         "bad",
		Record:     replica.Record{codec.FieldType: "group", codec.FieldMessages: "{{"},
	})
	assert.Empty(t, p.Conversations())
}

func TestReconcile_RevertsOptimisticWrite(t *testing.T) {
	ctx := context.Background()
	store := replica.NewMemoryStore()
	authoritative := &models.Conversation{ID: "c1", Name: "Team", Type: models.ConversationGroup}
	require.NoError(t, store.Put(ctx, "conversations/c1", conversationRecord(t, authoritative)))

	p := New(store, nil, logging.Nop())
	optimistic := authoritative.Clone()
	optimistic.Name = "never committed"
	p.SetConversation(ctx, optimistic)
	p.SetConversation(ctx, &models.Conversation{ID: "ghost", Type: models.ConversationGroup})

	require.NoError(t, p.Reconcile(ctx, "conversations/c1"))
	require.NoError(t, p.Reconcile(ctx, "conversations/ghost"))

	c, ok := p.Conversation("c1")
	require.True(t, ok)
	assert.Equal(t, "Team", c.Name)
	_, ok = p.Conversation("ghost")
	assert.False(t, ok)
}

func TestApplyEvent(t *testing.T) {
	ctx := context.Background()
	p := New(replica.NewMemoryStore(), nil, logging.Nop())
	rec := conversationRecord(t, &models.Conversation{ID: "c1", Type: models.ConversationGroup})

	ev := imtypes.ChangeEvent{Kind: imtypes.ChangeConversationUpdated, Collection: replica.CollectionConversations, ID: "c1", Record: rec}
	require.NoError(t, p.ApplyEvent(ctx, ev))
	require.NoError(t, p.ApplyEvent(ctx, ev))
	assert.Len(t, p.Conversations(), 1)

	require.NoError(t, p.ApplyEvent(ctx, imtypes.ChangeEvent{Kind: imtypes.ChangeConversationDeleted, ID: "c1"}))
	assert.Empty(t, p.Conversations())

	assert.Error(t, p.ApplyEvent(ctx, imtypes.ChangeEvent{Kind: "bogus"}))
}

type failingStore struct{ *replica.MemoryStore }

func (failingStore) Children(context.Context, string) ([]replica.Entry, error) {
	return nil, errors.New("network down")
}

func TestStart_FallsBackToMirror(t *testing.T) {
	ctx := context.Background()
	cache, err := localcache.Open(":memory:")
	require.NoError(t, err)
	defer cache.Close()

	warm := New(replica.NewMemoryStore(), cache, logging.Nop())
	warm.SetUser(ctx, &models.User{ID: "u1", Name: "Alice"})

	cold := New(failingStore{replica.NewMemoryStore()}, cache, logging.Nop())
	require.NoError(t, cold.Start(ctx))
	u, ok := cold.User("u1")
	require.True(t, ok)
	assert.Equal(t, "Alice", u.Name)
}

func TestStart_FailsWithoutMirror(t *testing.T) {
	p := New(failingStore{replica.NewMemoryStore()}, nil, logging.Nop())
	assert.Error(t, p.Start(context.Background()))
}
