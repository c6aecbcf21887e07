package services

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fluxur-go/internal/common"
	"fluxur-go/internal/models"
)

func TestAssistantReply_AppendsToConversation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.register(t, "Alice", "alice")
	conv, _, err := env.conversations.EnsureAIConversation(ctx, alice)
	require.NoError(t, err)

	_, err = env.conversations.AppendMessage(ctx, conv.ID, alice, models.Message{Text: "what is Go?"})
	require.NoError(t, err)

	reply, err := env.assistant.Reply(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, "beep", reply.Text)
	assert.Equal(t, models.AIUserID, reply.SenderID)
	assert.True(t, reply.IsAIGenerated)

	assert.Equal(t, []string{"what is Go?"}, env.ai.prompts)
	require.Len(t, env.ai.history[0], 1, "welcome message is history")

	got, err := env.conversations.Get(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, "beep", got.LastMessage)

	// 最后一条已经是助手的回复，不再重复请求
	again, err := env.assistant.Reply(ctx, conv.ID)
	require.NoError(t, err)
	assert.Nil(t, again)
	assert.Len(t, env.ai.prompts, 1)
}

func TestAssistantReply_DeletedConversation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.assistant.Reply(ctx, models.AIConversationID("gone"))
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.Empty(t, env.ai.prompts)
}

func TestAssistantReply_FailureKeepsHumanMessage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.register(t, "Alice", "alice")
	conv, _, err := env.conversations.EnsureAIConversation(ctx, alice)
	require.NoError(t, err)
	_, err = env.conversations.AppendMessage(ctx, conv.ID, alice, models.Message{Text: "hello"})
	require.NoError(t, err)

	env.ai.err = fmt.Errorf("%w: timeout", common.ErrAICollaborator)
	_, err = env.assistant.Reply(ctx, conv.ID)
	assert.ErrorIs(t, err, common.ErrAICollaborator)

	got, err := env.conversations.Get(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "hello", got.Messages[1].Text)
}

func TestAssistantReply_BlockedWhileWaiting(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	dev := env.developer(t)
	alice := env.register(t, "Alice", "alice")
	conv, _, err := env.conversations.EnsureAIConversation(ctx, alice)
	require.NoError(t, err)
	_, err = env.conversations.AppendMessage(ctx, conv.ID, alice, models.Message{Text: "still there?"})
	require.NoError(t, err)

	_, err = env.moderation.BlockConversation(ctx, dev, conv.ID, false)
	require.NoError(t, err)

	reply, err := env.assistant.Reply(ctx, conv.ID)
	assert.ErrorIs(t, err, common.ErrConversationBlocked)
	assert.Nil(t, reply)

	got, err := env.conversations.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, got.IsBlocked)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "still there?", got.LastMessage)
}

func TestSummarize_NeedsMoreThanOneMessage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.register(t, "Alice", "alice")
	bob := env.register(t, "Bob", "bob")
	conv, err := env.conversations.StartDirect(ctx, alice, bob.ID)
	require.NoError(t, err)

	_, err = env.conversations.AppendMessage(ctx, conv.ID, alice, models.Message{Text: "one"})
	require.NoError(t, err)
	_, err = env.assistant.Summarize(ctx, alice, conv.ID)
	assert.ErrorIs(t, err, common.ErrNotEnoughMessages)

	_, err = env.conversations.AppendMessage(ctx, conv.ID, bob, models.Message{Text: "two"})
	require.NoError(t, err)
	summary, err := env.assistant.Summarize(ctx, alice, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "sum|Alice: one\nBob: two", summary)
}

func TestSuggestReply_UsesRecentMessages(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.register(t, "Alice", "alice")
	bob := env.register(t, "Bob", "bob")
	conv, err := env.conversations.StartDirect(ctx, alice, bob.ID)
	require.NoError(t, err)
	for i := range 8 {
		_, err = env.conversations.AppendMessage(ctx, conv.ID, alice, models.Message{Text: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}

	got, err := env.assistant.SuggestReply(ctx, bob, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "ok!", got)
	require.Len(t, env.ai.lastSeen, 5)
	assert.Equal(t, "m3", env.ai.lastSeen[0].Text)
	assert.Equal(t, "m7", env.ai.lastSeen[4].Text)
}
