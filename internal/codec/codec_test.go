package codec

import (
	"fmt"
	"testing"

	"fluxur-go/internal/models"
	"fluxur-go/internal/replica"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func conversationWith(n int) *models.Conversation {
	c := &models.Conversation{
		ID:           "c1",
		Name:         "Team",
		Handle:       "team",
		Type:         models.ConversationGroup,
		Participants: []string{},
		Messages:     []models.Message{},
		BannedUsers:  map[string]int64{},
		CreatorID:    "alice",
		CreatedAt:    1_700_000_000_000,
		UpdatedAt:    1_700_000_000_500,
	}
	for i := 0; i < n; i++ {
		uid := fmt.Sprintf("u%d", i)
		c.Participants = append(c.Participants, uid)
		c.BannedUsers[uid] = int64(1_700_000_000_000 + i)
		m := models.Message{
			ID:        fmt.Sprintf("m%d", i),
			SenderID:  uid,
			Text:      fmt.Sprintf("hello \"%d\"\n", i),
			Timestamp: int64(1_700_000_000_000 + i),
		}
		if i%3 == 0 {
			m.File = &models.FileAttachment{Name: "f.png", Type: "image/png", Size: int64(i), URL: "data:image/png;base64,AAAA"}
		}
		if i%5 == 0 {
			m.IsCallLog = true
			m.CallDuration = "00:42"
		}
		c.Messages = append(c.Messages, m)
	}
	return c
}

func TestConversationRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 500} {
		t.Run(fmt.Sprintf("size=%d", n), func(t *testing.T) {
			in := conversationWith(n)
			in.IsBlocked = n == 1
			in.IsPermanentlyBlocked = n == 1

			rec, err := EncodeConversation(in)
			require.NoError(t, err)
			assert.Len(t, rec, 13)

			out, err := DecodeConversation(rec)
			require.NoError(t, err)
			assert.Equal(t, in, out)
		})
	}
}

func TestEncodeConversation_NilCollectionsBecomeEmpty(t *testing.T) {
	rec, err := EncodeConversation(&models.Conversation{ID: "c", Type: models.ConversationChannel})
	require.NoError(t, err)
	assert.Equal(t, "[]", rec[FieldParticipants])
	assert.Equal(t, "[]", rec[FieldMessages])
	assert.Equal(t, "{}", rec[FieldBannedUsers])
}

func TestDecodeConversation_RejectsMalformed(t *testing.T) {
	cases := map[string]replica.Record{
		"missing id":         {FieldType: "group"},
		"unknown type":       {FieldID: "c", FieldType: "forum"},
		"broken messages":    {FieldID: "c", FieldType: "group", FieldMessages: "[{"},
		"broken bool":        {FieldID: "c", FieldType: "group", FieldIsBlocked: "maybe"},
		"broken participant": {FieldID: "c", FieldType: "group", FieldParticipants: "\"alice\""},
	}
	for name, rec := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeConversation(rec)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestUserRoundTrip(t *testing.T) {
	in := &models.User{
		ID:            "u1",
		Login:         "Alice",
		Name:          "Alice A.",
		Avatar:        models.DefaultAvatar("Alice"),
		Status:        models.StatusOnline,
		Role:          models.RoleDeveloper,
		IsPremium:     true,
		PremiumStatus: models.PremiumActive,
		Theme:         models.ThemeMidnight,
		Language:      "ru",
		IsBlocked:     true,
		CreatedAt:     42,
	}
	out, err := DecodeUser(EncodeUser(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeUser_PartialRecordDefaults(t *testing.T) {
	u, err := DecodeUser(replica.Record{FieldID: "u1", FieldName: "Bob"})
	require.NoError(t, err)
	assert.Equal(t, models.RoleUser, u.Role)
	assert.False(t, u.IsBlocked)
}
