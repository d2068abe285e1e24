package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	database := New(filepath.Join(t.TempDir(), "intake.db"))
	require.NoError(t, database.Load())
	t.Cleanup(func() { database.Close() })
	return database
}

func strPtr(s string) *string { return &s }

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	database := openTestDB(t)

	session, err := database.CreateSession(ctx, ChatSession{VisitorName: "Dana", Metadata: map[string]string{"page": "/total-loss"}})
	require.NoError(t, err)
	assert.NotEmpty(t, session.ID)
	assert.Equal(t, SessionStatusBot, session.Status)

	got, err := database.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "Dana", got.VisitorName)
	assert.Equal(t, "/total-loss", got.Metadata["page"])

	closedAt := time.Now().UTC()
	updated, err := database.UpdateSession(ctx, ChatSession{ID: session.ID, Status: SessionStatusClosed, ClosedAt: &closedAt})
	require.NoError(t, err)
	assert.Equal(t, SessionStatusClosed, updated.Status)
	require.NotNil(t, updated.ClosedAt)
	assert.Equal(t, "Dana", updated.VisitorName)

	_, err = database.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = database.UpdateSession(ctx, ChatSession{ID: "missing", Status: SessionStatusLive})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMessagesOrderedPerSession(t *testing.T) {
	ctx := context.Background()
	database := openTestDB(t)

	a, err := database.CreateSession(ctx, ChatSession{})
	require.NoError(t, err)
	b, err := database.CreateSession(ctx, ChatSession{})
	require.NoError(t, err)

	base := time.Now().UTC()
	_, err = database.CreateMessage(ctx, Message{SessionID: a.ID, Sender: SenderBot, Content: strPtr("second"), CreatedAt: base.Add(time.Second)})
	require.NoError(t, err)
	_, err = database.CreateMessage(ctx, Message{SessionID: a.ID, Sender: SenderUser, Content: strPtr("first"), CreatedAt: base})
	require.NoError(t, err)
	_, err = database.CreateMessage(ctx, Message{SessionID: b.ID, Sender: SenderUser, Content: strPtr("other")})
	require.NoError(t, err)

	msgs, err := database.GetMessages(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Text())
	assert.Equal(t, "second", msgs[1].Text())
	assert.Equal(t, MessageTypeText, msgs[0].MessageType)

	session, err := database.GetSession(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, session.LastMessageAt.Equal(base.Add(time.Second)))

	_, err = database.CreateMessage(ctx, Message{SessionID: "missing", Sender: SenderUser, Content: strPtr("x")})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListSessionsFilterAndOrder(t *testing.T) {
	ctx := context.Background()
	database := openTestDB(t)

	base := time.Now().UTC()
	older, err := database.CreateSession(ctx, ChatSession{CreatedAt: base.Add(-time.Hour)})
	require.NoError(t, err)
	newer, err := database.CreateSession(ctx, ChatSession{CreatedAt: base})
	require.NoError(t, err)
	_, err = database.CreateSession(ctx, ChatSession{Status: SessionStatusLive, CreatedAt: base.Add(-2 * time.Hour)})
	require.NoError(t, err)

	bots, err := database.ListSessions(ctx, SessionFilter{Status: SessionStatusBot})
	require.NoError(t, err)
	require.Len(t, bots, 2)
	assert.Equal(t, newer.ID, bots[0].ID)
	assert.Equal(t, older.ID, bots[1].ID)

	all, err := database.ListSessions(ctx, SessionFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestLeadOnePerSession(t *testing.T) {
	ctx := context.Background()
	database := openTestDB(t)

	session, err := database.CreateSession(ctx, ChatSession{})
	require.NoError(t, err)

	lead, err := database.CreateLead(ctx, Lead{SessionID: session.ID, Name: "Dana", Phone: "+15125550100"})
	require.NoError(t, err)
	assert.Equal(t, LeadStatusNew, lead.Status)
	assert.Equal(t, "chat", lead.Source)

	_, err = database.CreateLead(ctx, Lead{SessionID: session.ID, Name: "Again"})
	assert.ErrorIs(t, err, ErrLeadExists)

	bySession, err := database.GetLeadBySession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, lead.ID, bySession.ID)

	updated, err := database.UpdateLead(ctx, Lead{ID: lead.ID, Status: LeadStatusContacted, Notes: "left voicemail"})
	require.NoError(t, err)
	assert.Equal(t, LeadStatusContacted, updated.Status)
	assert.Equal(t, "Dana", updated.Name)

	contacted, err := database.ListLeads(ctx, LeadFilter{Status: LeadStatusContacted})
	require.NoError(t, err)
	assert.Len(t, contacted, 1)

	require.NoError(t, database.DeleteLead(ctx, lead.ID))
	_, err = database.GetLead(ctx, lead.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = database.GetLeadBySession(ctx, session.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, database.DeleteLead(ctx, lead.ID), ErrNotFound)

	_, err = database.CreateLead(ctx, Lead{SessionID: session.ID, Name: "After delete"})
	assert.NoError(t, err)
}

func TestPostsUpsertBySlug(t *testing.T) {
	ctx := context.Background()
	database := openTestDB(t)

	first, err := database.SavePost(ctx, Post{Title: "What is ACV?", Slug: "what-is-acv", Status: PostStatusPublished, Tags: []string{"acv", "total-loss"}})
	require.NoError(t, err)
	require.NotNil(t, first.PublishedAt)

	second, err := database.SavePost(ctx, Post{Title: "What is ACV in Texas?", Slug: "what-is-acv", Status: PostStatusPublished, Tags: []string{"acv"}})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, first.PublishedAt.Equal(*second.PublishedAt))

	_, err = database.SavePost(ctx, Post{Title: "Draft", Slug: "draft"})
	require.NoError(t, err)

	published, err := database.ListPosts(ctx, PostFilter{Status: PostStatusPublished})
	require.NoError(t, err)
	require.Len(t, published, 1)
	assert.Equal(t, "What is ACV in Texas?", published[0].Title)

	tagged, err := database.ListPosts(ctx, PostFilter{Tag: "TOTAL-LOSS"})
	require.NoError(t, err)
	assert.Empty(t, tagged)

	_, err = database.GetPostBySlug(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadReopensExistingFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "intake.db")

	database := New(path)
	require.NoError(t, database.Load())
	session, err := database.CreateSession(ctx, ChatSession{})
	require.NoError(t, err)
	require.NoError(t, database.Close())

	reopened := New(path)
	require.NoError(t, reopened.Load())
	defer reopened.Close()
	_, err = reopened.GetSession(ctx, session.ID)
	assert.NoError(t, err)
}
