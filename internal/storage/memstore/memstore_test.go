package memstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/themadorg/tossmail/internal/storage"
)

func msg(id, to string, age time.Duration) *storage.Message {
	return &storage.Message{
		ID:          id,
		ToAddress:   to,
		FromAddress: "sender@x.test",
		Subject:     "hi",
		Body:        "hello",
		Timestamp:   time.Now().UTC().Add(-age),
	}
}

func TestStoreAndListNewestFirst(t *testing.T) {
	s := New()
	require.NoError(t, s.StoreMessage(msg("old", "alice@ex.test", 2*time.Hour)))
	require.NoError(t, s.StoreMessage(msg("new", "alice@ex.test", 0)))
	require.NoError(t, s.StoreMessage(msg("other", "bob@ex.test", 0)))

	msgs, err := s.ListByAddress("alice@ex.test")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "new", msgs[0].ID)
	assert.Equal(t, "old", msgs[1].ID)
}

func TestGetAndDeleteMessage(t *testing.T) {
	s := New()
	require.NoError(t, s.StoreMessage(msg("m1", "alice@ex.test", 0)))

	got, err := s.GetMessage("m1")
	require.NoError(t, err)
	require.NotNil(t, got)

	missing, err := s.GetMessage("nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	found, err := s.DeleteMessage("m1")
	require.NoError(t, err)
	assert.True(t, found)

	found, err = s.DeleteMessage("m1")
	require.NoError(t, err)
	assert.False(t, found)

	msgs, err := s.ListByAddress("alice@ex.test")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestDeleteOlderThan(t *testing.T) {
	s := New()
	require.NoError(t, s.StoreMessage(msg("aged", "alice@ex.test", 3*time.Hour)))
	require.NoError(t, s.StoreMessage(msg("fresh", "alice@ex.test", time.Minute)))

	deleted, err := s.DeleteOlderThan(1)
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	assert.Equal(t, "aged", deleted[0].ID)
	assert.Equal(t, "alice@ex.test", deleted[0].Address)

	msgs, err := s.ListByAddress("alice@ex.test")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "fresh", msgs[0].ID)
}

func TestSearchMessages(t *testing.T) {
	s := New()
	m := msg("m1", "alice@ex.test", 0)
	m.Subject = "Invoice 42"
	require.NoError(t, s.StoreMessage(m))
	m2 := msg("m2", "bob@ex.test", 0)
	m2.Body = "your invoice is attached"
	require.NoError(t, s.StoreMessage(m2))

	all, err := s.SearchMessages("", "invoice", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	scoped, err := s.SearchMessages("alice@ex.test", "invoice", 10)
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "m1", scoped[0].ID)

	limited, err := s.SearchMessages("", "invoice", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestMailboxClaimVerifyRelease(t *testing.T) {
	s := New()

	locked, err := s.IsMailboxLocked("alice")
	require.NoError(t, err)
	assert.False(t, locked)

	require.NoError(t, s.SetMailboxPassword("alice", "p1"))

	locked, err = s.IsMailboxLocked("alice")
	require.NoError(t, err)
	assert.True(t, locked)

	ok, err := s.VerifyMailboxPassword("alice", "p1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.VerifyMailboxPassword("alice", "wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.ClearMailboxPassword("alice"))
	locked, err = s.IsMailboxLocked("alice")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestActiveWebhooksFiltering(t *testing.T) {
	s := New()
	now := time.Now().UTC()
	require.NoError(t, s.CreateWebhook(&storage.Webhook{
		ID: "w1", MailboxAddress: "alice", URL: "http://a.test",
		Events: storage.StringList{storage.EventArrival}, CreatedAt: now, Enabled: true,
	}))
	require.NoError(t, s.CreateWebhook(&storage.Webhook{
		ID: "w2", MailboxAddress: "alice", URL: "http://b.test",
		Events: storage.StringList{storage.EventDeletion}, CreatedAt: now, Enabled: true,
	}))
	require.NoError(t, s.CreateWebhook(&storage.Webhook{
		ID: "w3", MailboxAddress: "alice", URL: "http://c.test",
		Events: storage.StringList{storage.EventArrival}, CreatedAt: now, Enabled: false,
	}))
	require.NoError(t, s.CreateWebhook(&storage.Webhook{
		ID: "w4", MailboxAddress: "bob", URL: "http://d.test",
		Events: storage.StringList{storage.EventArrival}, CreatedAt: now, Enabled: true,
	}))

	active, err := s.ActiveWebhooks("alice", storage.EventArrival)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "w1", active[0].ID)
}

func TestWebhookUpdateAndDelete(t *testing.T) {
	s := New()
	wh := &storage.Webhook{
		ID: "w1", MailboxAddress: "alice", URL: "http://a.test",
		Events: storage.StringList{storage.EventArrival}, CreatedAt: time.Now().UTC(), Enabled: true,
	}
	require.NoError(t, s.CreateWebhook(wh))

	wh.URL = "http://changed.test"
	wh.Enabled = false
	require.NoError(t, s.UpdateWebhook(wh))

	got, err := s.GetWebhook("w1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "http://changed.test", got.URL)
	assert.False(t, got.Enabled)

	found, err := s.DeleteWebhook("w1")
	require.NoError(t, err)
	assert.True(t, found)

	got, err = s.GetWebhook("w1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRateLimitWindows(t *testing.T) {
	s := New()

	rl, err := s.GetRateLimit("alice")
	require.NoError(t, err)
	assert.Nil(t, rl)

	require.NoError(t, s.SetRateLimit(&storage.RateLimit{
		MailboxAddress: "alice", RequestsPerHour: 2, RequestsPerDay: 10,
	}))
	rl, err = s.GetRateLimit("alice")
	require.NoError(t, err)
	require.NotNil(t, rl)
	assert.Equal(t, 2, rl.RequestsPerHour)

	now := time.Now().UTC()
	require.NoError(t, s.AppendRequest("alice", now.Add(-30*time.Minute)))
	require.NoError(t, s.AppendRequest("alice", now.Add(-2*time.Hour)))
	require.NoError(t, s.AppendRequest("bob", now))

	hourly, err := s.CountRequestsSince("alice", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, hourly)

	daily, err := s.CountRequestsSince("alice", now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 2, daily)

	oldest, err := s.OldestRequestSince("alice", now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, oldest)
	assert.WithinDuration(t, now.Add(-2*time.Hour), *oldest, time.Second)

	purged, err := s.PurgeRequestsBefore(now.Add(-time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)
}

func TestUsers(t *testing.T) {
	s := New()
	u := &storage.User{ID: "u1", Email: "a@b.test", PasswordHash: "h", CreatedAt: time.Now().UTC()}
	require.NoError(t, s.CreateUser(u))

	got, err := s.GetUserByEmail("a@b.test")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "u1", got.ID)

	got, err = s.GetUser("u1")
	require.NoError(t, err)
	require.NotNil(t, got)

	got, err = s.GetUserByEmail("missing@b.test")
	require.NoError(t, err)
	assert.Nil(t, got)
}
