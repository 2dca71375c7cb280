package webhooks

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/themadorg/tossmail/internal/storage"
	"github.com/themadorg/tossmail/internal/storage/memstore"
)

func newDispatcher(t *testing.T) (*Dispatcher, storage.Backend) {
	t.Helper()
	store := memstore.New()
	return NewDispatcher(store, zap.NewNop()), store
}

func addHook(t *testing.T, store storage.Backend, url string, events ...string) *storage.Webhook {
	t.Helper()
	wh := &storage.Webhook{
		ID:             "wh-" + url[len(url)-4:],
		MailboxAddress: "alice",
		URL:            url,
		Events:         storage.StringList(events),
		CreatedAt:      time.Now().UTC(),
		Enabled:        true,
	}
	require.NoError(t, store.CreateWebhook(wh))
	return wh
}

func TestTriggerDeliversArrivalPayload(t *testing.T) {
	var got atomic.Pointer[Payload]
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var p Payload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		got.Store(&p)
	}))
	defer srv.Close()

	d, store := newDispatcher(t)
	wh := addHook(t, store, srv.URL, storage.EventArrival)

	msg := &storage.Message{
		ID:          "m1",
		ToAddress:   "alice@ex.test",
		FromAddress: "bob@x.test",
		Subject:     "hi",
		Body:        "hello",
		Timestamp:   time.Now().UTC(),
		Attachments: storage.Attachments{{Filename: "a.txt"}},
	}
	d.Trigger(storage.EventArrival, "alice", msg)
	d.Wait()

	p := got.Load()
	require.NotNil(t, p, "no delivery received")
	assert.Equal(t, storage.EventArrival, p.Event)
	assert.Equal(t, "alice", p.Mailbox)
	assert.Equal(t, wh.ID, p.WebhookID)
	require.NotNil(t, p.Email)
	assert.Equal(t, "m1", p.Email.ID)
	assert.Equal(t, "alice@ex.test", p.Email.To)
	assert.Equal(t, 1, p.Email.Attachments)
}

func TestTriggerDeletionOmitsEmail(t *testing.T) {
	var got atomic.Pointer[Payload]
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p Payload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		got.Store(&p)
	}))
	defer srv.Close()

	d, store := newDispatcher(t)
	addHook(t, store, srv.URL, storage.EventDeletion)

	d.Trigger(storage.EventDeletion, "alice", nil)
	d.Wait()

	p := got.Load()
	require.NotNil(t, p)
	assert.Equal(t, storage.EventDeletion, p.Event)
	assert.Nil(t, p.Email)
}

func TestTriggerSkipsOtherEvents(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	d, store := newDispatcher(t)
	addHook(t, store, srv.URL, storage.EventDeletion)

	d.Trigger(storage.EventArrival, "alice", &storage.Message{ID: "m1"})
	d.Wait()
	assert.EqualValues(t, 0, hits.Load())
}

func TestDeliverRetriesUntilSuccess(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, store := newDispatcher(t)
	addHook(t, store, srv.URL, storage.EventArrival)

	d.Trigger(storage.EventArrival, "alice", &storage.Message{ID: "m1"})
	d.Wait()

	assert.EqualValues(t, 3, hits.Load())
}

func TestDeliverGivesUpAfterMaxAttempts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d, store := newDispatcher(t)
	addHook(t, store, srv.URL, storage.EventArrival)

	d.Trigger(storage.EventArrival, "alice", &storage.Message{ID: "m1"})
	d.Wait()

	assert.EqualValues(t, maxAttempts, hits.Load())
}

func TestTestReportsTargetStatus(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p Payload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		assert.Equal(t, storage.EventTest, p.Event)
	}))
	defer ok.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer bad.Close()

	d, _ := newDispatcher(t)
	assert.True(t, d.Test(&storage.Webhook{ID: "w1", MailboxAddress: "alice", URL: ok.URL}))
	assert.False(t, d.Test(&storage.Webhook{ID: "w2", MailboxAddress: "alice", URL: bad.URL}))
}

func TestNormalizeURL(t *testing.T) {
	assert.Equal(t, "http://example.test/hook", NormalizeURL("example.test/hook"))
	assert.Equal(t, "http://example.test/hook", NormalizeURL("http://example.test/hook"))
	assert.Equal(t, "https://example.test/hook", NormalizeURL("https://example.test/hook"))
}
