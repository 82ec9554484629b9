package alert

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSelectsBackend(t *testing.T) {
	n, err := New(Config{})
	require.NoError(t, err)
	assert.IsType(t, &NoopNotifier{}, n)

	n, err = New(Config{Backend: "none"})
	require.NoError(t, err)
	assert.IsType(t, &NoopNotifier{}, n)

	_, err = New(Config{Backend: "telegram"})
	assert.Error(t, err, "telegram without creds must fail")

	n, err = New(Config{Backend: "telegram", TelegramToken: "tok", TelegramChatID: "42"})
	require.NoError(t, err)
	assert.IsType(t, &TelegramNotifier{}, n)

	_, err = New(Config{Backend: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestNoopNotifier(t *testing.T) {
	n := NewNoopNotifier()
	require.NoError(t, n.Send("anything"))
	require.NoError(t, n.Close())
}

func TestTelegramSend(t *testing.T) {
	var gotPath string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	n, err := NewTelegramNotifier(Config{TelegramToken: "tok", TelegramChatID: "42"})
	require.NoError(t, err)
	n.SetBaseURL(srv.URL)

	require.NoError(t, n.Send("grid exited with code 7"))
	assert.Equal(t, "/bottok/sendMessage", gotPath)
	assert.Equal(t, "42", gotBody["chat_id"])
	assert.Equal(t, "grid exited with code 7", gotBody["text"])
}

func TestTelegramSendServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	n, err := NewTelegramNotifier(Config{TelegramToken: "tok", TelegramChatID: "42"})
	require.NoError(t, err)
	n.SetBaseURL(srv.URL)

	assert.Error(t, n.Send("boom"))
}

func TestTelegramThrottleDropsExcess(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(200)
	}))
	defer srv.Close()

	n, err := NewTelegramNotifier(Config{TelegramToken: "tok", TelegramChatID: "42", MaxPerMinute: 2})
	require.NoError(t, err)
	n.SetBaseURL(srv.URL)

	for i := 0; i < 5; i++ {
		require.NoError(t, n.Send("spam"))
	}
	assert.Equal(t, int64(2), hits.Load(), "only the window limit may reach the API")
}
