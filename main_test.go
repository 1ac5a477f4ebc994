package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meeshy/internal/auth"
	"meeshy/internal/models"
	"meeshy/internal/storage"
)

const testSecret = "very-secure-test-secret"

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = l.Close() }()
	return l.Addr().String()
}

func seed(t *testing.T, dbFile string) {
	t.Helper()
	store, err := storage.NewBboltStorage(dbFile)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	for id, lang := range map[string]string{"alice": "fr", "bob": "en"} {
		require.NoError(t, store.UpsertUser(models.User{
			ID:                        id,
			UserName:                  id,
			DisplayName:               id,
			SystemLanguage:            lang,
			AutoTranslateEnabled:      true,
			TranslateToSystemLanguage: true,
		}))
		require.NoError(t, store.UpsertMembership(models.Membership{
			ConversationID:  "conv1",
			IdentityID:      id,
			Active:          true,
			CanSendMessages: true,
		}))
	}
}

func fakeTranslator(t *testing.T) *httptest.Server {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Text           string `json:"text"`
			TargetLanguage string `json:"targetLanguage"`
			ModelType      string `json:"modelType"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"translatedText":  "[" + req.TargetLanguage + "] " + req.Text,
			"confidenceScore": 0.95,
			"modelType":       req.ModelType,
			"processingTime":  0.01,
		})
	}))
	t.Cleanup(ts.Close)
	return ts
}

func waitForServer(t *testing.T, url string) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond, "server did not start")
}

func dial(t *testing.T, apiAddr, userID string) *websocket.Conn {
	t.Helper()
	as, err := auth.NewAuthService(t.Context(), auth.Config{Secret: testSecret}, nil)
	require.NoError(t, err)
	token, _, err := as.IssueToken(userID)
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/ws?token=%s", apiAddr, token), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func call(t *testing.T, conn *websocket.Conn, event string, ackID int, data any) map[string]any {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"event": event, "ackId": ackID, "data": data}))
	frame := await(t, conn, "ack")
	ack := frame["data"].(map[string]any)
	require.Equal(t, true, ack["success"], "ack for %s: %v", event, ack)
	return ack
}

func await(t *testing.T, conn *websocket.Conn, event string) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var frame map[string]any
		require.NoError(t, conn.ReadJSON(&frame))
		if frame["event"] == event {
			return frame
		}
	}
}

func TestIntegration(t *testing.T) {
	dbFile := filepath.Join(t.TempDir(), "integration.db")
	seed(t, dbFile)

	adminAddr := freeAddr(t)
	apiAddr := freeAddr(t)

	t.Setenv("MEESHY_DB", dbFile)
	t.Setenv("ADMIN_ADDR", adminAddr)
	t.Setenv("API_ADDR", apiAddr)
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("TRANSLATOR_URL", fakeTranslator(t).URL)
	t.Setenv("LOG_LEVEL", "warn")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- run(ctx, "") }()

	waitForServer(t, "http://"+apiAddr+"/healthz")

	// Step 1: both users connect and join conv1.
	alice := dial(t, apiAddr, "alice")
	bob := dial(t, apiAddr, "bob")
	call(t, alice, "conversation:join", 1, map[string]string{"conversationId": "conv1"})
	call(t, bob, "conversation:join", 1, map[string]string{"conversationId": "conv1"})

	// Step 2: bob writes in English, alice gets the original and a French translation.
	ack := call(t, bob, "message:send", 2, map[string]string{"conversationId": "conv1", "content": "Hello Alice"})
	messageID := ack["data"].(map[string]any)["messageId"].(string)
	require.NotEmpty(t, messageID)

	msg := await(t, alice, "message:new")["data"].(map[string]any)
	assert.Equal(t, messageID, msg["id"])
	assert.Equal(t, "en", msg["originalLanguage"])

	translated := await(t, alice, "message:translated")["data"].(map[string]any)
	assert.Equal(t, messageID, translated["messageId"])
	assert.Equal(t, "[fr] Hello Alice", translated["translatedText"])

	// Step 3: admin presence and metrics.
	resp, err := http.Get(fmt.Sprintf("http://%s/admin/identities/bob/presence", adminAddr))
	require.NoError(t, err)
	var presence map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&presence))
	_ = resp.Body.Close()
	assert.Equal(t, true, presence["online"])
	assert.Equal(t, float64(1), presence["connections"])

	resp, err = http.Get(fmt.Sprintf("http://%s/metrics", adminAddr))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), `meeshy_messages_total{op="sent"} 1`)

	// Step 4: the CLI path disconnects bob through the admin API.
	require.NoError(t, run(ctx, "bob"))
	require.NoError(t, bob.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var frame map[string]any
		if err := bob.ReadJSON(&frame); err != nil {
			break
		}
	}
	status := await(t, alice, "user:status")["data"].(map[string]any)
	assert.Equal(t, "bob", status["userId"])
	assert.Equal(t, false, status["isOnline"])

	// Step 5: shutdown closes the remaining connection.
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
	require.NoError(t, alice.SetReadDeadline(time.Now().Add(3*time.Second)))
	var frame map[string]any
	assert.Error(t, alice.ReadJSON(&frame))
}
