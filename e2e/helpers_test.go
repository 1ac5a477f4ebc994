//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"meeshy/internal/auth"
	"meeshy/internal/models"
	"meeshy/internal/storage"
)

const jwtSecret = "e2e-secret"

type TestServer struct {
	APIAddr   string
	AdminAddr string
	DBPath    string
	Cmd       *exec.Cmd
}

func getFreePort(t *testing.T) int {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	require.NoError(t, err)

	l, err := net.ListenTCP("tcp", addr)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()
	return l.Addr().(*net.TCPAddr).Port
}

// seedUsers writes users sharing conv1 before the server opens the database.
func seedUsers(t *testing.T, dbPath string, languages map[string]string) {
	store, err := storage.NewBboltStorage(dbPath)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	for id, lang := range languages {
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

func startTranslator(t *testing.T) *httptest.Server {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"translatedText":  "[" + req["targetLanguage"] + "] " + req["text"],
			"confidenceScore": 0.9,
			"modelType":       req["modelType"],
		})
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (s *TestServer) env() []string {
	return append(os.Environ(),
		"JWT_SECRET="+jwtSecret,
		fmt.Sprintf("API_ADDR=%s", s.APIAddr),
		fmt.Sprintf("ADMIN_ADDR=%s", s.AdminAddr),
		fmt.Sprintf("MEESHY_DB=%s", s.DBPath),
	)
}

func startServer(t *testing.T, translatorURL string, languages map[string]string) *TestServer {
	tmpDB, err := os.CreateTemp("", "meeshy-e2e-*.db")
	require.NoError(t, err)
	dbPath := tmpDB.Name()
	_ = tmpDB.Close()
	_ = os.Remove(dbPath)
	seedUsers(t, dbPath, languages)

	s := &TestServer{
		APIAddr:   fmt.Sprintf("localhost:%d", getFreePort(t)),
		AdminAddr: fmt.Sprintf("localhost:%d", getFreePort(t)),
		DBPath:    dbPath,
	}

	s.Cmd = exec.Command(serverBinPath)
	s.Cmd.Env = append(s.env(), "TRANSLATOR_URL="+translatorURL)

	// Redirect output to stdout/stderr for debugging if needed
	// s.Cmd.Stdout = os.Stdout
	// s.Cmd.Stderr = os.Stderr

	require.NoError(t, s.Cmd.Start())

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + s.APIAddr + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 200*time.Millisecond, "Server failed to start")

	return s
}

func (s *TestServer) Stop() {
	if s.Cmd != nil && s.Cmd.Process != nil {
		_ = s.Cmd.Process.Kill()
		_ = s.Cmd.Wait()
	}
	if s.DBPath != "" {
		_ = os.Remove(s.DBPath)
	}
}

// Disconnect runs the -disconnect CLI against the running server.
func (s *TestServer) Disconnect(t *testing.T, identityID string) string {
	cmd := exec.Command(serverBinPath, "-disconnect", identityID)
	cmd.Env = s.env()

	output, err := cmd.CombinedOutput()
	require.NoError(t, err, "Failed to disconnect via CLI: %s", string(output))
	return string(output)
}

func (s *TestServer) Dial(t *testing.T, userID string) *websocket.Conn {
	as, err := auth.NewAuthService(context.Background(), auth.Config{Secret: jwtSecret}, nil)
	require.NoError(t, err)
	token, _, err := as.IssueToken(userID)
	require.NoError(t, err)

	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+s.APIAddr+"/ws", header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func emit(t *testing.T, conn *websocket.Conn, event string, ackID int, data any) map[string]any {
	require.NoError(t, conn.WriteJSON(map[string]any{"event": event, "ackId": ackID, "data": data}))
	return waitFor(t, conn, "ack")["data"].(map[string]any)
}

func waitFor(t *testing.T, conn *websocket.Conn, event string) map[string]any {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var frame map[string]any
		require.NoError(t, conn.ReadJSON(&frame))
		if frame["event"] == event {
			return frame
		}
	}
}
