package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"meeshy/internal/api"
	"meeshy/internal/config"
)

// Disconnect asks a running server to close every connection of identityID.
func Disconnect(identityID string, cfg *config.Config) error {
	endpoint := fmt.Sprintf("http://%s/admin/identities/%s/disconnect", cfg.AdminAddr, url.PathEscape(identityID))
	resp, err := http.Post(endpoint, "application/json", nil)
	if err != nil {
		return fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to disconnect %s (Status: %d): %s", identityID, resp.StatusCode, string(body))
	}

	var result api.DisconnectResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("Closed %d connection(s) of %s\n", result.Closed, identityID)
	return nil
}
