package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/scalerize/infinitegpu/internal/daemon"
)

var hostFlag string

// httpClient is for request/response calls; streams use their own
// client without a timeout.
var httpClient = &http.Client{Timeout: 30 * time.Second}

// nodeURL resolves the node base URL: --host flag, INFINITEGPU_HOST,
// then the configured API address.
func nodeURL() string {
	if hostFlag != "" {
		return normalizeHost(hostFlag)
	}
	if env := os.Getenv("INFINITEGPU_HOST"); env != "" {
		return normalizeHost(env)
	}
	cfg, err := daemon.LoadConfig()
	if err != nil {
		return "http://127.0.0.1:9180"
	}
	return fmt.Sprintf("http://%s:%d", cfg.API.Host, cfg.API.Port)
}

func normalizeHost(h string) string {
	if strings.HasPrefix(h, "http://") || strings.HasPrefix(h, "https://") {
		return strings.TrimRight(h, "/")
	}
	return "http://" + strings.TrimRight(h, "/")
}

// getJSON fetches path from the node and decodes the response into out.
func getJSON(path string, out any) error {
	resp, err := httpClient.Get(nodeURL() + path)
	if err != nil {
		return fmt.Errorf("reach node at %s: %w", nodeURL(), err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

// postJSON posts body to path and decodes the response into out. A 204
// leaves out untouched and returns errNoContent.
func postJSON(path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := httpClient.Post(nodeURL()+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("reach node at %s: %w", nodeURL(), err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

var errNoContent = fmt.Errorf("no content")

func decodeResponse(resp *http.Response, out any) error {
	if resp.StatusCode == http.StatusNoContent {
		return errNoContent
	}
	if resp.StatusCode >= 400 {
		var envelope struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		raw, _ := io.ReadAll(resp.Body)
		if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Message != "" {
			return fmt.Errorf("%s", envelope.Error.Message)
		}
		return fmt.Errorf("node returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// defaultRequester is used when --requester is not given.
func defaultRequester() string {
	if env := os.Getenv("INFINITEGPU_USER"); env != "" {
		return env
	}
	return "local"
}

// shortID trims UUIDs for table display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// age renders how long ago t was, compactly.
func age(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
