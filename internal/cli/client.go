package cli

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/chatscribe/chatscribe/internal/config"
)

// gatewayRequest calls the local daemon's control API.
func gatewayRequest(cfg *config.Config, method, path string) ([]byte, error) {
	url := fmt.Sprintf("http://%s:%d%s", cfg.Gateway.Host, cfg.Gateway.Port, path)
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return nil, err
	}
	if cfg.Gateway.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Gateway.AuthToken)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("gateway %s %s: %s", method, path, string(body))
	}
	return body, nil
}

func gatewayGet(cfg *config.Config, path string) ([]byte, error) {
	return gatewayRequest(cfg, http.MethodGet, path)
}

func gatewayPost(cfg *config.Config, path string) ([]byte, error) {
	return gatewayRequest(cfg, http.MethodPost, path)
}
