package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

const unknown = "unknown"

// lookupBuildID returns the configured build id, else the HEAD commit of the
// client's source checkout.
func (a *Agent) lookupBuildID(ctx context.Context) string {
	if a.cfg.BuildID != "" {
		return a.cfg.BuildID
	}
	if a.cfg.RepoDir == "" {
		return unknown
	}
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "HEAD")
	cmd.Dir = a.cfg.RepoDir
	out, err := cmd.Output()
	if err != nil {
		a.logger.Warn("failed to read commit hash", zap.String("repo_dir", a.cfg.RepoDir), zap.Error(err))
		return unknown
	}
	return strings.TrimSpace(string(out))
}

// lookupPublicIP returns the configured public IP, else asks the lookup
// service. Failures yield "unknown".
func (a *Agent) lookupPublicIP(ctx context.Context, client *http.Client) string {
	if a.cfg.PublicIP != "" {
		return a.cfg.PublicIP
	}
	if a.cfg.IPLookupURL == "" {
		return unknown
	}
	ip, err := fetchPublicIP(ctx, client, a.cfg.IPLookupURL)
	if err != nil {
		a.logger.Warn("failed to look up public IP", zap.String("url", a.cfg.IPLookupURL), zap.Error(err))
		return unknown
	}
	return ip
}

func fetchPublicIP(ctx context.Context, client *http.Client, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var body struct {
		IP string `json:"ip"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if body.IP == "" {
		return "", fmt.Errorf("empty ip in response")
	}
	return body.IP, nil
}
