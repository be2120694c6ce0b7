package tunnel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultHeartbeatInterval paces the control-plane heartbeat.
const DefaultHeartbeatInterval = 60 * time.Second

// AgentInfo is what the agent announces about itself.
type AgentInfo struct {
	AgentID  string `json:"agentId"`
	Hostname string `json:"hostname"`
	Version  string `json:"version"`
	APIPort  int    `json:"apiPort,omitempty"`
}

// Announcer registers the agent with the control plane and keeps a
// heartbeat going so the control plane can mark agents stale.
type Announcer struct {
	baseURL string
	token   string
	info    AgentInfo
	client  *retryablehttp.Client
	log     *logrus.Entry
}

// NewAnnouncer returns an announcer for the control-plane REST API at
// baseURL. An empty baseURL disables announcing.
func NewAnnouncer(baseURL, token string, info AgentInfo, log *logrus.Entry) *Announcer {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 1 * time.Second
	client.RetryWaitMax = 10 * time.Second
	client.Logger = nil

	if info.Hostname == "" {
		info.Hostname, _ = os.Hostname()
	}
	return &Announcer{baseURL: baseURL, token: token, info: info, client: client, log: log}
}

// Enabled reports whether announcing is configured.
func (a *Announcer) Enabled() bool {
	return a.baseURL != "" && a.token != "" && a.info.AgentID != ""
}

// Run announces once and then heartbeats on the interval until ctx is
// cancelled. Failures are logged and retried on the next tick.
func (a *Announcer) Run(ctx context.Context, interval time.Duration) {
	if !a.Enabled() {
		return
	}
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}

	if err := a.Announce(ctx); err != nil && a.log != nil {
		a.log.WithError(err).Warn("agent announce failed")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Heartbeat(ctx); err != nil && a.log != nil {
				a.log.WithError(err).Warn("agent heartbeat failed")
			}
		}
	}
}

// Announce registers the agent.
func (a *Announcer) Announce(ctx context.Context) error {
	return a.post(ctx, "/v1/agents/announce", a.info)
}

// Heartbeat refreshes the agent's liveness.
func (a *Announcer) Heartbeat(ctx context.Context) error {
	return a.post(ctx, fmt.Sprintf("/v1/agents/%s/heartbeat", a.info.AgentID), nil)
}

func (a *Announcer) post(ctx context.Context, path string, payload interface{}) error {
	var body *bytes.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return errors.Wrapf(err, "failed encoding payload for %s", path)
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, body)
	if err != nil {
		return errors.Wrapf(err, "failed building request for %s", path)
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "control-plane call %s failed", path)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.Errorf("control-plane call %s returned %d", path, resp.StatusCode)
	}
	return nil
}
