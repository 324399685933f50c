// Package roster consumes the external resource/enrollment authority:
// who owns a scheduled resource, who may join its session. Nothing
// here is implemented locally; this is a client only.
package roster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/liveclass/coordinator/internal/core"
	"github.com/liveclass/coordinator/internal/domain"
)

// Client implements core.ResourceAuthority against the roster
// service's HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

var _ core.ResourceAuthority = (*Client)(nil)

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) IsOwner(ctx context.Context, resourceID domain.ResourceID, userID domain.UserID) (bool, error) {
	var out struct {
		OwnerID string `json:"owner_id"`
	}
	url := fmt.Sprintf("%s/resources/%s", c.baseURL, resourceID)
	if err := c.getJSON(ctx, url, &out); err != nil {
		return false, err
	}
	return out.OwnerID == string(userID), nil
}

func (c *Client) IsEnrolled(ctx context.Context, resourceID domain.ResourceID, userID domain.UserID) (bool, error) {
	var out struct {
		Enrolled bool `json:"enrolled"`
	}
	url := fmt.Sprintf("%s/resources/%s/enrollment/%s", c.baseURL, resourceID, userID)
	if err := c.getJSON(ctx, url, &out); err != nil {
		return false, err
	}
	return out.Enrolled, nil
}

func (c *Client) SessionEnded(ctx context.Context, resourceID domain.ResourceID, meetingID domain.MeetingID) error {
	body, _ := json.Marshal(map[string]string{"meeting_id": string(meetingID)})
	url := fmt.Sprintf("%s/resources/%s/session-ended", c.baseURL, resourceID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("roster service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("roster service returned %d: %s", resp.StatusCode, payload)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("roster service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// Unknown resource means no ownership and no enrollment.
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("roster service returned %d: %s", resp.StatusCode, payload)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// AllowAll grants everything. Dev-mode stand-in when no roster service
// is configured; also handy in tests.
type AllowAll struct{}

var _ core.ResourceAuthority = AllowAll{}

func (AllowAll) IsOwner(context.Context, domain.ResourceID, domain.UserID) (bool, error) {
	return true, nil
}

func (AllowAll) IsEnrolled(context.Context, domain.ResourceID, domain.UserID) (bool, error) {
	return true, nil
}

func (AllowAll) SessionEnded(_ context.Context, resourceID domain.ResourceID, meetingID domain.MeetingID) error {
	log.Debug().Str("module", "adapters.roster").Str("resource", string(resourceID)).
		Str("meeting", string(meetingID)).Msg("session ended (allow-all authority)")
	return nil
}
