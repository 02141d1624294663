package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// User is the identity record the portal CRUD layer resolves for an
// external ID. This is the only identity input the push core consumes;
// authentication itself lives entirely on the portal side.
type User struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	CollegeID string `json:"collegeId"`
}

// Directory looks up users in the portal CRUD layer.
type Directory interface {
	LookupUser(ctx context.Context, externalID string) (*User, error)
}

// HTTPDirectory resolves users over the portal's internal HTTP API.
type HTTPDirectory struct {
	baseURL string
	client  *http.Client
}

// NewHTTPDirectory creates a directory client against the portal base URL.
func NewHTTPDirectory(baseURL string) *HTTPDirectory {
	return &HTTPDirectory{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// LookupUser fetches {id, role, collegeId} for an external user ID.
func (d *HTTPDirectory) LookupUser(ctx context.Context, externalID string) (*User, error) {
	endpoint := fmt.Sprintf("%s/internal/users/%s", d.baseURL, url.PathEscape(externalID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build directory request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("user %s not found", externalID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("directory lookup returned status %d", resp.StatusCode)
	}

	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("failed to decode directory response: %w", err)
	}
	return &user, nil
}
