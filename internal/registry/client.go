// Package registry talks to the external identity and course registry
// service. The core never owns student or course records; it asks this
// collaborator whether an actor may check in and whether an issuer owns a
// course.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Directory is the registry surface the service and handlers consume.
type Directory interface {
	Eligible(ctx context.Context, actorID string) (bool, error)
	CourseBelongsToIssuer(ctx context.Context, courseID, issuerID string) (bool, error)
}

// Eligibility is the identity provider's answer for an actor.
type Eligibility struct {
	IsStudent       bool `json:"is_student"`
	ProfileComplete bool `json:"profile_complete"`
}

// Client calls the registry microservice.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client. With skip set every actor is eligible and every
// issuer owns every course, for local development without the registry.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP:    &http.Client{Timeout: 5 * time.Second},
	}
}

// Eligibility fetches the actor's identity record.
func (c *Client) Eligibility(ctx context.Context, actorID string) (Eligibility, error) {
	if c.Skip {
		return Eligibility{IsStudent: true, ProfileComplete: true}, nil
	}
	if actorID == "" {
		return Eligibility{}, fmt.Errorf("actor id required")
	}
	var out Eligibility
	path := "/v1/actors/" + url.PathEscape(actorID) + "/eligibility"
	if err := c.getJSON(ctx, path, &out); err != nil {
		return Eligibility{}, err
	}
	return out, nil
}

// Eligible reports whether the actor is a student with a completed profile.
func (c *Client) Eligible(ctx context.Context, actorID string) (bool, error) {
	e, err := c.Eligibility(ctx, actorID)
	if err != nil {
		return false, err
	}
	return e.IsStudent && e.ProfileComplete, nil
}

// CourseBelongsToIssuer reports whether the issuer teaches the course.
func (c *Client) CourseBelongsToIssuer(ctx context.Context, courseID, issuerID string) (bool, error) {
	if c.Skip {
		return true, nil
	}
	var out struct {
		Authorized bool `json:"authorized"`
	}
	path := "/v1/courses/" + url.PathEscape(courseID) + "/issuers/" + url.PathEscape(issuerID)
	if err := c.getJSON(ctx, path, &out); err != nil {
		return false, err
	}
	return out.Authorized, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("registry request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("registry error %s: %s", resp.Status, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode registry response: %w", err)
	}
	return nil
}
