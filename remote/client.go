// Package remote is the client of the TravelEase rental API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// DefaultBaseURL is the rental API used during development.
const DefaultBaseURL = "http://localhost:3000"

// Config configures a Client.
type Config struct {
	BaseURL    string        // API root (default: DefaultBaseURL)
	Timeout    time.Duration // per request (default: 15s)
	HTTPClient *http.Client  // overrides Timeout when set
}

// Client calls the rental API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates an anonymous client.
func New(cfg Config) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{baseURL: baseURL, httpClient: httpClient}
}

// WithTokenSource returns a copy of c that sends a bearer token from ts with
// every request.
func (c *Client) WithTokenSource(ts oauth2.TokenSource) *Client {
	base := c.httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	authed := *c.httpClient
	authed.Transport = &oauth2.Transport{Source: ts, Base: base}
	return &Client{baseURL: c.baseURL, httpClient: &authed}
}

// BearerSource adapts a token getter, such as a session store's Token, to an
// oauth2.TokenSource bound to ctx.
func BearerSource(ctx context.Context, token func(ctx context.Context) (string, error)) oauth2.TokenSource {
	return bearerSource{ctx: ctx, token: token}
}

type bearerSource struct {
	ctx   context.Context
	token func(ctx context.Context) (string, error)
}

func (b bearerSource) Token() (*oauth2.Token, error) {
	access, err := b.token(b.ctx)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: access, TokenType: "Bearer"}, nil
}

// do sends a JSON request and decodes a JSON answer into out.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var errResp struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if err := json.Unmarshal(body, &errResp); err == nil {
		apiErr.Message = errResp.Message
		if apiErr.Message == "" {
			apiErr.Message = errResp.Error
		}
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}

// CreateUser stores the profile of a newly registered user.
func (c *Client) CreateUser(ctx context.Context, user UserRecord) error {
	return c.do(ctx, http.MethodPost, "/users", nil, user, nil)
}

// Vehicles lists every vehicle.
func (c *Client) Vehicles(ctx context.Context) ([]Vehicle, error) {
	var vehicles []Vehicle
	if err := c.do(ctx, http.MethodGet, "/vehicles", nil, nil, &vehicles); err != nil {
		return nil, err
	}
	return vehicles, nil
}

// LatestVehicles lists the most recently added vehicles.
func (c *Client) LatestVehicles(ctx context.Context) ([]Vehicle, error) {
	var vehicles []Vehicle
	if err := c.do(ctx, http.MethodGet, "/latest-vehicles", nil, nil, &vehicles); err != nil {
		return nil, err
	}
	return vehicles, nil
}

// Vehicle fetches one vehicle.
func (c *Client) Vehicle(ctx context.Context, id string) (*Vehicle, error) {
	var vehicle Vehicle
	if err := c.do(ctx, http.MethodGet, "/vehicles/"+url.PathEscape(id), nil, nil, &vehicle); err != nil {
		return nil, err
	}
	return &vehicle, nil
}

// VehiclesOwnedBy lists the vehicles listed by email.
func (c *Client) VehiclesOwnedBy(ctx context.Context, email string) ([]Vehicle, error) {
	vehicles, err := c.Vehicles(ctx)
	if err != nil {
		return nil, err
	}
	owned := make([]Vehicle, 0, len(vehicles))
	for _, v := range vehicles {
		if strings.EqualFold(v.UserEmail, email) {
			owned = append(owned, v)
		}
	}
	return owned, nil
}

// AddVehicle lists a new vehicle.
func (c *Client) AddVehicle(ctx context.Context, v Vehicle) (*WriteResult, error) {
	var result WriteResult
	if err := c.do(ctx, http.MethodPost, "/vehicles", nil, v, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// UpdateVehicle replaces the fields of a vehicle.
func (c *Client) UpdateVehicle(ctx context.Context, id string, v Vehicle) (*WriteResult, error) {
	var result WriteResult
	if err := c.do(ctx, http.MethodPatch, "/vehicles/"+url.PathEscape(id), nil, v, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DeleteVehicle removes a vehicle.
func (c *Client) DeleteVehicle(ctx context.Context, id string) (*WriteResult, error) {
	var result WriteResult
	if err := c.do(ctx, http.MethodDelete, "/vehicles/"+url.PathEscape(id), nil, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Bookings lists the bookings made by email.
func (c *Client) Bookings(ctx context.Context, email string) ([]Booking, error) {
	var bookings []Booking
	if err := c.do(ctx, http.MethodGet, "/myBookings", url.Values{"email": {email}}, nil, &bookings); err != nil {
		return nil, err
	}
	return bookings, nil
}

// Book stores a booking.
func (c *Client) Book(ctx context.Context, b Booking) (*WriteResult, error) {
	var result WriteResult
	if err := c.do(ctx, http.MethodPost, "/myBookings", nil, b, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CancelBooking removes a booking.
func (c *Client) CancelBooking(ctx context.Context, id string) (*WriteResult, error) {
	var result WriteResult
	if err := c.do(ctx, http.MethodDelete, "/bookings/"+url.PathEscape(id), nil, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
