package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func smokeCmd() *cobra.Command {
	var (
		baseURL  string
		email    string
		password string
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "smoke",
		Short: "Exercise the sign-in flow of a running gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return runSmoke(ctx, cmd.OutOrStdout(), baseURL, email, password)
		},
	}

	cmd.Flags().StringVar(&baseURL, "url", "http://localhost:8080", "Gateway URL")
	cmd.Flags().StringVar(&email, "email", "smoke@travelease.test", "Account used for the check")
	cmd.Flags().StringVar(&password, "password", "Smoke1Test", "Password of the account")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Overall timeout")
	return cmd
}

// smokeClient is one visitor of the gateway.
type smokeClient struct {
	baseURL string
	http    *http.Client
}

// runSmoke registers (or signs in) an account, checks that the gate follows
// the session and signs out again.
func runSmoke(ctx context.Context, out io.Writer, baseURL, email, password string) error {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return err
	}
	c := &smokeClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Jar: jar,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}

	fmt.Fprintln(out, "=== Health Check ===")
	status, _, err := c.do(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("health check: unexpected status %d", status)
	}
	fmt.Fprintln(out, "  ok")

	fmt.Fprintln(out, "=== Anonymous Visitor Is Redirected ===")
	var location string
	err = c.poll(ctx, func() (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/myBookings", nil)
		if err != nil {
			return false, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return false, err
		}
		resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusAccepted:
			return false, nil
		case http.StatusSeeOther:
			location = resp.Header.Get("Location")
			return true, nil
		default:
			return false, fmt.Errorf("protected view: unexpected status %d", resp.StatusCode)
		}
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "  redirected to %s\n", location)

	fmt.Fprintln(out, "=== Sign Up ===")
	status, body, err := c.do(ctx, http.MethodPost, "/register?from=%2FmyBookings", map[string]string{
		"name":     "Smoke Test",
		"email":    email,
		"password": password,
	})
	if err != nil {
		return err
	}
	if status == http.StatusConflict {
		fmt.Fprintln(out, "  account exists, signing in")
		status, body, err = c.do(ctx, http.MethodPost, "/login", map[string]string{
			"email":    email,
			"password": password,
		})
		if err != nil {
			return err
		}
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return fmt.Errorf("sign in: unexpected status %d: %s", status, body)
	}
	fmt.Fprintf(out, "  %s\n", body)

	fmt.Fprintln(out, "=== Session Granted ===")
	if err := c.waitDecision(ctx, "granted"); err != nil {
		return err
	}
	fmt.Fprintln(out, "  ok")

	fmt.Fprintln(out, "=== Sign Out ===")
	status, body, err = c.do(ctx, http.MethodPost, "/logout", nil)
	if err != nil {
		return err
	}
	if status != http.StatusNoContent {
		return fmt.Errorf("sign out: unexpected status %d: %s", status, body)
	}
	if err := c.waitDecision(ctx, "denied"); err != nil {
		return err
	}
	fmt.Fprintln(out, "  ok")

	fmt.Fprintln(out, "=== All Checks Passed ===")
	return nil
}

func (c *smokeClient) do(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	return resp.StatusCode, bytes.TrimSpace(data), err
}

func (c *smokeClient) waitDecision(ctx context.Context, want string) error {
	return c.poll(ctx, func() (bool, error) {
		_, body, err := c.do(ctx, http.MethodGet, "/session", nil)
		if err != nil {
			return false, err
		}
		var s struct {
			Decision string `json:"decision"`
		}
		if err := json.Unmarshal(body, &s); err != nil {
			return false, fmt.Errorf("session: %w", err)
		}
		return s.Decision == want, nil
	})
}

func (c *smokeClient) poll(ctx context.Context, check func() (bool, error)) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		done, err := check()
		if err != nil || done {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
