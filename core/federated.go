package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// Default profile endpoints of the known providers.
var defaultUserInfoURLs = map[string]string{
	"google":  "https://www.googleapis.com/oauth2/v2/userinfo",
	"github":  "https://api.github.com/user",
	"discord": "https://discord.com/api/users/@me",
}

// OAuthUser represents user information from OAuth providers
type OAuthUser struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// FederatedCallback is what the provider hands back on the redirect URL.
type FederatedCallback struct {
	Provider string
	State    string
	Code     string
}

// FederatedSignIn is the result of a completed federated sign-in.
type FederatedSignIn struct {
	Identity  Identity
	ReturnTo  string
	IsNewUser bool
}

// ValidateOAuthState checks if the OAuth state is usable by clientID.
func ValidateOAuthState(s *OAuthState, clientID string) error {
	if s.State == "" {
		return errors.New("empty state")
	}

	if s.ClientID != clientID {
		return errors.New("state issued to another client")
	}

	if time.Now().After(s.ExpiresAt) {
		return errors.New("state expired")
	}

	return nil
}

// BeginFederatedSignIn starts an authorization-code flow for the client and
// returns the provider URL to send the visitor to. returnTo is handed back
// by CompleteFederatedSignIn.
func (a *AuthService) BeginFederatedSignIn(ctx context.Context, clientID, provider, returnTo string) (string, error) {
	oauthConfig, exists := a.oauthConfigs[provider]
	if !exists {
		slog.Debug("Unsupported OAuth provider", "provider", provider)
		return "", ErrInvalidProvider
	}

	stateToken, err := generateSecureToken(32)
	if err != nil {
		slog.Error("Failed to generate state token", "error", err)
		return "", fmt.Errorf("failed to generate state token: %w", err)
	}

	oauthState := &OAuthState{
		State:     stateToken,
		ClientID:  clientID,
		Provider:  provider,
		ReturnTo:  returnTo,
		ExpiresAt: time.Now().Add(a.securityConfig.OAuthStateLifetime),
	}

	if err := a.storage.StoreOAuthState(oauthState); err != nil {
		slog.Error("Failed to store OAuth state", "error", err)
		return "", unavailable("store oauth state", err)
	}

	slog.Debug("OAuth flow initiated", "provider", provider, "client_id", clientID)
	return oauthConfig.AuthCodeURL(stateToken), nil
}

// CompleteFederatedSignIn exchanges the authorization code, links or creates
// the account and signs the client in.
func (a *AuthService) CompleteFederatedSignIn(ctx context.Context, clientID string, cb FederatedCallback) (*FederatedSignIn, error) {
	oauthConfig, exists := a.oauthConfigs[cb.Provider]
	if !exists {
		slog.Debug("Unsupported OAuth provider", "provider", cb.Provider)
		return nil, ErrInvalidProvider
	}

	if cb.State == "" || cb.Code == "" {
		return nil, &ValidationError{Message: "Missing state or code parameter"}
	}

	storedState, err := a.storage.GetOAuthState(cb.State)
	if err != nil {
		slog.Error("Failed to get OAuth state", "error", err)
		return nil, unavailable("get oauth state", err)
	}
	if storedState == nil || storedState.Provider != cb.Provider {
		slog.Debug("Invalid OAuth state", "provider", cb.Provider)
		return nil, &ValidationError{Message: "Invalid state parameter"}
	}

	if err := a.storage.DeleteOAuthState(cb.State); err != nil {
		slog.Error("Failed to delete OAuth state", "error", err)
	}

	if err := ValidateOAuthState(storedState, clientID); err != nil {
		slog.Debug("Rejected OAuth state", "provider", cb.Provider, "reason", err)
		return nil, &ValidationError{Message: "Sign-in request expired, please try again"}
	}

	token, err := oauthConfig.Exchange(ctx, cb.Code)
	if err != nil {
		slog.Error("Failed to exchange OAuth code", "error", err)
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	oauthUser, err := a.fetchOAuthUserInfo(ctx, cb.Provider, oauthConfig, token)
	if err != nil {
		slog.Error("Failed to fetch OAuth user info", "error", err)
		return nil, err
	}

	if oauthUser.Email == "" {
		slog.Debug("OAuth user has no email", "provider", cb.Provider, "user_id", oauthUser.ID)
		return nil, &ValidationError{Message: "Email is required from OAuth provider"}
	}

	user, isNewUser, err := a.resolveFederatedUser(ctx, cb.Provider, oauthUser)
	if err != nil {
		return nil, err
	}

	if !user.IsActive || user.IsSuspended {
		slog.Debug("OAuth user account is inactive", "user_id", user.ID)
		a.logSecurityEvent(ctx, &user.ID, EventLoginFailed, "OAuth login attempt on inactive account", false)
		return nil, ErrAccountInactive
	}

	if err := a.storage.UpdateLastLogin(user.ID, RequestMetaFromContext(ctx).IPAddress); err != nil {
		slog.Error("Failed to update last login", "error", err)
	}

	if err := a.startSession(ctx, clientID, user); err != nil {
		return nil, err
	}

	eventType := EventOAuthLogin
	if isNewUser {
		eventType = EventOAuthSignup
	}
	a.logSecurityEvent(ctx, &user.ID, eventType, fmt.Sprintf("User successfully authenticated via %s", cb.Provider), true)

	slog.Info("OAuth authentication successful", "user_id", user.ID, "provider", cb.Provider, "is_new_user", isNewUser)

	return &FederatedSignIn{
		Identity:  user.Identity(),
		ReturnTo:  storedState.ReturnTo,
		IsNewUser: isNewUser,
	}, nil
}

// resolveFederatedUser finds the account for a provider identity, linking by
// email or creating it when needed.
func (a *AuthService) resolveFederatedUser(ctx context.Context, provider string, oauthUser *OAuthUser) (*User, bool, error) {
	existingUser, err := a.storage.GetUserByProviderID(provider, oauthUser.ID)
	if err != nil {
		slog.Error("Failed to get user by provider ID", "error", err)
		return nil, false, unavailable("get user by provider id", err)
	}

	if existingUser != nil {
		if oauthUser.AvatarURL != "" && existingUser.PhotoURL == "" {
			existingUser.PhotoURL = oauthUser.AvatarURL
			if err := a.storage.UpdateUser(existingUser); err != nil {
				slog.Error("Failed to update OAuth user", "error", err)
				return nil, false, unavailable("update user", err)
			}
		}
		return existingUser, false, nil
	}

	email := strings.ToLower(oauthUser.Email)
	existingEmailUser, err := a.storage.GetUserByEmail(email)
	if err != nil {
		slog.Error("Failed to check existing email", "error", err)
		return nil, false, unavailable("get user by email", err)
	}

	if existingEmailUser != nil {
		existingEmailUser.Provider = provider
		existingEmailUser.ProviderID = oauthUser.ID
		existingEmailUser.EmailVerified = true
		if existingEmailUser.PhotoURL == "" {
			existingEmailUser.PhotoURL = oauthUser.AvatarURL
		}
		if existingEmailUser.DisplayName == "" {
			existingEmailUser.DisplayName = oauthUser.Name
		}

		if err := a.storage.UpdateUser(existingEmailUser); err != nil {
			slog.Error("Failed to update user with OAuth info", "error", err)
			return nil, false, unavailable("update user", err)
		}

		a.logSecurityEvent(ctx, &existingEmailUser.ID, EventOAuthLinked, fmt.Sprintf("Account linked with %s", provider), true)
		return existingEmailUser, false, nil
	}

	user := &User{
		UUID:          uuid.NewString(),
		Email:         email,
		DisplayName:   oauthUser.Name,
		PhotoURL:      oauthUser.AvatarURL,
		Provider:      provider,
		ProviderID:    oauthUser.ID,
		EmailVerified: true,
		IsActive:      true,
	}
	if err := a.createUser(user); err != nil {
		return nil, false, err
	}
	return user, true, nil
}

// fetchOAuthUserInfo fetches user information from OAuth providers
func (a *AuthService) fetchOAuthUserInfo(ctx context.Context, provider string, oauthConfig *oauth2.Config, token *oauth2.Token) (*OAuthUser, error) {
	userInfoURL := a.userInfoURLs[provider]
	if userInfoURL == "" {
		userInfoURL = defaultUserInfoURLs[provider]
	}
	if userInfoURL == "" {
		return nil, fmt.Errorf("no user info endpoint for provider: %s", provider)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client := oauthConfig.Client(ctx, token)
	resp, err := getJSON(ctx, client, userInfoURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch provider {
	case "github":
		return a.parseGitHubUser(ctx, client, resp)
	case "discord":
		return a.parseDiscordUser(resp)
	default:
		return a.parseGoogleUser(resp)
	}
}

func getJSON(ctx context.Context, client *http.Client, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user info: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("failed to fetch user info: status %d", resp.StatusCode)
	}
	return resp, nil
}

// parseGoogleUser parses Google (and Google-shaped) user information
func (a *AuthService) parseGoogleUser(resp *http.Response) (*OAuthUser, error) {
	var googleUser struct {
		ID      string `json:"id"`
		Sub     string `json:"sub"`
		Email   string `json:"email"`
		Name    string `json:"name"`
		Picture string `json:"picture"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&googleUser); err != nil {
		return nil, fmt.Errorf("failed to decode Google user: %w", err)
	}

	id := googleUser.ID
	if id == "" {
		id = googleUser.Sub
	}

	return &OAuthUser{
		ID:        id,
		Email:     googleUser.Email,
		Name:      googleUser.Name,
		AvatarURL: googleUser.Picture,
	}, nil
}

// parseGitHubUser parses GitHub OAuth user information
func (a *AuthService) parseGitHubUser(ctx context.Context, client *http.Client, resp *http.Response) (*OAuthUser, error) {
	var githubUser struct {
		ID        int64  `json:"id"`
		Login     string `json:"login"`
		Name      string `json:"name"`
		Email     string `json:"email"`
		AvatarURL string `json:"avatar_url"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&githubUser); err != nil {
		return nil, fmt.Errorf("failed to decode GitHub user: %w", err)
	}

	// GitHub might not return email in the user endpoint
	if githubUser.Email == "" {
		email, err := fetchGitHubUserEmail(ctx, client)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch GitHub user email: %w", err)
		}
		githubUser.Email = email
	}

	name := githubUser.Name
	if name == "" {
		name = githubUser.Login
	}

	return &OAuthUser{
		ID:        fmt.Sprintf("%d", githubUser.ID),
		Email:     githubUser.Email,
		Name:      name,
		AvatarURL: githubUser.AvatarURL,
	}, nil
}

// parseDiscordUser parses Discord OAuth user information
func (a *AuthService) parseDiscordUser(resp *http.Response) (*OAuthUser, error) {
	var discordUser struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Email    string `json:"email"`
		Avatar   string `json:"avatar"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&discordUser); err != nil {
		return nil, fmt.Errorf("failed to decode Discord user: %w", err)
	}

	avatarURL := ""
	if discordUser.Avatar != "" {
		avatarURL = fmt.Sprintf("https://cdn.discordapp.com/avatars/%s/%s.png", discordUser.ID, discordUser.Avatar)
	}

	return &OAuthUser{
		ID:        discordUser.ID,
		Email:     discordUser.Email,
		Name:      discordUser.Username,
		AvatarURL: avatarURL,
	}, nil
}

// fetchGitHubUserEmail fetches primary email from GitHub emails endpoint
func fetchGitHubUserEmail(ctx context.Context, client *http.Client) (string, error) {
	resp, err := getJSON(ctx, client, "https://api.github.com/user/emails")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&emails); err != nil {
		return "", fmt.Errorf("failed to decode emails: %w", err)
	}

	for _, email := range emails {
		if email.Primary && email.Verified {
			return email.Email, nil
		}
	}

	for _, email := range emails {
		if email.Verified {
			return email.Email, nil
		}
	}

	return "", fmt.Errorf("no verified email found")
}
