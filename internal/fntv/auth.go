package fntv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// AuthManager handles authentication and session management for the media server.
// A configured token is verified as-is; otherwise it logs in with username and password.
type AuthManager struct {
	client *Client
	logger *slog.Logger
}

// NewAuthManager creates a new authentication manager for the given client.
func NewAuthManager(client *Client, logger *slog.Logger) *AuthManager {
	return &AuthManager{
		client: client,
		logger: logger,
	}
}

// Authenticate establishes a session with the server and returns the
// authenticated user.
func (a *AuthManager) Authenticate(ctx context.Context) (*UserInfo, error) {
	a.logger.Info("Authenticating with media server", "server_url", a.client.config.ServerURL)

	if a.client.Token() != "" {
		user, err := a.client.TestConnection(ctx)
		if err == nil {
			a.logger.Info("Authentication successful", "username", user.Username, "method", "token")
			return user, nil
		}
		if !errors.Is(err, ErrUnauthorized) || a.client.config.Username == "" {
			return nil, fmt.Errorf("authentication failed: %w", err)
		}
		a.logger.Warn("Configured token rejected, falling back to password login")
	}

	if err := a.Login(ctx); err != nil {
		return nil, err
	}

	user, err := a.client.TestConnection(ctx)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}

	a.logger.Info("Authentication successful", "username", user.Username, "method", "password")
	return user, nil
}

// Login exchanges username and password for a session token.
func (a *AuthManager) Login(ctx context.Context) error {
	cfg := a.client.config
	if cfg.Username == "" || cfg.Password == "" {
		return fmt.Errorf("username and password are required for login")
	}

	var resp loginResponse
	req := &loginRequest{
		Username: cfg.Username,
		Password: cfg.Password,
		AppName:  cfg.AppName,
	}
	if err := a.client.doJSON(ctx, "login", http.MethodPost, "/login", req, &resp); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	if resp.Token == "" {
		return fmt.Errorf("login failed: server returned an empty token")
	}

	a.client.SetToken(resp.Token)
	return nil
}

// Logout invalidates the current session and clears the stored token.
// The local token is cleared even when the server call fails.
func (a *AuthManager) Logout(ctx context.Context) error {
	a.logger.Info("Logging out from media server")

	var err error
	if a.client.Token() != "" {
		err = a.client.doJSON(ctx, "logout", http.MethodPost, "/user/logout", nil, nil)
	}

	a.client.SetToken("")

	if err != nil {
		return fmt.Errorf("logout failed: %w", err)
	}

	a.logger.Info("Logout successful")
	return nil
}
