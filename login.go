package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/go-authgate/fleetctl/authfetch"
)

// ErrorResponse is the error body returned by the fleet service.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Message          string `json:"message"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// ErrInvalidCredentials indicates the login endpoint rejected the email or password.
var ErrInvalidCredentials = errors.New("invalid email or password")

// login exchanges email and password for a credential pair. It goes straight
// through the transport: a rejected login must not trigger a refresh.
func login(
	ctx context.Context,
	tr authfetch.Transport,
	loginURL, email, password string,
) (*oauth2.Token, error) {
	reqCtx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()

	body, err := json.Marshal(loginRequest{Email: email, Password: password})
	if err != nil {
		return nil, fmt.Errorf("failed to encode login request: %w", err)
	}

	resp, err := tr.Send(reqCtx, &authfetch.Request{
		Method: http.MethodPost,
		URL:    loginURL,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   body,
	})
	if err != nil {
		return nil, fmt.Errorf("login request failed: %w", err)
	}

	if !resp.OK() {
		return nil, loginError(resp)
	}

	var tokenResp loginResponse
	if err := resp.DecodeJSON(&tokenResp); err != nil {
		return nil, err
	}
	if err := validateLoginResponse(tokenResp.AccessToken, tokenResp.RefreshToken); err != nil {
		return nil, fmt.Errorf("invalid login response: %w", err)
	}

	token := &oauth2.Token{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		TokenType:    "Bearer",
	}
	if claims, err := authfetch.ParseClaims(token.AccessToken); err == nil {
		token.Expiry = claims.ExpiresAt
	}
	return token, nil
}

func loginError(resp *authfetch.Response) error {
	var errResp ErrorResponse
	_ = json.Unmarshal(resp.Body, &errResp)

	detail := errResp.ErrorDescription
	if detail == "" {
		detail = errResp.Message
	}
	if detail == "" {
		detail = errResp.Error
	}
	if detail == "" {
		detail = strings.TrimSpace(string(resp.Body))
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		if detail == "" {
			return ErrInvalidCredentials
		}
		return fmt.Errorf("%w: %s", ErrInvalidCredentials, detail)
	}
	return fmt.Errorf("login failed with status %d: %s", resp.StatusCode, detail)
}

// validateLoginResponse validates the credential pair returned by login
func validateLoginResponse(accessToken, refreshToken string) error {
	if accessToken == "" {
		return errors.New("accessToken is empty")
	}

	if len(accessToken) < 10 {
		return fmt.Errorf("accessToken is too short (length: %d)", len(accessToken))
	}

	if refreshToken == "" {
		return errors.New("refreshToken is empty")
	}

	return nil
}

// saveTokens writes the credential pair under the keys the client reads.
func saveTokens(ctx context.Context, store authfetch.CredentialStore, token *oauth2.Token) error {
	if err := store.Set(ctx, authfetch.KeyAccessToken, token.AccessToken); err != nil {
		return fmt.Errorf("failed to save access token: %w", err)
	}
	if err := store.Set(ctx, authfetch.KeyRefreshToken, token.RefreshToken); err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}
	return nil
}
