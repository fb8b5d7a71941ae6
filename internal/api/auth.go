package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// TokenResponse is returned by the token endpoint.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// Credentials exchanges a username and password for a bearer token.
type Credentials struct{}

// Exchange posts an OAuth2 password form to /v1/auth/token.
func (Credentials) Exchange(ctx context.Context, api *Context, username, password string) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("username", username)
	form.Set("password", password)

	req, err := api.Anonymous().newRequest(ctx, http.MethodPost, api.endpoint("auth", "token"), strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var resp TokenResponse
	if err := api.doJSON(req, &resp); err != nil {
		return "", err
	}
	if resp.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned no access_token")
	}
	return resp.AccessToken, nil
}

// StatusResponse is returned by /v1/status.
type StatusResponse struct {
	Status   string `json:"status"`
	AppTitle string `json:"app_title"`
}

// Status checks that the backend is reachable.
func Status(ctx context.Context, api *Context) (*StatusResponse, error) {
	req, err := api.newRequest(ctx, http.MethodGet, api.endpoint("status"), nil)
	if err != nil {
		return nil, err
	}
	var resp StatusResponse
	if err := api.doJSON(req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
