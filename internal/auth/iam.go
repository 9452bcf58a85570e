package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultIAMURL is the token endpoint used when none is configured.
const DefaultIAMURL = "https://iam.cloud.ibm.com/identity/token"

const apiKeyGrant = "urn:ibm:params:oauth:grant-type:apikey"

// IAM exchanges an API key for short-lived access tokens and caches them.
type IAM struct {
	apiKey     string
	url        string
	httpClient *http.Client
	log        *slog.Logger
	cache      cache
}

type iamResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	Expiration  int64  `json:"expiration"`
}

type iamError struct {
	Code    string `json:"errorCode"`
	Message string `json:"errorMessage"`
}

func NewIAM(apiKey, tokenURL string, httpClient *http.Client, log *slog.Logger) (*IAM, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("iam api key is empty")
	}
	if tokenURL == "" {
		tokenURL = DefaultIAMURL
	}
	if log == nil {
		log = slog.Default()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &IAM{
		apiKey:     apiKey,
		url:        tokenURL,
		httpClient: httpClient,
		log:        log.With(slog.String("component", "auth.iam")),
	}, nil
}

// Token returns the cached access token, requesting a new one when it is
// missing or about to expire.
func (s *IAM) Token(ctx context.Context) (string, error) {
	s.cache.mu.Lock()
	defer s.cache.mu.Unlock()

	if token, ok := s.cache.get(); ok {
		return token, nil
	}
	resp, err := s.request(ctx)
	if err != nil {
		return "", err
	}
	var fallback time.Time
	switch {
	case resp.Expiration > 0:
		fallback = time.Unix(resp.Expiration, 0)
	case resp.ExpiresIn > 0:
		fallback = s.cache.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	s.cache.put(resp.AccessToken, fallback)
	s.log.Debug("access token refreshed", slog.Time("expires", s.cache.expires))
	return resp.AccessToken, nil
}

func (s *IAM) request(ctx context.Context) (iamResponse, error) {
	form := url.Values{}
	form.Set("grant_type", apiKeyGrant)
	form.Set("apikey", s.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, strings.NewReader(form.Encode()))
	if err != nil {
		return iamResponse{}, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return iamResponse{}, fmt.Errorf("request token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return iamResponse{}, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr iamError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			return iamResponse{}, fmt.Errorf("token request failed: %s (%s)", apiErr.Message, apiErr.Code)
		}
		return iamResponse{}, fmt.Errorf("token request failed: %s", resp.Status)
	}

	var out iamResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return iamResponse{}, fmt.Errorf("decode token response: %w", err)
	}
	if out.AccessToken == "" {
		return iamResponse{}, errors.New("token response has no access_token")
	}
	return out, nil
}
