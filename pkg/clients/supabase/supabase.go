package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/slickwilli/plugsave/models"
	"github.com/slickwilli/plugsave/pkg/store"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// refreshMargin renews the access token this long before it expires.
const refreshMargin = time.Minute

type Client struct {
	httpClient *http.Client
	baseURL    string
	anonKey    string
	email      string
	password   string

	mu              sync.Mutex
	accessToken     string
	refreshToken    string
	tokenExpiration time.Time
	userID          string
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	User         struct {
		ID string `json:"id"`
	} `json:"user"`
}

type apiError struct {
	Message          string `json:"message"`
	Msg              string `json:"msg"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (e apiError) text() string {
	for _, s := range []string{e.Message, e.Msg, e.ErrorDescription, e.Error} {
		if s != "" {
			return s
		}
	}
	return ""
}

// NewClient signs in with email and password. A client built without
// credentials has no session until SignIn succeeds.
func NewClient(ctx context.Context, baseURL, anonKey, email, password string, httpClient *http.Client) (*Client, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	client := &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		anonKey:    anonKey,
		email:      email,
		password:   password,
	}
	if email != "" {
		if err := client.RefreshToken(ctx); err != nil {
			return nil, err
		}
	}
	return client, nil
}

func (c *Client) buildRequest(ctx context.Context, method, path string, data io.Reader, token string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, fmt.Sprintf("%s/%s", c.baseURL, path), data)
	if err != nil {
		return nil, err
	}
	req.Header.Set("apikey", c.anonKey)
	if token == "" {
		token = c.anonKey
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// SignIn replaces the stored credentials and starts a new session.
func (c *Client) SignIn(ctx context.Context, email, password string) error {
	c.mu.Lock()
	c.email, c.password = email, password
	c.refreshToken = ""
	c.mu.Unlock()
	return c.RefreshToken(ctx)
}

// SignOut drops the local session and the stored credentials.
func (c *Client) SignOut() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.email, c.password = "", ""
	c.accessToken, c.refreshToken, c.userID = "", "", ""
	c.tokenExpiration = time.Time{}
}

// RefreshToken renews the session with the refresh token, falling back to
// a password sign-in when there is none or it was rejected.
func (c *Client) RefreshToken(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshLocked(ctx)
}

func (c *Client) refreshLocked(ctx context.Context) error {
	if c.refreshToken != "" {
		tok, err := c.getAuthToken(ctx, "refresh_token", map[string]string{"refresh_token": c.refreshToken})
		if err == nil {
			c.setToken(tok)
			return nil
		}
		if !errors.Is(err, store.ErrSessionMissing) || c.email == "" {
			return err
		}
	}
	if c.email == "" {
		return store.ErrSessionMissing
	}
	tok, err := c.getAuthToken(ctx, "password", map[string]string{"email": c.email, "password": c.password})
	if err != nil {
		return err
	}
	c.setToken(tok)
	return nil
}

func (c *Client) setToken(tok *tokenResponse) {
	c.accessToken = tok.AccessToken
	c.refreshToken = tok.RefreshToken
	c.userID = tok.User.ID
	c.tokenExpiration = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
}

func (c *Client) getAuthToken(ctx context.Context, grantType string, body map[string]string) (*tokenResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := c.buildRequest(ctx, http.MethodPost, "auth/v1/token?grant_type="+grantType, bytes.NewReader(payload), "")
	if err != nil {
		return nil, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, store.NewStoreError("auth", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, store.NewStoreError("auth", err)
	}
	if res.StatusCode == http.StatusBadRequest || res.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("%w: %s", store.ErrSessionMissing, decodeError(data, res.Status))
	}
	if res.StatusCode >= 300 {
		return nil, &store.StoreError{Op: "auth", Message: decodeError(data, res.Status)}
	}
	var tok tokenResponse
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, store.NewStoreError("auth", err)
	}
	if tok.AccessToken == "" || tok.User.ID == "" {
		return nil, &store.StoreError{Op: "auth", Message: "token response missing access token or user"}
	}
	return &tok, nil
}

// token returns a valid access token, refreshing it when it is about to
// expire.
func (c *Client) token(ctx context.Context) (string, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accessToken == "" && c.email == "" {
		return "", "", store.ErrSessionMissing
	}
	if c.tokenExpiration.Before(time.Now().Add(refreshMargin)) {
		if err := c.refreshLocked(ctx); err != nil {
			return "", "", err
		}
	}
	return c.accessToken, c.userID, nil
}

var _ store.SessionProvider = (*Client)(nil)

func (c *Client) CurrentSession(ctx context.Context) (*models.Session, error) {
	_, userID, err := c.token(ctx)
	if err != nil {
		return nil, err
	}
	return &models.Session{UserID: userID}, nil
}

func decodeError(data []byte, status string) string {
	var e apiError
	if err := json.Unmarshal(data, &e); err == nil {
		if msg := e.text(); msg != "" {
			return msg
		}
	}
	return status
}
