package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prudhvinik1/offlinecore/internal/logging"
	"github.com/prudhvinik1/offlinecore/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	DefaultTimeout  = 15 * time.Second
	maxResponseBody = 4 << 20
)

// ActionSender performs a named remote operation. A nil error means the
// server accepted the action; otherwise the error is a *SendError.
type ActionSender interface {
	Send(ctx context.Context, actionName string, payload json.RawMessage) (*models.ActionResult, error)
}

// TokenSource supplies the bearer token for outgoing requests. An empty token
// sends the request unauthenticated.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// HTTPSender posts actions to {baseURL}/{actionName} as JSON.
type HTTPSender struct {
	baseURL string
	client  *http.Client
	tokens  TokenSource
	log     logrus.FieldLogger
}

func NewHTTPSender(baseURL string, client *http.Client, tokens TokenSource, log logrus.FieldLogger) *HTTPSender {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	if log == nil {
		log = logging.Discard()
	}
	return &HTTPSender{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		tokens:  tokens,
		log:     log,
	}
}

func (s *HTTPSender) Send(ctx context.Context, actionName string, payload json.RawMessage) (*models.ActionResult, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}

	endpoint := s.baseURL + "/" + url.PathEscape(actionName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, DomainError(actionName, fmt.Sprintf("invalid request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if s.tokens != nil {
		token, err := s.tokens.Token(ctx)
		if err != nil {
			// Without a session the server would reject the call; keep the
			// action queued until the user signs in again.
			return nil, NetworkError(actionName, "no session token", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, NetworkError(actionName, ConnectionErrorMessage, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return nil, NetworkError(actionName, resp.Status, nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, NetworkError(actionName, "failed to read response", err)
	}

	var result models.ActionResult
	if err := json.Unmarshal(body, &result); err != nil {
		// The API layer answers every call with an envelope; anything else
		// came from something between us and the server.
		return nil, NetworkError(actionName, ConnectionErrorMessage, err)
	}

	s.log.WithFields(logrus.Fields{
		"action": actionName,
		"status": resp.StatusCode,
		"ok":     result.OK,
	}).Debug("action sent")

	return Classify(actionName, &result)
}

// Classify turns a decoded envelope into the sender's result/error contract.
func Classify(actionName string, result *models.ActionResult) (*models.ActionResult, error) {
	if result.OK {
		return result, nil
	}
	if result.Msg == ConnectionErrorMessage {
		return result, NetworkError(actionName, result.Msg, nil)
	}
	return result, DomainError(actionName, result.Msg)
}
