package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prudhvinik1/offlinecore/internal/models"
	"github.com/prudhvinik1/offlinecore/internal/repositories"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrNoSession    = errors.New("no active session")
)

// AuthService mints the bearer tokens sent with replayed actions and verifies
// tokens presented to the local HTTP surface.
type AuthService struct {
	sessionRepo repositories.SessionRepository
	jwtSecret   string
	jwtExpiry   time.Duration
	now         func() time.Time
}

type SessionRequest struct {
	AccountID uuid.UUID
	DeviceID  uuid.UUID
	// ExpiresAt defaults to now + the configured token expiry.
	ExpiresAt time.Time
}

type SessionResponse struct {
	Token     string
	ExpiresAt time.Time
	SessionID string
}

type TokenClaims struct {
	AccountID uuid.UUID
	DeviceID  uuid.UUID
	SessionID string
}

func NewAuthService(sessionRepo repositories.SessionRepository, jwtSecret string, jwtExpiry time.Duration) *AuthService {
	return &AuthService{
		sessionRepo: sessionRepo,
		jwtSecret:   jwtSecret,
		jwtExpiry:   jwtExpiry,
		now:         time.Now,
	}
}

// StartSession stores the signed-in account for this device and returns a
// token for it.
func (s *AuthService) StartSession(ctx context.Context, req SessionRequest) (*SessionResponse, error) {
	if req.AccountID == uuid.Nil || req.DeviceID == uuid.Nil {
		return nil, errors.New("account and device are required")
	}

	now := s.now()
	expiresAt := req.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(s.jwtExpiry)
	}
	if !expiresAt.After(now) {
		return nil, errors.New("session already expired")
	}

	session := &models.Session{
		ID:        uuid.NewString(),
		AccountID: req.AccountID,
		DeviceID:  req.DeviceID,
		ExpiresAt: expiresAt,
		CreatedAt: now,
	}
	if err := s.sessionRepo.Save(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	tokenExpiry := s.tokenExpiry(session, now)
	token, err := s.IssueToken(session.AccountID, session.DeviceID, session.ID, tokenExpiry)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	return &SessionResponse{
		Token:     token,
		ExpiresAt: tokenExpiry,
		SessionID: session.ID,
	}, nil
}

// Token implements remote.TokenSource from the stored session.
func (s *AuthService) Token(ctx context.Context) (string, error) {
	session, err := s.sessionRepo.Current(ctx)
	if errors.Is(err, repositories.ErrNotFound) {
		return "", ErrNoSession
	}
	if err != nil {
		return "", fmt.Errorf("failed to load session: %w", err)
	}

	now := s.now()
	if session.Expired(now) {
		return "", ErrNoSession
	}

	return s.IssueToken(session.AccountID, session.DeviceID, session.ID, s.tokenExpiry(session, now))
}

func (s *AuthService) EndSession(ctx context.Context) error {
	if err := s.sessionRepo.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

func (s *AuthService) IssueToken(accountID, deviceID uuid.UUID, sessionID string, expiresAt time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub":       accountID.String(),
		"device_id": deviceID.String(),
		"jti":       sessionID,
		"exp":       expiresAt.Unix(),
		"iat":       s.now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.jwtSecret))
}

func (s *AuthService) VerifyToken(tokenString string) (*TokenClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	accountIDStr, ok := claims["sub"].(string)
	if !ok {
		return nil, ErrInvalidToken
	}
	accountID, err := uuid.Parse(accountIDStr)
	if err != nil {
		return nil, ErrInvalidToken
	}

	deviceIDStr, ok := claims["device_id"].(string)
	if !ok {
		return nil, ErrInvalidToken
	}
	deviceID, err := uuid.Parse(deviceIDStr)
	if err != nil {
		return nil, ErrInvalidToken
	}

	sessionID, ok := claims["jti"].(string)
	if !ok {
		return nil, ErrInvalidToken
	}

	return &TokenClaims{
		AccountID: accountID,
		DeviceID:  deviceID,
		SessionID: sessionID,
	}, nil
}

// Tokens never outlive the session they were minted for.
func (s *AuthService) tokenExpiry(session *models.Session, now time.Time) time.Time {
	expiry := now.Add(s.jwtExpiry)
	if !session.ExpiresAt.IsZero() && session.ExpiresAt.Before(expiry) {
		return session.ExpiresAt
	}
	return expiry
}
