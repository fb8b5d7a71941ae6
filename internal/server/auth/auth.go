// Package auth authenticates the single configured user and issues the bearer
// tokens checked by the REST routes and the execution socket.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	apperrors "github.com/pegasus-notebook/pegasus/internal/common/errors"
	"github.com/pegasus-notebook/pegasus/internal/common/config"
	"github.com/pegasus-notebook/pegasus/internal/common/logger"
)

const DefaultTokenDuration = 30 * time.Minute

var ErrInvalidToken = errors.New("could not validate credentials")

// Token is the response of a successful login.
type Token struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"-"`
}

type Service struct {
	username     string
	password     []byte
	passwordHash []byte
	secret       []byte
	ttl          time.Duration
	logger       *logger.Logger

	now func() time.Time
}

func NewService(cfg config.AuthConfig, log *logger.Logger) (*Service, error) {
	if cfg.Username == "" {
		return nil, fmt.Errorf("auth username is required")
	}
	if cfg.Password == "" && cfg.PasswordHash == "" {
		return nil, fmt.Errorf("auth password or passwordHash is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("auth jwtSecret is required")
	}
	ttl := cfg.TokenDurationTime()
	if ttl <= 0 {
		ttl = DefaultTokenDuration
	}
	return &Service{
		username:     cfg.Username,
		password:     []byte(cfg.Password),
		passwordHash: []byte(cfg.PasswordHash),
		secret:       []byte(cfg.JWTSecret),
		ttl:          ttl,
		logger:       log.WithFields(zap.String("component", "auth")),
		now:          time.Now,
	}, nil
}

// HashPassword returns a bcrypt hash suitable for auth.passwordHash.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Authenticate checks the credentials and issues a token.
func (s *Service) Authenticate(username, password string) (*Token, error) {
	if !s.checkCredentials(username, password) {
		s.logger.Warn("login rejected", zap.String("username", username))
		return nil, apperrors.Unauthorized("Incorrect username or password")
	}
	return s.Issue(username)
}

func (s *Service) checkCredentials(username, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.username)) == 1
	var passOK bool
	if len(s.passwordHash) > 0 {
		passOK = bcrypt.CompareHashAndPassword(s.passwordHash, []byte(password)) == nil
	} else {
		passOK = subtle.ConstantTimeCompare([]byte(password), s.password) == 1
	}
	return userOK && passOK
}

// Issue signs an HS256 token for subject.
func (s *Service) Issue(subject string) (*Token, error) {
	now := s.now()
	expires := now.Add(s.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, apperrors.InternalError("failed to sign token", err)
	}
	return &Token{AccessToken: signed, TokenType: "bearer", ExpiresAt: expires}, nil
}

// Verify returns the subject of a valid token.
func (s *Service) Verify(token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject != s.username {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
