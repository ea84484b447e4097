package services

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	pkgerrors "github.com/yungbote/inferbridge-backend/internal/pkg/errors"
	"github.com/yungbote/inferbridge-backend/internal/platform/ctxutil"
	"github.com/yungbote/inferbridge-backend/internal/platform/logger"
)

const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// JWTClaims is the credential issued by the external auth service.
type JWTClaims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

type AuthConfig struct {
	// PublicKeyPEM verifies RS256 tokens in production.
	PublicKeyPEM []byte
	// SecretKey verifies HS256 tokens; intended for local development.
	SecretKey string
	// Leeway tolerates clock skew on exp/nbf.
	Leeway time.Duration
}

type AuthService interface {
	Verify(tokenString string) (*JWTClaims, error)
	SetContextFromToken(ctx context.Context, tokenString string) (context.Context, error)
	IssueToken(email, role string, ttl time.Duration) (string, error)
}

type authService struct {
	log       *logger.Logger
	publicKey *rsa.PublicKey
	secret    []byte
	leeway    time.Duration
}

func NewAuthService(log *logger.Logger, cfg AuthConfig) (AuthService, error) {
	s := &authService{
		log:    log.With("service", "AuthService"),
		secret: []byte(strings.TrimSpace(cfg.SecretKey)),
		leeway: cfg.Leeway,
	}
	if len(cfg.PublicKeyPEM) > 0 {
		key, err := jwt.ParseRSAPublicKeyFromPEM(cfg.PublicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("parse JWT public key: %w", err)
		}
		s.publicKey = key
	}
	if s.publicKey == nil && len(s.secret) == 0 {
		return nil, errors.New("auth: JWT_PUBLIC_KEY or JWT_SECRET_KEY must be set")
	}
	return s, nil
}

func (s *authService) keyFunc(token *jwt.Token) (interface{}, error) {
	switch token.Method.(type) {
	case *jwt.SigningMethodRSA:
		if s.publicKey == nil {
			return nil, fmt.Errorf("unexpected signing method %s", token.Method.Alg())
		}
		return s.publicKey, nil
	case *jwt.SigningMethodHMAC:
		if len(s.secret) == 0 {
			return nil, fmt.Errorf("unexpected signing method %s", token.Method.Alg())
		}
		return s.secret, nil
	default:
		return nil, fmt.Errorf("unexpected signing method %s", token.Method.Alg())
	}
}

func (s *authService) Verify(tokenString string) (*JWTClaims, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return nil, fmt.Errorf("%w: missing token", pkgerrors.ErrUnauthorized)
	}
	parsed, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, s.keyFunc,
		jwt.WithValidMethods([]string{"RS256", "HS256"}),
		jwt.WithLeeway(s.leeway),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(*JWTClaims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("%w: invalid or expired token", pkgerrors.ErrUnauthorized)
	}
	claims.Email = strings.TrimSpace(claims.Email)
	if claims.Email == "" {
		return nil, fmt.Errorf("%w: token has no email claim", pkgerrors.ErrUnauthorized)
	}
	switch claims.Role {
	case RoleAdmin, RoleUser:
	default:
		return nil, fmt.Errorf("%w: unknown role %q", pkgerrors.ErrUnauthorized, claims.Role)
	}
	return claims, nil
}

func (s *authService) SetContextFromToken(ctx context.Context, tokenString string) (context.Context, error) {
	claims, err := s.Verify(tokenString)
	if err != nil {
		return ctx, err
	}
	return ctxutil.WithRequestData(ctx, &ctxutil.RequestData{
		Email: claims.Email,
		Role:  claims.Role,
		Token: tokenString,
	}), nil
}

// IssueToken signs an HS256 token. It only works with a shared secret and
// exists for local development and tests.
func (s *authService) IssueToken(email, role string, ttl time.Duration) (string, error) {
	if len(s.secret) == 0 {
		return "", errors.New("auth: token issuance requires JWT_SECRET_KEY")
	}
	now := time.Now()
	claims := JWTClaims{
		Email: email,
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}
