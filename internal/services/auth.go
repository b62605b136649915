package services

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pixelhealth/biasalert-backend/internal/logger"
	"github.com/pixelhealth/biasalert-backend/internal/requestdata"
)

// AuthService verifies dashboard tokens and mints short-lived ones for
// operational tooling. Identity provider integration lives outside this
// service; all it needs is a shared HS256 secret.
type AuthService interface {
	IssueDashboardToken(userID, role string, ttl time.Duration) (string, error)
	Verify(tokenString string) (userID string, role string, err error)
	SetContextFromToken(ctx context.Context, tokenString string) (context.Context, error)
}

type DashboardClaims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type authService struct {
	log          *logger.Logger
	jwtSecretKey string
	defaultTTL   time.Duration
}

func NewAuthService(log *logger.Logger, jwtSecretKey string, defaultTTL time.Duration) AuthService {
	serviceLog := log.With("service", "AuthService")
	return &authService{
		log:          serviceLog,
		jwtSecretKey: jwtSecretKey,
		defaultTTL:   defaultTTL,
	}
}

func (as *authService) IssueDashboardToken(userID, role string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("missing user id")
	}
	if ttl <= 0 {
		ttl = as.defaultTTL
	}
	claims := DashboardClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(as.jwtSecretKey))
}

func (as *authService) Verify(tokenString string) (string, string, error) {
	if tokenString == "" {
		return "", "", fmt.Errorf("empty token")
	}
	parsedToken, err := jwt.ParseWithClaims(tokenString, &DashboardClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(as.jwtSecretKey), nil
	})
	if err != nil {
		return "", "", fmt.Errorf("Failed to parse token: %w", err)
	}
	claims, ok := parsedToken.Claims.(*DashboardClaims)
	if !ok || !parsedToken.Valid {
		return "", "", fmt.Errorf("Invalid or expired JWT token")
	}
	if claims.Subject == "" {
		return "", "", fmt.Errorf("Missing subject in token")
	}
	return claims.Subject, claims.Role, nil
}

func (as *authService) SetContextFromToken(ctx context.Context, tokenString string) (context.Context, error) {
	userID, role, err := as.Verify(tokenString)
	if err != nil {
		return ctx, err
	}
	rd := &requestdata.RequestData{
		TokenString: tokenString,
		UserID:      userID,
		Role:        role,
	}
	return requestdata.WithRequestData(ctx, rd), nil
}
