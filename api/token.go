package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Role partitions the API surface: customers create and cancel requests,
// advisors submit offers, admins can do both plus force an evaluation.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAdvisor  Role = "advisor"
	RoleAdmin    Role = "admin"
)

// ErrInvalidToken covers every verification failure; the response never
// explains which check failed.
var ErrInvalidToken = errors.New("api: invalid token")

// Tokens signs and verifies the HMAC bearer tokens accepted by the API.
type Tokens struct {
	secret []byte
}

func NewTokens(secret string) *Tokens {
	return &Tokens{secret: []byte(secret)}
}

// Generate creates a signed token for the subject. Used by the identity
// collaborator and by tests; this service never stores credentials.
func (t *Tokens) Generate(subjectID string, role Role) (string, error) {
	claims := jwt.MapClaims{
		"user_id": subjectID,
		"role":    string(role),
		"exp":     time.Now().Add(24 * time.Hour).Unix(),
		"iat":     time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Verify validates a token and returns its subject and role.
func (t *Tokens) Verify(tokenString string) (string, Role, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil || !token.Valid {
		return "", "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", ErrInvalidToken
	}
	subject, ok := claims["user_id"].(string)
	if !ok {
		return "", "", ErrInvalidToken
	}
	roleStr, ok := claims["role"].(string)
	if !ok {
		return "", "", ErrInvalidToken
	}
	role := Role(roleStr)
	switch role {
	case RoleCustomer, RoleAdvisor, RoleAdmin:
	default:
		return "", "", ErrInvalidToken
	}
	return subject, role, nil
}
