package model

import (
	"github.com/golang-jwt/jwt/v5"
)

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Identifier string `json:"identifier" binding:"required"`
	Secret     string `json:"secret" binding:"required"`
}

// AuthSession is returned by login and silent refresh.
type AuthSession struct {
	AccessToken string `json:"accessToken"`
	User        User   `json:"user"`
}

// TokenClaims represents JWT claims
type TokenClaims struct {
	jwt.RegisteredClaims
	Role       string `json:"role,omitempty"`
	LocationID string `json:"locationId,omitempty"`
}
