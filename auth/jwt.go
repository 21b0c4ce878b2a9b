package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// HMAC algorithms accepted for JWT_ALG.
var signingMethods = map[string]jwt.SigningMethod{
	"HS256": jwt.SigningMethodHS256,
	"HS384": jwt.SigningMethodHS384,
	"HS512": jwt.SigningMethodHS512,
}

// SupportedAlg reports whether alg can be used with a shared secret.
func SupportedAlg(alg string) bool {
	_, ok := signingMethods[alg]
	return ok
}

// JWTVerifier checks HMAC signed tokens against a shared secret.
type JWTVerifier struct {
	secret []byte
	alg    string
}

func NewJWTVerifier(secret []byte, alg string) (*JWTVerifier, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("empty secret")
	}
	if !SupportedAlg(alg) {
		return nil, fmt.Errorf("unsupported signing algorithm %q", alg)
	}
	return &JWTVerifier{secret: secret, alg: alg}, nil
}

func (v *JWTVerifier) Verify(tokenString string) (*Claims, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{v.alg}))
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token not valid")
	}

	out := &Claims{Mode: "jwt", Alg: v.alg, Raw: claims}
	out.Subject, _ = claims["sub"].(string)
	out.UserID, _ = claims["user_id"].(string)
	if out.UserID == "" {
		out.UserID = out.Subject
	}
	return out, nil
}

// SignToken mints an HMAC token for subject valid for ttl.
func SignToken(secret []byte, alg, subject string, ttl time.Duration) (string, error) {
	method, ok := signingMethods[alg]
	if !ok {
		return "", fmt.Errorf("unsupported signing algorithm %q", alg)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub": subject,
		"exp": now.Add(ttl).Unix(),
		"iat": now.Unix(),
	}

	token := jwt.NewWithClaims(method, claims)

	signedToken, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("could not sign token: %w", err)
	}

	return signedToken, nil
}
