package auth

import "github.com/golang-jwt/jwt/v5"

func signWithClaims(secret []byte, alg string, claims map[string]any) (string, error) {
	return jwt.NewWithClaims(signingMethods[alg], jwt.MapClaims(claims)).SignedString(secret)
}

type staticVerifier struct{}

func (staticVerifier) Verify(token string) (*Claims, error) {
	return &Claims{Subject: token, UserID: token, Mode: "static"}, nil
}
