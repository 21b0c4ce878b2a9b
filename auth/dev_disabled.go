//go:build nodevauth

package auth

import "errors"

const DevAuthAvailable = false

func NewDevVerifier() (Verifier, error) {
	return nil, errors.New("dev auth is not compiled into this build")
}
