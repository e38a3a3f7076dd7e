// Package auth implements the pluggable identity check over CONNECT
// credentials (spec component C4).
package auth

import (
	"errors"
	"fmt"

	"github.com/driftmq/broker/internal/cluster"
)

// ErrBackend indicates the user store itself failed (not "user not
// found", which is a normal false result, not an error).
var ErrBackend = errors.New("authentication backend unavailable")

// Login carries the credentials presented in a CONNECT packet.
type Login struct {
	Username string
	Password string
}

// Authenticator is the capability every identity check implements,
// mirroring the teacher's small-interface-plus-registered-implementations
// shape (its client-side Authenticator/AuthHandler pattern) generalized to
// the server side: apply() over a Login instead of over a challenge.
type Authenticator interface {
	Apply(login Login) (bool, error)
}

// Plaintext compares a Login's credentials against the user table in the
// placement-center user store. An unknown username returns (false, nil),
// never an error; only a store failure returns an error, wrapped in
// ErrBackend.
type Plaintext struct {
	Users *cluster.UserStore
}

// Apply implements Authenticator.
func (p *Plaintext) Apply(login Login) (bool, error) {
	user, found, err := p.Users.Get(login.Username)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if !found {
		return false, nil
	}
	return user.Password == login.Password, nil
}

// Pipeline runs the configured Authenticator, short-circuiting for
// secret-free logins per spec.md §4.1: an empty username with the cluster
// flag set authenticates immediately without consulting the backend.
type Pipeline struct {
	Authenticator   Authenticator
	SecretFreeLogin bool
}

// NewPipeline builds a Pipeline wrapping the given Authenticator.
func NewPipeline(a Authenticator, secretFreeLogin bool) *Pipeline {
	return &Pipeline{Authenticator: a, SecretFreeLogin: secretFreeLogin}
}

// Authenticate decides whether login may proceed.
func (p *Pipeline) Authenticate(login Login) (bool, error) {
	if p.SecretFreeLogin && login.Username == "" {
		return true, nil
	}
	return p.Authenticator.Apply(login)
}
