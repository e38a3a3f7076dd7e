package auth

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/driftmq/broker/internal/cluster"
)

func newTestStore(t *testing.T) *cluster.UserStore {
	path := filepath.Join(t.TempDir(), "users.db")
	s, err := cluster.OpenUserStore(path, "test-cluster")
	if err != nil {
		t.Fatalf("OpenUserStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPlaintextApplyMatchingPassword(t *testing.T) {
	store := newTestStore(t)
	store.Save(cluster.User{Username: "alice", Password: "secret"})

	p := &Plaintext{Users: store}
	ok, err := p.Apply(Login{Username: "alice", Password: "secret"})
	if err != nil || !ok {
		t.Fatalf("expected successful auth, ok=%v err=%v", ok, err)
	}
}

func TestPlaintextApplyWrongPassword(t *testing.T) {
	store := newTestStore(t)
	store.Save(cluster.User{Username: "alice", Password: "secret"})

	p := &Plaintext{Users: store}
	ok, err := p.Apply(Login{Username: "alice", Password: "wrong"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected auth failure for wrong password")
	}
}

func TestPlaintextApplyUnknownUserIsFalseNotError(t *testing.T) {
	store := newTestStore(t)
	p := &Plaintext{Users: store}

	ok, err := p.Apply(Login{Username: "nobody", Password: "x"})
	if err != nil {
		t.Fatalf("unknown user must not be an error, got %v", err)
	}
	if ok {
		t.Fatalf("expected false for unknown user")
	}
}

type failingAuthenticator struct{}

func (failingAuthenticator) Apply(Login) (bool, error) {
	return false, errors.New("store unreachable")
}

func TestPipelineSecretFreeLoginShortCircuits(t *testing.T) {
	pipe := NewPipeline(failingAuthenticator{}, true)
	ok, err := pipe.Authenticate(Login{Username: ""})
	if err != nil || !ok {
		t.Fatalf("expected secret-free login to bypass the backend, ok=%v err=%v", ok, err)
	}
}

func TestPipelineRequiresBackendWhenNotSecretFree(t *testing.T) {
	pipe := NewPipeline(failingAuthenticator{}, false)
	_, err := pipe.Authenticate(Login{Username: ""})
	if err == nil {
		t.Fatalf("expected backend to be consulted when secret_free_login is false")
	}
}

func TestPipelineWrapsBackendErrors(t *testing.T) {
	store := newTestStore(t)
	store.Close() // force subsequent Get calls to fail

	pipe := NewPipeline(&Plaintext{Users: store}, false)
	_, err := pipe.Authenticate(Login{Username: "alice", Password: "x"})
	if err == nil {
		t.Fatalf("expected an error from a closed store")
	}
	if !errors.Is(err, ErrBackend) {
		t.Fatalf("expected error to wrap ErrBackend, got %v", err)
	}
}
