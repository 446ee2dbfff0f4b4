// Package gft exposes tables of the remote tabular service as vector layers. It compiles layer operations
// into the service SQL dialect, sends them through transport with the credential from auth manager,
// and parses string-typed tabular responses into typed features with decoded geometry.
package gft

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/geosky/gft/pkg/auth"
	"github.com/geosky/gft/pkg/transport"
)

//go:generate moq -out mocks/executor.go -pkg mocks -skip-ensure -fmt goimports . Executor
//go:generate moq -out mocks/transport.go -pkg mocks -skip-ensure -fmt goimports . Transport
//go:generate moq -out mocks/authenticator.go -pkg mocks -skip-ensure -fmt goimports . Authenticator

// Executor runs a single statement and returns the raw tabular response.
// Implemented by Session.
type Executor interface {
	Exec(ctx context.Context, method transport.Method, stmt string) (*transport.Table, error)
}

// Transport sends a statement with the given credential. Implemented by transport.Client.
type Transport interface {
	Send(ctx context.Context, method transport.Method, stmt string, cred auth.Credential) (*transport.Table, error)
}

// Authenticator provides credential and accepts notifications about rejected ones.
// Implemented by auth.Manager.
type Authenticator interface {
	Credential(ctx context.Context) (auth.Credential, error)
	Invalidate(c auth.Credential)
}

// Session binds transport to the authenticator. A statement rejected with an authentication failure
// is sent once more with a re-acquired credential, nothing else is retried.
type Session struct {
	tr   Transport
	auth Authenticator
}

// NewSession makes a session.
func NewSession(tr Transport, au Authenticator) *Session {
	return &Session{tr: tr, auth: au}
}

// Exec sends statement with the current credential. A missing credential fails before any network call.
func (s *Session) Exec(ctx context.Context, method transport.Method, stmt string) (*transport.Table, error) {
	cred, err := s.auth.Credential(ctx)
	if err != nil {
		return nil, fmt.Errorf("can't get credential: %w", err)
	}

	tbl, err := s.tr.Send(ctx, method, stmt, cred)
	if err == nil {
		return tbl, nil
	}
	if !errors.Is(err, transport.ErrUnauthorized) {
		return nil, s.classify(stmt, err)
	}

	log.Printf("[DEBUG] credential (%s) rejected, re-acquire", cred.Origin)
	s.auth.Invalidate(cred)
	if cred, err = s.auth.Credential(ctx); err != nil {
		return nil, fmt.Errorf("can't refresh credential: %w", err)
	}
	if tbl, err = s.tr.Send(ctx, method, stmt, cred); err != nil {
		if errors.Is(err, transport.ErrUnauthorized) {
			s.auth.Invalidate(cred)
			return nil, &auth.Error{Kind: auth.InvalidCredentials, Err: err}
		}
		return nil, s.classify(stmt, err)
	}
	return tbl, nil
}

// classify converts undecodable responses to ProtocolError, other errors returned as is
func (s *Session) classify(stmt string, err error) error {
	if errors.Is(err, transport.ErrMalformedResponse) {
		return &ProtocolError{Statement: stmt, Reason: "undecodable response", Err: err}
	}
	return err
}
