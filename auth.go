// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sync"
)

// Security types offered during the handshake.
const (
	SecTypeInvalid uint8 = 0
	SecTypeNone    uint8 = 1
	SecTypeVNCAuth uint8 = 2
)

// Credentials are the passwords a server accepts. A viewer presenting the
// view-only password may watch but not send input.
type Credentials struct {
	Password         string
	ViewOnlyPassword string
}

// HasPassword reports whether any password is configured.
func (c Credentials) HasPassword() bool {
	return c.Password != "" || c.ViewOnlyPassword != ""
}

// AuthResult describes an accepted viewer.
type AuthResult struct {
	ViewOnly bool
}

// ServerAuth verifies a viewer during the security phase of the handshake.
type ServerAuth interface {
	SecurityType() uint8
	Authenticate(ctx context.Context, rw io.ReadWriter) (AuthResult, error)
	String() string
}

// NoneAuth accepts every viewer (security type 1).
type NoneAuth struct{}

// SecurityType returns SecTypeNone.
func (a *NoneAuth) SecurityType() uint8 { return SecTypeNone }

// Authenticate accepts the viewer unless ctx is already done.
func (a *NoneAuth) Authenticate(ctx context.Context, _ io.ReadWriter) (AuthResult, error) {
	if err := ctx.Err(); err != nil {
		return AuthResult{}, timeoutError("NoneAuth.Authenticate", "authentication cancelled", err)
	}
	return AuthResult{}, nil
}

func (a *NoneAuth) String() string { return "None" }

// VNCAuth implements DES challenge-response authentication (security
// type 2). The full password is tried first, then the view-only one.
type VNCAuth struct {
	Credentials

	logger Logger
}

// NewVNCAuth returns a verifier for creds.
func NewVNCAuth(creds Credentials, logger Logger) *VNCAuth {
	return &VNCAuth{Credentials: creds, logger: loggerOrNoOp(logger)}
}

// SecurityType returns SecTypeVNCAuth.
func (a *VNCAuth) SecurityType() uint8 { return SecTypeVNCAuth }

// Authenticate sends a challenge and checks the viewer's response.
func (a *VNCAuth) Authenticate(ctx context.Context, rw io.ReadWriter) (AuthResult, error) {
	if err := ctx.Err(); err != nil {
		return AuthResult{}, timeoutError("VNCAuth.Authenticate", "authentication cancelled", err)
	}
	if !a.HasPassword() {
		return AuthResult{}, configurationError("VNCAuth.Authenticate", "no password configured", nil)
	}
	logger := loggerOrNoOp(a.logger)

	challenge, err := GenerateChallenge()
	if err != nil {
		return AuthResult{}, err
	}
	defer clearBytes(challenge)

	if _, err := rw.Write(challenge); err != nil {
		return AuthResult{}, networkError("VNCAuth.Authenticate", "failed to send challenge", err)
	}

	response := make([]byte, VNCChallengeSize)
	defer clearBytes(response)
	if _, err := io.ReadFull(rw, response); err != nil {
		return AuthResult{}, networkError("VNCAuth.Authenticate", "failed to read challenge response", err)
	}

	switch {
	case VerifyVNCResponse(a.Password, challenge, response):
		logger.Debug("viewer authenticated with full-control password")
		return AuthResult{}, nil
	case VerifyVNCResponse(a.ViewOnlyPassword, challenge, response):
		logger.Debug("viewer authenticated with view-only password")
		return AuthResult{ViewOnly: true}, nil
	default:
		return AuthResult{}, authenticationError("VNCAuth.Authenticate", "authentication failed", nil)
	}
}

func (a *VNCAuth) String() string { return "VNC Authentication" }

// AuthFactory creates a verifier bound to the current credentials.
type AuthFactory func(creds Credentials, logger Logger) ServerAuth

// AuthRegistry maps security types to verifier factories.
type AuthRegistry struct {
	factories map[uint8]AuthFactory
	mu        sync.RWMutex
	logger    Logger
}

// NewAuthRegistry returns a registry holding None and VNC Authentication.
func NewAuthRegistry() *AuthRegistry {
	r := &AuthRegistry{
		factories: make(map[uint8]AuthFactory),
		logger:    &NoOpLogger{},
	}
	r.Register(SecTypeNone, func(Credentials, Logger) ServerAuth {
		return &NoneAuth{}
	})
	r.Register(SecTypeVNCAuth, func(creds Credentials, logger Logger) ServerAuth {
		return NewVNCAuth(creds, logger)
	})
	return r
}

// Register adds or replaces the factory for secType.
func (r *AuthRegistry) Register(secType uint8, factory AuthFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logger.Debug("registering security type", Field{Key: "security_type", Value: secType})
	r.factories[secType] = factory
}

// Unregister removes secType. It reports whether it was registered.
func (r *AuthRegistry) Unregister(secType uint8) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.factories[secType]; !ok {
		return false
	}
	delete(r.factories, secType)
	return true
}

// Create returns a verifier for secType.
func (r *AuthRegistry) Create(secType uint8, creds Credentials) (ServerAuth, error) {
	r.mu.RLock()
	factory, ok := r.factories[secType]
	logger := r.logger
	r.mu.RUnlock()

	if !ok {
		return nil, unsupportedError("AuthRegistry.Create",
			fmt.Sprintf("unsupported security type: %d", secType), nil)
	}
	auth := factory(creds, logger)
	if auth == nil {
		return nil, resourceError("AuthRegistry.Create",
			fmt.Sprintf("factory for security type %d returned nil", secType), nil)
	}
	return auth, nil
}

// SupportedTypes returns the registered types in ascending order.
func (r *AuthRegistry) SupportedTypes() []uint8 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]uint8, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// IsSupported reports whether secType is registered.
func (r *AuthRegistry) IsSupported(secType uint8) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.factories[secType]
	return ok
}

// SetLogger sets the logger handed to new verifiers.
func (r *AuthRegistry) SetLogger(logger Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logger = loggerOrNoOp(logger)
}

// Offer returns the security types to present to a viewer. A configured
// password always means VNC Authentication. Without one, None is offered
// unless authRequired is set, in which case nothing can be offered and an
// error explains why.
func (r *AuthRegistry) Offer(creds Credentials, authRequired bool) ([]uint8, error) {
	var want uint8
	switch {
	case creds.HasPassword():
		want = SecTypeVNCAuth
	case authRequired:
		return nil, configurationError("AuthRegistry.Offer",
			"authentication is required but no password is configured", nil)
	default:
		want = SecTypeNone
	}
	if !r.IsSupported(want) {
		return nil, unsupportedError("AuthRegistry.Offer",
			fmt.Sprintf("security type %d is not registered", want), nil)
	}
	return []uint8{want}, nil
}
