// Package access implements the capability check gating file delivery:
// identity resolution plus a combined existence/permission/metadata lookup.
package access

import (
	"context"
	"errors"

	"github.com/berrycast/berrycast/internal/media"
)

// PrincipalKind distinguishes authenticated users from guest identities.
type PrincipalKind string

const (
	KindUser  PrincipalKind = "user"
	KindGuest PrincipalKind = "guest"
)

// Principal is a known requester identity.
type Principal struct {
	ID     string
	Kind   PrincipalKind
	Banned bool
}

// Result is the outcome of a combined access check. FileID set with
// HasAccess false means "exists, forbidden"; FileID empty means "no such
// file". Metadata is only populated when access is granted.
type Result struct {
	HasAccess bool
	FileID    string
	Metadata  *media.FileDescriptor
}

// ErrIdentityNotFound is returned when an identity matches no user or guest.
var ErrIdentityNotFound = errors.New("identity not found")

// Gate answers delivery access questions. Implementations must be safe for
// concurrent use; all operations are read-only.
type Gate interface {
	// ResolveIdentity looks up a requester by ID among users and guests.
	ResolveIdentity(ctx context.Context, id string) (*Principal, error)

	// Check combines existence, permission and metadata lookup for one file
	// in a single round trip.
	Check(ctx context.Context, identity, storagePath string) (*Result, error)
}
