// Package remote backs software tokens up to an OCI registry.
//
// A token is pushed as one image: each file group (the token record, the
// object files) becomes a zstd layer, and the config labels carry the
// token serial number and a hash per group so a pull can verify what it
// unpacked. Authentication goes through the docker keychain unless an
// Authenticator supplies credentials.
package remote

import "context"

// Snapshot is a software token as a set of files keyed by slash-separated
// relative path.
type Snapshot struct {
	Serial string
	Files  map[string][]byte
}

// Remote handles OCI registry operations.
type Remote interface {
	// Push uploads a token snapshot to the registry.
	Push(ctx context.Context, snap Snapshot) error

	// Pull downloads the token snapshot stored under the reference.
	Pull(ctx context.Context) (Snapshot, error)
}
