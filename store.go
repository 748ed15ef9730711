package cardmd

import (
	"github.com/aweris/cardmd/internal/store"
)

// ObjectStore is the token interface the engine consumes.
// Re-exported from internal/store for convenience.
type ObjectStore = store.ObjectStore

// Object is a reference to a token object.
type Object = store.Object

// Handles is the host's context/card handle pair.
type Handles = store.Handles

// Connector opens an ObjectStore for a handle pair.
type Connector = store.Connector

// TokenInfo carries token-level attributes.
type TokenInfo = store.TokenInfo

// AlgorithmInfo is one row of a token's algorithm table.
type AlgorithmInfo = store.AlgorithmInfo
