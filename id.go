package beacon

import "github.com/xraph/beacon/id"

// ID is the identifier type used for fired-trigger entries.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
