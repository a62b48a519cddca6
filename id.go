package conveyor

import "github.com/prefect421/conveyor/id"

// ID is the primary identifier type for all Conveyor entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
