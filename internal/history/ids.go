package history

import "github.com/oklog/ulid/v2"

// IDs are ULIDs so they sort by creation time and stay unique across
// clients without coordination.

func NewItemID() string {
	return "itm_" + ulid.Make().String()
}

func NewOperationID() string {
	return "op_" + ulid.Make().String()
}

func NewClientID() string {
	return "client_" + ulid.Make().String()
}
