package model

// RoutePlannerStatus reports the node's IP rotation state. Class and Details
// are nil when no route planner is configured.
type RoutePlannerStatus struct {
	Class   *string             `json:"class"`
	Details *RoutePlannerDetail `json:"details"`
}

// RoutePlannerDetail carries the planner-specific fields; members not used by
// the active planner class are nil.
type RoutePlannerDetail struct {
	IPBlock             IPBlock          `json:"ipBlock"`
	FailingAddresses    []FailingAddress `json:"failingAddresses"`
	RotateIndex         *string          `json:"rotateIndex"`
	IPIndex             *string          `json:"ipIndex"`
	CurrentAddress      *string          `json:"currentAddress"`
	CurrentAddressIndex *string          `json:"currentAddressIndex"`
	BlockIndex          *string          `json:"blockIndex"`
}

// IPBlock describes the address block the planner rotates over.
type IPBlock struct {
	Type string `json:"type"`
	Size string `json:"size"`
}

// FailingAddress records an address the planner has marked as failing.
type FailingAddress struct {
	Address   string `json:"failingAddress"`
	Timestamp int64  `json:"failingTimestamp"` // Unix timestamp in milliseconds
	Time      string `json:"failingTime"`
}
