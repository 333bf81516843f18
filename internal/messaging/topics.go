package messaging

// Topic constants for pool events
const (
	TopicAlerts     = "pool.alerts"       // operator alerts, protobuf Struct
	TopicBlockFound = "pool.blocks_found" // accepted block submissions, JSON
)
