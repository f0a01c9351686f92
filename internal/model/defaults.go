package model

import "time"

// Shared defaults used by both the agent and the control CLI.
const (
	DefaultMaxQueueSize   = 100
	DefaultPollInterval   = 10 * time.Second
	DefaultRestartDelay   = time.Second
	DefaultStopTimeout    = 30 * time.Second
	DefaultBatchSize      = 100
	DefaultSendTimeout    = 30 * time.Second
	DefaultRetryUnit      = time.Second
	DefaultConnectRetries = 20
)
