package api

import (
	"time"

	"evmindexer/internal/config"
)

// JobRequest mirrors the structure of config.Config but is tagged for JSON
// decoding so a job can be launched directly from an HTTP request.
type JobRequest struct {
	Chain             config.ChainConfig             `json:"chain"`
	Contracts         []config.ContractConfig        `json:"contracts"`
	EventPollDelayMs  int                             `json:"event_poll_delay_ms"`
	Cache             *config.CacheConfig             `json:"cache"`
	SubscriptionStore *config.SubscriptionStoreConfig  `json:"subscription_store"`
	Retry             config.RetryConfig              `json:"retry"`
	CSVOutputDir      string                           `json:"csv_output_dir"`
	// TargetBlock, when non-nil, runs IndexToBlock and stops there.
	// A nil TargetBlock watches the chain tip until cancelled.
	TargetBlock *uint64 `json:"target_block"`
}

// JobResponse is returned after a successful job creation.
type JobResponse struct {
	JobID string `json:"job_id"`
}

// JobStatus represents the runtime state of a launched job.
type JobStatus struct {
	JobID      string     `json:"job_id"`
	Status     string     `json:"status"` // queued | running | finished | error | cancelled
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
