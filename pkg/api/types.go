package api

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// ServerConfig holds configuration for the API server
type ServerConfig struct {
	Bind   string
	Port   int
	APIKey string // empty disables authentication
}

// ECCStats exposes accumulated error-correction counters from the storage
// backend. Backends without ECC simply report zeros.
type ECCStats interface {
	CorrectedBytes() int
	BadBlocks() int
}

// StatsResponse reports store-wide counters.
type StatsResponse struct {
	Backend        string `json:"backend"`
	Entries        int    `json:"entries"`
	Dumped         uint64 `json:"dumped"`
	Failed         uint64 `json:"failed"`
	Dropped        uint64 `json:"dropped"`
	CorrectedBytes int    `json:"corrected_bytes"`
	BadBlocks      int    `json:"bad_blocks"`
}
