package ledger

import "time"

// KDFParams configures the password-based key derivation hardness.
type KDFParams struct {
	Iterations int
	KeyLen     int
}

// DefaultKDFParams returns defaults reasonable for desktops/laptops.
func DefaultKDFParams() KDFParams {
	return KDFParams{
		Iterations: 600_000,
		KeyLen:     32,
	}
}

// SyncConfig controls outbound sync client behavior.
type SyncConfig struct {
	BaseURL   string
	AuthToken string
	DeviceID  string
	Timeout   time.Duration
	Retry     RetryConfig // retry settings (zero uses defaults)
}

// GetRetryConfig returns Retry config or defaults if not set.
func (c SyncConfig) GetRetryConfig() RetryConfig {
	if c.Retry.Attempts == 0 {
		return DefaultRetryConfig()
	}
	return c.Retry
}

// OrchestratorConfig controls periodic sync and status display behavior.
type OrchestratorConfig struct {
	Interval      time.Duration // periodic re-sync interval
	DisplayWindow time.Duration // how long Success/Error states linger before Idle
}

// DefaultOrchestratorConfig returns sensible defaults.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Interval:      5 * time.Minute,
		DisplayWindow: 3 * time.Second,
	}
}
