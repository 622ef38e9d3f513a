package domain

// ============================================================
// Health & Metrics API Responses
// ============================================================

// HealthStatus is returned by GET /healthz.
type HealthStatus struct {
	Status   string          `json:"status"` // healthy, degraded, unhealthy
	Services []ServiceHealth `json:"services"`
}

// ServiceHealth represents the health of an individual dependency.
type ServiceHealth struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	LatencyMs   int64  `json:"latencyMs"`
	LastChecked string `json:"lastChecked"`
}

// EngineMetrics is returned by GET /v1/metrics/engine.
type EngineMetrics struct {
	Rollovers          map[string]float64 `json:"rollovers"`
	CounterRegressions map[string]float64 `json:"counterRegressions"`
	PersistenceErrors  float64            `json:"persistenceErrors"`
	TradingFailures    float64            `json:"tradingFailures"`
	DailyChargedKwh    float64            `json:"dailyChargedKwh"`
	DailyDischargedKwh float64            `json:"dailyDischargedKwh"`
	SourceCount        float64            `json:"sourceCount"`
}

// SuccessResponse wraps a successful single-entity response.
type SuccessResponse struct {
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}
