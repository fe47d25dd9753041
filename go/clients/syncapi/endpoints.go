package syncapi

const (
	// API Endpoints
	SessionEndpoint       = "/sync/session"
	GenerateCodeEndpoint  = "/sync/generate_share_code"
	JoinEndpoint          = "/sync/join"
	ShareCodeEndpoint     = "/sync/share-code"
	HealthEndpoint        = "/health"

	// Error reasons reported by the server alongside 4xx statuses.
	ErrReasonInvalidCode = "invalid_code"
	ErrReasonExpired     = "expired"
	ErrReasonUsed        = "used"
	ErrReasonNotFound    = "not_found"
)
