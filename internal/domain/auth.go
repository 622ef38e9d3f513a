package domain

// ============================================================
// Operator auth request / response types
// ============================================================

// TokenRequest is the body for POST /v1/auth/token.
type TokenRequest struct {
	Operator string `json:"operator"`
	Password string `json:"password"`
}

// TokenResponse is the body for 200 from POST /v1/auth/token.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}
