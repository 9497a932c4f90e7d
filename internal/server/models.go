package server

// HTTPError is the unified error envelope returned by the API.
type HTTPError struct {
	Error string `json:"error"`
}

// AuthSignupRequest is the payload for POST /api/auth/signup.
type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthLoginRequest is the payload for POST /api/auth/login.
type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse carries the session JWT for Bearer flows.
type TokenResponse struct {
	Token string `json:"token"`
}

// RankRequest is the payload for POST /api/ai/rank-tasks.
type RankRequest struct {
	Tasks      []string `json:"tasks"`
	Priorities string   `json:"priorities"`
}

// QuotaRejection explains a quota denial with machine-readable amounts.
type QuotaRejection struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
	Used   int    `json:"used"`
	Limit  int    `json:"limit"`
}

// CreditRejection explains a credit denial with machine-readable amounts.
type CreditRejection struct {
	Error     string `json:"error"`
	Reason    string `json:"reason"`
	Required  int    `json:"required"`
	Available int    `json:"available"`
}

// UsageResponse is the payload for GET /api/ai/usage. Credits is a
// pointer so an authenticated zero balance still serializes, while
// anonymous callers omit the field.
type UsageResponse struct {
	Plan             string `json:"plan"`
	MonthlyUsed      int    `json:"monthly_used"`
	MonthlyLimit     int    `json:"monthly_limit"`
	MonthlyRemaining int    `json:"monthly_remaining"`
	DailyUsed        int    `json:"daily_used"`
	Credits          *int   `json:"credits,omitempty"`
	Warning          bool   `json:"warning,omitempty"`
	Reason           string `json:"reason"`
}

// CreditsAddRequest is the payload for POST /api/credits/add.
type CreditsAddRequest struct {
	Email  string `json:"email"`
	Amount int    `json:"amount"`
}

// CreditsAddResponse reports the balance after a top-up.
type CreditsAddResponse struct {
	Email   string `json:"email"`
	Credits int    `json:"credits"`
}
