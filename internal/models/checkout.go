package models

// CheckoutRequest is the body accepted by POST /api/checkout.
type CheckoutRequest struct {
	UserID   string `json:"userId"`
	Email    string `json:"email,omitempty"`
	Embedded bool   `json:"embedded,omitempty"`
}

// CheckoutResponse carries either a redirect URL (hosted mode) or a client
// secret (embedded mode), never both.
type CheckoutResponse struct {
	URL          string `json:"url,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
}

// PortalRequest is the body accepted by POST /api/portal.
type PortalRequest struct {
	UserID string `json:"userId"`
}

// PortalResponse is returned by POST /api/portal.
type PortalResponse struct {
	URL string `json:"url"`
}

// ErrorResponse is the JSON error envelope shared by the billing endpoints.
type ErrorResponse struct {
	Error string `json:"error"`
}

// EntitlementResponse is returned by GET /api/entitlement.
type EntitlementResponse struct {
	UserID    string          `json:"userId"`
	IsPremium bool            `json:"isPremium"`
	Record    *Subscription   `json:"record,omitempty"`
	Features  map[string]bool `json:"features"`
}
