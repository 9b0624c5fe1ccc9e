package auth

// UserClaims represents the JWT claims for a user
type UserClaims struct {
	UserID  int64  `json:"user_id"`
	Email   string `json:"email,omitempty"`
	IsAdmin bool   `json:"is_admin"`
}

// AuthError carries a stable code for API responses
type AuthError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e AuthError) Error() string {
	return e.Message
}

// Common authentication errors
var (
	ErrInvalidToken = AuthError{Code: "INVALID_TOKEN", Message: "invalid or expired token"}
	ErrTokenExpired = AuthError{Code: "TOKEN_EXPIRED", Message: "token has expired"}
	ErrUnauthorized = AuthError{Code: "UNAUTHORIZED", Message: "unauthorized access"}
	ErrForbidden    = AuthError{Code: "FORBIDDEN", Message: "access forbidden"}
)
