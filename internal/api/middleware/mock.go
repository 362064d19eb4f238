package middleware

// MockRateLimiter is a function-field RateLimiter for tests.
type MockRateLimiter struct {
	AllowFunc func(callerID string) bool
}

// Allow implements RateLimiter. It allows everything when AllowFunc is nil.
func (m *MockRateLimiter) Allow(callerID string) bool {
	if m.AllowFunc != nil {
		return m.AllowFunc(callerID)
	}

	return true
}
