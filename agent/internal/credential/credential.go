package credential

import (
	"os"
	"strings"
)

// Provider returns the bearer token to authenticate with. ok is false
// when no token is configured.
type Provider interface {
	Token() (token string, ok bool)
}

// MinTokenLength is the shortest token accepted by Store. Anything
// shorter is almost certainly a paste error.
const MinTokenLength = 20

// EnvProvider resolves the token from the environment variable Var.
type EnvProvider struct {
	Var string
}

// Token implements Provider.
func (p EnvProvider) Token() (string, bool) {
	if p.Var == "" {
		return "", false
	}
	v := strings.TrimSpace(os.Getenv(p.Var))
	return v, v != ""
}

// Static is a fixed token, used by tests and the connection check.
type Static string

// Token implements Provider.
func (s Static) Token() (string, bool) {
	return string(s), s != ""
}

// Mask returns token with everything but the first and last four
// characters elided. Tokens of eight characters or fewer are fully hidden.
func Mask(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}
