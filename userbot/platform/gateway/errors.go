package gateway

import (
	"fmt"
	"strings"

	"github.com/m3rciful/userbots/userbot/faults"
)

// RPCError is an error reported by the gateway for a single call.
type RPCError struct {
	RPCCode string
	Message string
}

func (e *RPCError) Error() string {
	if e.Message == "" {
		return "gateway: " + e.RPCCode
	}
	return fmt.Sprintf("gateway: %s: %s", e.RPCCode, e.Message)
}

// Code exposes the platform error code for handler summaries.
func (e *RPCError) Code() string { return e.RPCCode }

var permanentCodes = map[string]struct{}{
	"AUTH_KEY_UNREGISTERED": {},
	"AUTH_KEY_DUPLICATED":   {},
	"AUTH_KEY_INVALID":      {},
	"SESSION_REVOKED":       {},
	"SESSION_EXPIRED":       {},
	"USER_DEACTIVATED":      {},
	"USER_DEACTIVATED_BAN":  {},
}

// mapError classifies a gateway error code into the faults taxonomy.
func mapError(w *wireError) error {
	code := strings.ToUpper(strings.TrimSpace(w.Code))
	base := &RPCError{RPCCode: code, Message: w.Message}
	if _, ok := permanentCodes[code]; ok {
		return faults.Permanent(base)
	}
	switch {
	case code == "SESSION_PASSWORD_NEEDED":
		return fmt.Errorf("%w: %w", faults.ErrPasswordRequired, base)
	case code == "PASSWORD_HASH_INVALID":
		return fmt.Errorf("%w: %w", faults.ErrPasswordInvalid, base)
	case code == "PHONE_CODE_INVALID", code == "PHONE_CODE_EXPIRED", code == "PHONE_CODE_EMPTY":
		return fmt.Errorf("%w: %w", faults.ErrCodeInvalid, base)
	case strings.HasPrefix(code, "FLOOD_WAIT"), code == "TIMEOUT", code == "INTERNAL", code == "NETWORK_MIGRATE":
		return faults.Transient(base)
	}
	return base
}
