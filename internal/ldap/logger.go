package ldap

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Log subsystems.
const (
	SubsystemLDAP      = "ldap"
	SubsystemUserStore = "userstore"
)

// WithLogging registers the package subsystems on ctx. Levels are read from
// LDAP_IDENTITY_LOG_LDAP and LDAP_IDENTITY_LOG_USERSTORE.
func WithLogging(ctx context.Context) context.Context {
	ctx = tflog.NewSubsystem(ctx, SubsystemLDAP, tflog.WithLevelFromEnv("LDAP_IDENTITY_LOG_LDAP"))
	return tflog.NewSubsystem(ctx, SubsystemUserStore, tflog.WithLevelFromEnv("LDAP_IDENTITY_LOG_USERSTORE"))
}

// LogOperation is a helper function to log an operation with timing.
func LogOperation(ctx context.Context, subsystem, operation string, fields map[string]any, fn func() error) error {
	start := time.Now()

	fields = SanitizeFields(fields)
	fields["operation"] = operation

	tflog.SubsystemDebug(ctx, subsystem, "Starting operation", fields)

	err := fn()

	fields["duration_ms"] = time.Since(start).Milliseconds()

	if err != nil {
		fields["error"] = err.Error()
		tflog.SubsystemError(ctx, subsystem, "Operation failed", fields)
	} else {
		tflog.SubsystemDebug(ctx, subsystem, "Operation completed successfully", fields)
	}

	return err
}

// LogLDAPError logs LDAP-specific error information.
func LogLDAPError(ctx context.Context, operation string, err error, fields map[string]any) {
	fields = SanitizeFields(fields)
	fields["operation"] = operation
	fields["error"] = err.Error()

	var resultErr *ldap.Error
	if errors.As(err, &resultErr) {
		fields["ldap_result_code"] = resultErr.ResultCode
		if resultErr.MatchedDN != "" {
			fields["ldap_matched_dn"] = resultErr.MatchedDN
		}
	}

	fields["error_category"] = string(GetErrorCategory(err))
	var ldapErr *LDAPError
	if errors.As(err, &ldapErr) {
		fields["retryable"] = ldapErr.IsRetryable()
	}

	tflog.SubsystemWarn(ctx, SubsystemLDAP, "LDAP operation failed", fields)
}

// LogConnectionEvent logs connection-related events.
func LogConnectionEvent(ctx context.Context, event string, fields map[string]any) {
	fields = SanitizeFields(fields)
	fields["event"] = event

	switch event {
	case "connection_established", "authentication_success":
		tflog.SubsystemDebug(ctx, SubsystemLDAP, "Connection event", fields)
	case "connection_failed", "authentication_failed":
		tflog.SubsystemWarn(ctx, SubsystemLDAP, "Connection event", fields)
	default:
		tflog.SubsystemTrace(ctx, SubsystemLDAP, "Connection event", fields)
	}
}

var sensitiveKeys = map[string]bool{
	"password":         true,
	"passwd":           true,
	"secret":           true,
	"token":            true,
	"credential":       true,
	"credentials":      true,
	"bind_credentials": true,
}

// SanitizeFields returns a copy of fields with sensitive values redacted.
// A nil map yields an empty, writable map.
func SanitizeFields(fields map[string]any) map[string]any {
	sanitized := make(map[string]any, len(fields)+4)

	for k, v := range fields {
		if sensitiveKeys[strings.ToLower(k)] {
			sanitized[k] = "[REDACTED]"
			continue
		}
		if str, ok := v.(string); ok && containsSensitivePattern(str) {
			sanitized[k] = "[REDACTED]"
			continue
		}
		sanitized[k] = v
	}

	return sanitized
}

func containsSensitivePattern(s string) bool {
	lower := strings.ToLower(s)
	for _, pattern := range []string{"password=", "passwd=", "secret=", "token="} {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}
