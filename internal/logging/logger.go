package logging

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

const redacted = "[REDACTED]"

// inlineSecrets flag string values such as URLs or command lines that carry
// a credential.
var inlineSecrets = []string{"password=", "passwd=", "secret=", "token="}

// LogOperation runs fn, logging its start at debug and its outcome with the
// elapsed time. fields is copied through SanitizeFields and never mutated.
func LogOperation(ctx context.Context, subsystem, operation string, fields map[string]any, fn func() error) error {
	fields = SanitizeFields(fields)
	fields["operation"] = operation
	tflog.SubsystemDebug(ctx, subsystem, "Operation started", fields)

	start := time.Now()
	err := fn()
	fields["duration_ms"] = time.Since(start).Milliseconds()

	if err != nil {
		fields["error"] = err.Error()
		tflog.SubsystemError(ctx, subsystem, "Operation failed", fields)
		return err
	}
	tflog.SubsystemDebug(ctx, subsystem, "Operation completed", fields)
	return nil
}

// LogLDAPError logs err with the result code, matched DN and diagnostic
// message of any go-ldap error it wraps.
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
		if resultErr.Err != nil {
			fields["ldap_diagnostic_message"] = resultErr.Err.Error()
		}
	}

	tflog.SubsystemError(ctx, SubsystemLDAP, "LDAP operation failed", fields)
}

// LogConnectionEvent logs a directory dial or bind at debug.
func LogConnectionEvent(ctx context.Context, msg string, fields map[string]any) {
	tflog.SubsystemDebug(ctx, SubsystemLDAP, msg, SanitizeFields(fields))
}

// LogKerberosEvent logs a credential event: at warn when fields carries an
// error, at debug otherwise.
func LogKerberosEvent(ctx context.Context, msg string, fields map[string]any) {
	fields = SanitizeFields(fields)
	if _, failed := fields["error"]; failed {
		tflog.SubsystemWarn(ctx, SubsystemKerberos, msg, fields)
		return
	}
	tflog.SubsystemDebug(ctx, SubsystemKerberos, msg, fields)
}

// SanitizeFields returns a copy of fields with secret values replaced. It
// always returns a non-nil map.
func SanitizeFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		if isSecretKey(k) {
			out[k] = redacted
			continue
		}
		if s, ok := v.(string); ok && hasInlineSecret(s) {
			out[k] = redacted
			continue
		}
		out[k] = v
	}
	return out
}

func isSecretKey(key string) bool {
	key = strings.ToLower(key)
	for _, masked := range maskedKeys {
		if key == masked {
			return true
		}
	}
	return key == "passwd" || strings.HasPrefix(key, "credential")
}

func hasInlineSecret(s string) bool {
	lower := strings.ToLower(s)
	for _, marker := range inlineSecrets {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
