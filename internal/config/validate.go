package config

import (
	"fmt"
	"strings"

	"grimm.is/pktfilter/internal/filter"
	"grimm.is/pktfilter/internal/logging"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

func (e *ValidationErrors) add(field, format string, args ...any) {
	*e = append(*e, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Validate checks every block and compiles every rule against the engine
// options, so a config that validates commits without predicate errors.
func (c *Config) Validate() error {
	var errs ValidationErrors

	if c.SchemaVersion != "" && c.SchemaVersion != CurrentSchemaVersion {
		errs.add("schema_version", "unsupported version %q (want %q)", c.SchemaVersion, CurrentSchemaVersion)
	}

	fingerprint := filter.DefaultFingerprintFields
	if e := c.Engine; e != nil {
		if e.FastTierCapacity < 0 {
			errs.add("engine.fast_tier_capacity", "must not be negative")
		}
		if e.CacheSize < 0 {
			errs.add("engine.cache_size", "must not be negative")
		}
		if e.MaxRulesPerScope < 0 {
			errs.add("engine.max_rules_per_scope", "must not be negative")
		}
		if len(e.Fingerprint) > 0 {
			set, err := filter.ParseFields(e.Fingerprint)
			if err != nil {
				errs.add("engine.fingerprint", "%v", err)
			} else {
				fingerprint = set
			}
		}
	}

	if l := c.Logging; l != nil {
		if _, err := logging.ParseLevel(l.Level); err != nil {
			errs.add("logging.level", "%v", err)
		}
		if sl := l.Syslog; sl != nil {
			if sl.Host == "" {
				errs.add("logging.syslog.host", "required")
			}
			if sl.Port < 0 || sl.Port > 65535 {
				errs.add("logging.syslog.port", "out of range")
			}
			if sl.Protocol != "" && sl.Protocol != "udp" && sl.Protocol != "tcp" {
				errs.add("logging.syslog.protocol", "must be udp or tcp")
			}
			if sl.Facility < 0 || sl.Facility > 23 {
				errs.add("logging.syslog.facility", "must be between 0 and 23")
			}
		}
	}

	if a := c.API; a != nil && a.Enabled && a.Listen == "" {
		errs.add("api.listen", "required when the API is enabled")
	}
	if a := c.API; a != nil && a.MutationsPerMinute < 0 {
		errs.add("api.mutations_per_minute", "must not be negative")
	}

	seen := make(map[filter.Scope]bool)
	for i, sc := range c.Scopes {
		field := fmt.Sprintf("scope[%d]", i)
		scope, err := sc.Scope()
		if err != nil {
			errs.add(field, "%v", err)
			continue
		}
		field = fmt.Sprintf("scope %q %q", sc.IP, sc.Table)
		if seen[scope] {
			errs.add(field, "declared more than once")
		}
		seen[scope] = true

		names := make(map[string]bool)
		if c.Engine != nil && c.Engine.MaxRulesPerScope > 0 && len(sc.Rules) > c.Engine.MaxRulesPerScope {
			errs.add(field, "%d rules exceed max_rules_per_scope %d", len(sc.Rules), c.Engine.MaxRulesPerScope)
		}
		for _, r := range sc.Rules {
			rf := fmt.Sprintf("%s.rule %q", field, r.Name)
			if names[r.Name] {
				errs.add(rf, "duplicate rule name")
			}
			names[r.Name] = true

			spec, err := r.ToSpec(scope.IP)
			if err == nil {
				err = spec.Validate(scope.IP, fingerprint)
			}
			if err != nil {
				errs.add(rf, "%v", err)
			}
		}
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}
