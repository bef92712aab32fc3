package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/recsup/recsup/internal/descriptor"
)

// validWebhookTemplates lists the supported webhook payload templates.
var validWebhookTemplates = map[string]bool{
	"generic": true, "slack": true, "pagerduty": true,
}

// Validate checks the config for semantic errors and returns all of them.
func Validate(cfg *Config) []error {
	var errs []error

	for name, r := range cfg.Recorders {
		prefix := fmt.Sprintf("recorders.%s", name)

		role, err := descriptor.ParseRole(r.Role)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
			continue
		}
		policy, err := descriptor.PolicyFor(role)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
			continue
		}

		if policy.WantsBand && r.Band < 1 {
			errs = append(errs, fmt.Errorf("%s: role %s requires band >= 1", prefix, role))
		}
		if policy.WantsBeam && r.Beam < 1 {
			errs = append(errs, fmt.Errorf("%s: role %s requires beam >= 1", prefix, role))
		}
		if policy.WantsGPU && r.GPU == nil {
			errs = append(errs, fmt.Errorf("%s: role %s requires gpu", prefix, role))
		}

		if strings.TrimSpace(r.Address) == "" {
			errs = append(errs, fmt.Errorf("%s: address is required", prefix))
		}
		if r.Port < 1 || r.Port > 65535 {
			errs = append(errs, fmt.Errorf("%s: port must be between 1 and 65535, got %d", prefix, r.Port))
		}
		if len(r.Cores) == 0 {
			errs = append(errs, fmt.Errorf("%s: cores is required", prefix))
		}
		if strings.TrimSpace(r.RecordDirectory) == "" {
			errs = append(errs, fmt.Errorf("%s: record_directory is required", prefix))
		}

		if _, err := descriptor.ParseQuota(r.Quota); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
		}

		if err := validateUser(r.User); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
		}
	}

	for name, w := range cfg.Webhooks {
		prefix := fmt.Sprintf("webhooks.%s", name)
		if strings.TrimSpace(w.URL) == "" {
			errs = append(errs, fmt.Errorf("%s: url is required", prefix))
		}
		if w.Template != "" && !validWebhookTemplates[w.Template] {
			errs = append(errs, fmt.Errorf("%s: template must be generic, slack, or pagerduty, got %q", prefix, w.Template))
		}
	}

	return errs
}

// validateUser checks the uid[:gid] credential syntax.
func validateUser(s string) error {
	if s == "" {
		return nil
	}
	uid, gid, ok := strings.Cut(s, ":")
	if _, err := strconv.Atoi(uid); err != nil {
		return fmt.Errorf("invalid user %q: uid must be numeric", s)
	}
	if ok {
		if _, err := strconv.Atoi(gid); err != nil {
			return fmt.Errorf("invalid user %q: gid must be numeric", s)
		}
	}
	return nil
}

// validateEndpoints reports recorders sharing a capture address:port.
// Called after includes are merged so cross-file collisions are caught.
func validateEndpoints(cfg *Config) []error {
	var errs []error
	seen := make(map[string]string)
	for name, r := range cfg.Recorders {
		key := fmt.Sprintf("%s:%d", r.Address, r.Port)
		if other, ok := seen[key]; ok {
			first, second := other, name
			if second < first {
				first, second = second, first
			}
			errs = append(errs, fmt.Errorf("recorders %s and %s share capture endpoint %s", first, second, key))
			continue
		}
		seen[key] = name
	}
	return errs
}
