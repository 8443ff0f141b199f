// Package classify maps raw deployment log lines to severities.
package classify

import (
	"strings"

	"github.com/dommgifer/CK-EP-sub000/internal/domain"
)

// Keyword tiers in priority order; the first tier with a match wins, which
// disambiguates lines carrying keywords from several tiers ("Task failed
// successfully" is an error).
var tiers = []struct {
	severity domain.Severity
	keywords []string
}{
	{domain.SeverityError, []string{"error", "failed", "fatal"}},
	{domain.SeverityWarning, []string{"warning", "warn"}},
	{domain.SeveritySuccess, []string{"ok", "success", "completed"}},
}

// Severity classifies a log message by case-insensitive substring checks.
// Messages matching no tier are info.
func Severity(message string) domain.Severity {
	lower := strings.ToLower(message)
	for _, tier := range tiers {
		for _, keyword := range tier.keywords {
			if strings.Contains(lower, keyword) {
				return tier.severity
			}
		}
	}
	return domain.SeverityInfo
}
