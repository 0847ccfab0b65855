package capture

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	gitleaksconfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksregexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// Finding is one detected secret.
type Finding struct {
	RuleID string
	Line   int
	Secret string
}

// Redact replaces every secret gitleaks finds in content with
// [REDACTED:<rule-id>]. allowlist may be nil.
func Redact(content string, allowlist *Allowlist) (string, []Finding, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return "", nil, fmt.Errorf("loading secret rules: %w", err)
	}
	if allowlist != nil {
		if err := applyAllowlist(&detector.Config, allowlist); err != nil {
			return "", nil, err
		}
	}

	raw := detector.DetectString(content)
	if len(raw) == 0 {
		return content, nil, nil
	}

	findings := make([]Finding, 0, len(raw))
	for _, f := range raw {
		secret := f.Secret
		if secret == "" {
			secret = f.Match
		}
		if secret == "" {
			continue
		}
		findings = append(findings, Finding{RuleID: f.RuleID, Line: f.StartLine, Secret: secret})
	}
	return replaceSecrets(content, findings), findings, nil
}

// replaceSecrets substitutes longer secrets first so a secret that contains
// another is not split.
func replaceSecrets(content string, findings []Finding) string {
	sorted := make([]Finding, len(findings))
	copy(sorted, findings)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Secret) > len(sorted[j].Secret)
	})
	for _, f := range sorted {
		content = strings.ReplaceAll(content, f.Secret, "[REDACTED:"+f.RuleID+"]")
	}
	return content
}

func applyAllowlist(cfg *gitleaksconfig.Config, allowlist *Allowlist) error {
	global := &gitleaksconfig.Allowlist{Description: "memoryd allowlist"}
	for _, pattern := range allowlist.Regexes {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidRegex, pattern, err)
		}
		global.Regexes = append(global.Regexes, (*gitleaksregexp.Regexp)(re))
	}
	global.StopWords = append(global.StopWords, allowlist.StopWords...)
	if len(global.Regexes) > 0 || len(global.StopWords) > 0 {
		cfg.Allowlists = append(cfg.Allowlists, global)
	}
	return nil
}
