// Package capture decides which conversation text is worth remembering and
// scrubs secrets from it before it leaves the machine.
//
// The heuristic is an ordered list of regex predicates. Any match triggers a
// capture and the first matching pattern names the reason. Redaction runs the
// gitleaks default rule set, optionally relaxed by a TOML allowlist.
package capture
