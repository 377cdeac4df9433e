package engine

import (
	"fmt"
	"regexp"
	"unicode/utf8"

	"github.com/google/uuid"

	"asynccode/internal/agent"
)

// ValidationError reports a rejected submit field. No task is created when
// one is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

const maxPromptLen = 10000

var (
	// Conservative https-only shape: host, owner, repo, optional .git.
	repoURLPattern = regexp.MustCompile(`^https://[A-Za-z0-9][A-Za-z0-9.-]*/[A-Za-z0-9._-]+/[A-Za-z0-9._-]+(\.git)?$`)
	branchPattern  = regexp.MustCompile(`^[A-Za-z0-9._/-]{1,255}$`)
)

func validateUserID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return &ValidationError{Field: "user_id", Reason: "must be a UUID"}
	}
	return nil
}

func validateRepoURL(raw string) error {
	if raw == "" {
		return &ValidationError{Field: "repo_url", Reason: "must not be empty"}
	}
	if !repoURLPattern.MatchString(raw) {
		return &ValidationError{Field: "repo_url", Reason: "must be https://<host>/<owner>/<repo>"}
	}
	return nil
}

func validateBranch(branch string) error {
	if !branchPattern.MatchString(branch) {
		return &ValidationError{Field: "target_branch", Reason: "must match [A-Za-z0-9._/-]{1,255}"}
	}
	return nil
}

func validateAgentKind(kind string) error {
	if _, err := agent.ParseKind(kind); err != nil {
		return &ValidationError{Field: "agent_kind", Reason: "must be claude or codex"}
	}
	return nil
}

// validateText applies the prompt rules: valid UTF-8, bounded length, and no
// control characters except tab and newline.
func validateText(field, text string) error {
	if text == "" {
		return &ValidationError{Field: field, Reason: "must not be empty"}
	}
	if len(text) > maxPromptLen {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("longer than %d bytes", maxPromptLen)}
	}
	if !utf8.ValidString(text) {
		return &ValidationError{Field: field, Reason: "must be valid UTF-8"}
	}
	for _, r := range text {
		if r == '\t' || r == '\n' {
			continue
		}
		if r < 0x20 || r == 0x7f {
			return &ValidationError{Field: field, Reason: "contains control characters"}
		}
	}
	return nil
}
