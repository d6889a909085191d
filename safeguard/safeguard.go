// Package safeguard screens task descriptions before any worker process is
// spawned. Matching is deliberately dumb: case-insensitive substrings against
// fixed pattern tables. Over-blocking is acceptable, a missed destructive
// command is not.
package safeguard

import (
	"fmt"
	"strings"

	"fanout/task"
)

// ContainerPolicy is the third policy axis on top of the two pattern tables.
type ContainerPolicy string

const (
	// ContainerStrict blocks any mention of a container tool.
	ContainerStrict ContainerPolicy = "strict"
	// ContainerStandard blocks only destructive container commands. This is
	// redundant with the destructive table and exists so the strict and
	// permissive levels have a midpoint.
	ContainerStandard ContainerPolicy = "standard"
	// ContainerPermissive imposes no container restriction.
	ContainerPermissive ContainerPolicy = "permissive"
)

// ParseContainerPolicy validates a policy string from config or flags.
func ParseContainerPolicy(s string) (ContainerPolicy, error) {
	switch ContainerPolicy(s) {
	case ContainerStrict, ContainerStandard, ContainerPermissive:
		return ContainerPolicy(s), nil
	}
	return "", fmt.Errorf("invalid container policy %q (want strict, standard or permissive)", s)
}

// Rule is one predicate over task text. Rules are kept as data so they can be
// unit-tested independently and extended without touching the supervisor.
type Rule struct {
	// Name identifies the rule in violation reports.
	Name string
	// Patterns are lowercase substrings; any hit triggers the rule.
	Patterns []string
}

// match returns the first pattern found in text, or "".
func (r Rule) match(text string) string {
	lower := strings.ToLower(text)
	for _, p := range r.Patterns {
		if strings.Contains(lower, p) {
			return p
		}
	}
	return ""
}

// protectedResources flags references to files and stores that workers have
// no business touching.
var protectedResources = Rule{
	Name: "protected-resource",
	Patterns: []string{
		".env",
		"credential",
		"secret",
		"password",
		"token",
		"api key",
		"apikey",
		".git/",
		".ssh",
		"id_rsa",
		"id_ed25519",
		".aws",
		".npmrc",
		".pypirc",
		"keychain",
		"node_modules",
		"vendor/",
	},
}

// destructiveCommands flags command shapes that destroy data or escalate
// privileges.
var destructiveCommands = Rule{
	Name: "destructive-command",
	Patterns: []string{
		"rm -rf",
		"rm -fr",
		"sudo",
		"chmod",
		"chown",
		"| sh",
		"| bash",
		"|sh",
		"|bash",
		"docker system prune",
		"docker rm -f",
		"docker rmi",
		"podman rm -f",
		"delete all",
		"delete everything",
		"wipe",
		"purge",
		"mkfs",
		"dd if=",
		":(){",
	},
}

// containerMentions backs the strict container policy.
var containerMentions = Rule{
	Name: "container-tool",
	Patterns: []string{
		"docker",
		"podman",
		"nerdctl",
		"containerd",
	},
}

// Violation is one rule hit on one task.
type Violation struct {
	TaskID  int
	Rule    string
	Matched string
}

func (v Violation) String() string {
	return fmt.Sprintf("task %d: %s rule matched %q", v.TaskID, v.Rule, v.Matched)
}

// Validator evaluates the full task list against the rule set.
type Validator struct {
	rules []Rule
}

// NewValidator builds a validator for the given container policy.
func NewValidator(policy ContainerPolicy) *Validator {
	rules := []Rule{protectedResources, destructiveCommands}
	if policy == ContainerStrict {
		rules = append(rules, containerMentions)
	}
	return &Validator{rules: rules}
}

// Check evaluates every task against every rule and returns all violations in
// one pass. A non-empty result must abort the run before any process spawns.
func (v *Validator) Check(tasks []task.Task) []Violation {
	var violations []Violation
	for _, t := range tasks {
		for _, r := range v.rules {
			if hit := r.match(t.Description); hit != "" {
				violations = append(violations, Violation{
					TaskID:  t.ID,
					Rule:    r.Name,
					Matched: hit,
				})
			}
		}
	}
	return violations
}

// FormatViolations renders all violations plus a remediation hint.
func FormatViolations(violations []Violation) string {
	var b strings.Builder
	b.WriteString("safeguard check failed:\n")
	for _, v := range violations {
		fmt.Fprintf(&b, "  - %s\n", v)
	}
	b.WriteString("Rephrase the offending tasks to avoid protected resources and destructive commands.")
	return b.String()
}
