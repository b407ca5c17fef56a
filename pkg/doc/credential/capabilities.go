/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package credential

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ToolPattern is a glob-style pattern over tool names.
//
// Supported forms:
//   - exact: "filesystem/read_file"
//   - wildcard: "filesystem/*"
//   - prefix: "filesystem/"
type ToolPattern string

// Matches reports whether a tool name matches the pattern.
func (p ToolPattern) Matches(tool string) bool {
	s := string(p)

	switch {
	case strings.HasSuffix(s, "*"):
		return strings.HasPrefix(tool, s[:len(s)-1])
	case strings.HasSuffix(s, "/"):
		return strings.HasPrefix(tool, s)
	default:
		return tool == s
	}
}

// IsSubsetOf reports whether every tool matched by p is also matched by
// parent.
func (p ToolPattern) IsSubsetOf(parent ToolPattern) bool {
	s := string(parent)

	switch {
	case strings.HasSuffix(s, "*"):
		return strings.HasPrefix(string(p), s[:len(s)-1])
	case strings.HasSuffix(s, "/"):
		return strings.HasPrefix(string(p), s)
	default:
		return string(p) == s
	}
}

// Duration marshals as integer seconds in JSON so the canonical encoding is
// independent of Go's duration string format.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(time.Duration(d) / time.Second))
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var secs int64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("duration must be integer seconds: %w", err)
	}

	*d = Duration(time.Duration(secs) * time.Second)

	return nil
}

// RateLimit bounds how many times a credential may be presented within a
// sliding window.
type RateLimit struct {
	MaxPresentations uint64   `json:"max_presentations"`
	Window           Duration `json:"window"`
}

// Daily returns a 24-hour rate limit.
func Daily(maxPresentations uint64) RateLimit {
	return RateLimit{MaxPresentations: maxPresentations, Window: Duration(24 * time.Hour)}
}

// Hourly returns a one-hour rate limit.
func Hourly(maxPresentations uint64) RateLimit {
	return RateLimit{MaxPresentations: maxPresentations, Window: Duration(time.Hour)}
}

// ResourceLimits bounds per-operation resource usage. A nil limit means
// unlimited, which is never a subset of a set limit.
type ResourceLimits struct {
	MaxReadBytes          *uint64 `json:"max_read_bytes,omitempty"`
	MaxWriteBytes         *uint64 `json:"max_write_bytes,omitempty"`
	MaxConcurrentRequests *uint32 `json:"max_concurrent_requests,omitempty"`
}

// IsSubsetOf reports whether these limits are at least as strict as parent's.
func (l ResourceLimits) IsSubsetOf(parent ResourceLimits) bool {
	if !boundWithin(l.MaxReadBytes, parent.MaxReadBytes) {
		return false
	}

	if !boundWithin(l.MaxWriteBytes, parent.MaxWriteBytes) {
		return false
	}

	if parent.MaxConcurrentRequests != nil &&
		(l.MaxConcurrentRequests == nil || *l.MaxConcurrentRequests > *parent.MaxConcurrentRequests) {
		return false
	}

	return true
}

func boundWithin(child, parent *uint64) bool {
	if parent == nil {
		return true
	}

	return child != nil && *child <= *parent
}

// Capabilities controls which tools a credential grants access to and how
// often it may be presented.
type Capabilities struct {
	AllowedTools   []ToolPattern  `json:"allowed_tools"`
	DeniedTools    []ToolPattern  `json:"denied_tools,omitempty"`
	ResourceLimits ResourceLimits `json:"resource_limits,omitempty"`
	RateLimit      RateLimit      `json:"rate_limit"`
}

// ToolNotAllowedError is returned by CheckTool for tools outside the
// capability set.
type ToolNotAllowedError struct {
	Tool string
}

func (e *ToolNotAllowedError) Error() string {
	return fmt.Sprintf("tool %q not allowed by credential capabilities", e.Tool)
}

// CheckTool verifies a tool against the allow and deny lists. Deny patterns
// take precedence.
func (c *Capabilities) CheckTool(tool string) error {
	for _, p := range c.DeniedTools {
		if p.Matches(tool) {
			return &ToolNotAllowedError{Tool: tool}
		}
	}

	for _, p := range c.AllowedTools {
		if p.Matches(tool) {
			return nil
		}
	}

	return &ToolNotAllowedError{Tool: tool}
}

// IsSubsetOf reports whether c grants no more than parent: allowed tools are
// covered by the parent's allow list, every parent denial is retained, and
// rate and resource limits do not increase.
func (c *Capabilities) IsSubsetOf(parent *Capabilities) bool {
	for _, child := range c.AllowedTools {
		covered := false

		for _, p := range parent.AllowedTools {
			if child.IsSubsetOf(p) {
				covered = true
				break
			}
		}

		if !covered {
			return false
		}
	}

	for _, parentDenied := range parent.DeniedTools {
		retained := false

		for _, childDenied := range c.DeniedTools {
			if parentDenied == childDenied {
				retained = true
				break
			}
		}

		if !retained {
			return false
		}
	}

	if c.RateLimit.MaxPresentations > parent.RateLimit.MaxPresentations {
		return false
	}

	return c.ResourceLimits.IsSubsetOf(parent.ResourceLimits)
}
