package agent

import (
	"strings"
	"time"

	"github.com/deskmesh/deskmesh/config"
	"github.com/deskmesh/deskmesh/internal/util"
)

// RoleSelector picks a system prompt for a turn by keyword-matching the
// query against the configured roles. The first role without keywords acts
// as the fallback.
type RoleSelector struct {
	roles []config.RoleConfig
}

// NewRoleSelector creates a selector over the configured roles.
func NewRoleSelector(roles []config.RoleConfig) *RoleSelector {
	return &RoleSelector{roles: roles}
}

// Select returns the role whose keywords score highest against the query.
// With no roles configured the zero RoleConfig is returned.
func (s *RoleSelector) Select(query string) config.RoleConfig {
	lower := strings.ToLower(query)

	var fallback config.RoleConfig
	haveFallback := false
	best := config.RoleConfig{}
	bestScore := 0

	for _, role := range s.roles {
		if len(role.Keywords) == 0 {
			if !haveFallback {
				fallback = role
				haveFallback = true
			}
			continue
		}
		score := 0
		for _, kw := range role.Keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				score++
			}
		}
		if score > bestScore {
			best = role
			bestScore = score
		}
	}

	if bestScore > 0 {
		return best
	}
	if haveFallback {
		return fallback
	}
	if len(s.roles) > 0 {
		return s.roles[0]
	}
	return config.RoleConfig{}
}

// RenderPrompt expands template markers in the role's prompt with ambient
// state such as the current date.
func RenderPrompt(role config.RoleConfig) (string, error) {
	return util.RenderPrompt(role.Prompt, map[string]any{
		"Role": role.Name,
		"Date": time.Now().Format("2006-01-02"),
	})
}
