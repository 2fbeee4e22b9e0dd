package render

import (
	"fmt"
	"strings"
	"sync"

	"github.com/osteele/liquid"

	"github.com/ignite/workspace-mailer/internal/domain"
)

// Renderer renders campaign content for one recipient. Simple mode is the
// literal {{var}} substitution of Substitute; liquid mode runs the full
// Liquid engine with the house filters. Compiled liquid templates are
// cached so a 100k-recipient prepare parses each field once.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

// New creates a Renderer with the custom filters registered.
func New() *Renderer {
	r := &Renderer{engine: liquid.NewEngine()}
	r.registerFilters()
	return r
}

// Render produces the final text for one field of one recipient.
// cacheKey scopes the compiled-template cache; pass "" to skip caching.
// Errors only occur in liquid mode and abort the prepare as validation
// failures.
func (r *Renderer) Render(mode domain.TemplateEngine, cacheKey, text string, vars map[string]string) (string, error) {
	if text == "" {
		return "", nil
	}
	if mode == domain.TemplateLiquid {
		return r.renderLiquid(cacheKey, text, vars)
	}
	return Substitute(text, vars), nil
}

func (r *Renderer) renderLiquid(cacheKey, text string, vars map[string]string) (string, error) {
	ctx := make(map[string]interface{}, len(vars))
	for k, v := range vars {
		ctx[k] = v
	}

	if cacheKey != "" {
		if cached, ok := r.cache.Load(cacheKey); ok {
			return cached.(*liquid.Template).RenderString(ctx)
		}
	}

	tpl, err := r.engine.ParseString(text)
	if err != nil {
		return "", fmt.Errorf("liquid parse: %w", err)
	}
	if cacheKey != "" {
		r.cache.Store(cacheKey, tpl)
	}

	out, err := tpl.RenderString(ctx)
	if err != nil {
		return "", fmt.Errorf("liquid render: %w", err)
	}
	return out, nil
}

// ClearCache removes all cached templates. Called when a draft's content
// changes so a re-prepare does not render stale templates.
func (r *Renderer) ClearCache() {
	r.cache = sync.Map{}
}

// registerFilters adds the domain-specific Liquid filters.
func (r *Renderer) registerFilters() {
	// Default value filter: {{ first_name | default: "Friend" }}
	r.engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		strVal := fmt.Sprintf("%v", value)
		if strVal == "" || strVal == "<nil>" {
			return defaultVal
		}
		return value
	})

	// Title case: {{ name | titlecase }}
	r.engine.RegisterFilter("titlecase", func(s string) string {
		return strings.Title(strings.ToLower(s))
	})

	// Extract domain from email: {{ email | email_domain }}
	r.engine.RegisterFilter("email_domain", func(email string) string {
		parts := strings.Split(email, "@")
		if len(parts) == 2 {
			return parts[1]
		}
		return ""
	})

	// Mask email for privacy: {{ email | mask_email }}
	r.engine.RegisterFilter("mask_email", func(email string) string {
		parts := strings.Split(email, "@")
		if len(parts) != 2 {
			return email
		}
		local := parts[0]
		domain := parts[1]
		if len(local) <= 2 {
			return local + "***@" + domain
		}
		return local[:2] + "***@" + domain
	})
}
