package api

import (
	"errors"

	"github.com/go-playground/validator/v10"

	"github.com/jingkaihe/redirfs/internal/errx"
)

var validate = validator.New()

// Validate checks struct tags first, then the cross-references tags cannot
// express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			e := verrs[0]
			return errx.With(ErrInvalidConfig, ": %s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
		}
		return errx.Wrap(ErrInvalidConfig, err)
	}

	names := make(map[string]bool)
	for i, f := range c.Filters {
		if names[f.Name] {
			return errx.With(ErrInvalidConfig, ": filters[%d]: duplicate filter name %q", i, f.Name)
		}
		names[f.Name] = true
		if f.Kind != FilterKindRules && len(f.Rules) > 0 {
			return errx.With(ErrInvalidConfig, ": filters[%d]: rules are only valid for kind %q", i, FilterKindRules)
		}
	}
	for i, p := range c.Paths {
		if !names[p.Filter] {
			return errx.With(ErrInvalidConfig, ": paths[%d]: unknown filter %q", i, p.Filter)
		}
	}
	return nil
}
