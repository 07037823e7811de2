package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/marmos91/smbwire/internal/smb/types"
)

var validate = validator.New()

// Validate checks structural constraints declared in the config tags plus
// cross-field rules the tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return err
	}

	if len(cfg.Protocol.Dialects) > 0 {
		if _, err := ParseDialects(cfg.Protocol.Dialects); err != nil {
			return err
		}
	}
	return nil
}

// dialectNames maps config notation to wire dialect revisions.
var dialectNames = map[string]types.Dialect{
	"2.0.2": types.Dialect0202,
	"2.1":   types.Dialect0210,
	"3.0":   types.Dialect0300,
	"3.0.2": types.Dialect0302,
	"3.1.1": types.Dialect0311,
}

// ParseDialects converts config dialect strings to wire revisions.
func ParseDialects(names []string) ([]types.Dialect, error) {
	out := make([]types.Dialect, 0, len(names))
	for _, name := range names {
		d, ok := dialectNames[name]
		if !ok {
			return nil, fmt.Errorf("unknown dialect %q", name)
		}
		out = append(out, d)
	}
	return out, nil
}
