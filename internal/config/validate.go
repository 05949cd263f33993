package config

import "github.com/stemsi/exstem-live/internal/validator"

// Validate checks the loaded values against their struct tags.
func (c *Config) Validate() error {
	return validator.Struct(c)
}
