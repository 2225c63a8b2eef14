package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

const templateHeader = `# umicpd configuration.
# Every key may be overridden by a UMICP_* environment variable.
# Durations use Go syntax ("250ms", "5s"); 0s disables a timeout.

`

// Template renders Default as a commented TOML document.
func Template() (string, error) {
	body, err := Render(Default())
	if err != nil {
		return "", err
	}
	return templateHeader + body, nil
}

// Render encodes cfg as TOML in the layout Load reads.
func Render(cfg Config) (string, error) {
	body, err := toml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("config render failed: %w", err)
	}
	return string(body), nil
}

func WriteTemplate(path string, overwrite bool) error {
	template, err := Template()
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}
