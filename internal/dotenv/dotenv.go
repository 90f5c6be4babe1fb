// Package dotenv reads KEY=VALUE files into the process environment before
// configuration is loaded. Variables already set in the environment win.
package dotenv

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
)

// LoadFile applies path to the environment. A missing file is not an error.
func LoadFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat env file %q: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	return nil
}

// LoadFiles applies each file in order. Earlier files take precedence since
// later ones never overwrite what is already set.
func LoadFiles(paths ...string) error {
	for _, p := range paths {
		if err := LoadFile(p); err != nil {
			return err
		}
	}
	return nil
}

// Parse returns the variables in r without touching the environment.
func Parse(r io.Reader) (map[string]string, error) {
	vars, err := godotenv.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return vars, nil
}
