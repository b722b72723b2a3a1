//go:build dev

package config

import (
	"os"

	"github.com/joho/godotenv"
)

// loadDotEnv reads .env from the working directory without overriding
// variables already set in the process environment.
func loadDotEnv() error {
	if _, err := os.Stat(".env"); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(".env")
}
