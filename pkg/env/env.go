package env

import "os"

// Get reads an environment variable, falling back when it is unset. Empty
// counts as unset so a blank value in a .env file cannot blank out a default.
func Get(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
