package config

// LoadFromEnv loads configuration from the process environment, reading .env
// first in dev builds.
func LoadFromEnv() (Config, error) {
	if err := loadDotEnv(); err != nil {
		return Config{}, err
	}
	return Load(FromEnviron())
}
