package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig      = "DRIVECLONR_CONFIG"
	EnvOutputDir   = "DRIVECLONR_OUTPUT_DIR"
	EnvCredentials = "DRIVECLONR_CREDENTIALS"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath      string // DRIVECLONR_CONFIG
	OutputDir       string // DRIVECLONR_OUTPUT_DIR
	CredentialsFile string // DRIVECLONR_CREDENTIALS
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:      os.Getenv(EnvConfig),
		OutputDir:       os.Getenv(EnvOutputDir),
		CredentialsFile: os.Getenv(EnvCredentials),
	}
}
