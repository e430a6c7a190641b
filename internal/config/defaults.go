package config

// Default values for configuration options.
const (
	defaultWorkers        = 4
	defaultPollInterval   = "100ms"
	defaultMaxAttempts    = 5
	defaultBaseBackoff    = "1s"
	defaultMaxBackoff     = "60s"
	defaultBandwidthLimit = "0"
	defaultLogLevel       = "info"
	defaultOutputDirName  = "DriveClonr"
)

// Service names accepted in the services list and [rate_limits].
const (
	ServiceDrive  = "drive"
	ServicePhotos = "photos"
	ServiceSheets = "sheets"
	ServiceSlides = "slides"
)

var knownServices = []string{ServiceDrive, ServicePhotos, ServiceSheets, ServiceSlides}

// DefaultConfig returns a Config populated with all default values. Empty
// services means every known service.
func DefaultConfig() *Config {
	return &Config{
		ExportConfig: ExportConfig{
			Workers:        defaultWorkers,
			PollInterval:   defaultPollInterval,
			MaxAttempts:    defaultMaxAttempts,
			BaseBackoff:    defaultBaseBackoff,
			MaxBackoff:     defaultMaxBackoff,
			BandwidthLimit: defaultBandwidthLimit,
		},
		SourcesConfig: SourcesConfig{
			Services: append([]string(nil), knownServices...),
		},
		LoggingConfig: LoggingConfig{
			LogLevel: defaultLogLevel,
		},
	}
}
