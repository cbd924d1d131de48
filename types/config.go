package types

// AppConfig represents the application configuration loaded from config file
type AppConfig struct {
	Port                   int             `yaml:"port"`
	UploadFolder           string          `yaml:"uploadFolder"`
	DoNotMakeSessionFolder bool            `yaml:"doNotMakeSessionFolder,omitempty"`
	MaxChunkSize           string          `yaml:"maxChunkSize"` // human readable, e.g. "64MiB"; empty means unlimited
	CompletedTTL           string          `yaml:"completedTTL"` // how long finished ids answer AlreadyCompleted
	Storage                StorageConfig   `yaml:"storage"`
	Sweep                  SweepConfig     `yaml:"sweep"`
	RateLimit              RateLimitConfig `yaml:"rateLimit"`
	NotifyWS               bool            `yaml:"notifyWS,omitempty"`
	NotifySocket           string          `yaml:"notifySocket,omitempty"`
}

// StorageConfig selects and parameterizes the chunk storage backend.
type StorageConfig struct {
	Backend     string `yaml:"backend"` // memory | fs | redis | s3
	Path        string `yaml:"path,omitempty"`
	Compress    bool   `yaml:"compress,omitempty"`
	RedisURL    string `yaml:"redisURL,omitempty"`
	RedisPrefix string `yaml:"redisPrefix,omitempty"`
	Bucket      string `yaml:"bucket,omitempty"`
	Prefix      string `yaml:"prefix,omitempty"`
	Region      string `yaml:"region,omitempty"`
	Endpoint    string `yaml:"endpoint,omitempty"`
	PathStyle   bool   `yaml:"pathStyle,omitempty"`
}

// SweepConfig controls the expiry sweep of idle uploads.
type SweepConfig struct {
	Interval        string  `yaml:"interval"`
	MaxIdle         string  `yaml:"maxIdle"`
	PurgesPerSecond float64 `yaml:"purgesPerSecond"`
}

// RateLimitConfig limits upload requests per client address.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	Burst             int     `yaml:"burst"`
}

// Config holds runtime overrides from CLI flags
type Config struct {
	Log                    string
	UseConfigPath          string
	UsePort                int
	UseDefaultUploadFolder string
	UseStorage             string
	DoNotMakeSessionFolder bool // if true, artifacts land directly in the upload folder
}
