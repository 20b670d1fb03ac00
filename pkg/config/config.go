package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config represents the complete edge vision node configuration
type Config struct {
	Cameras    CameraConfig     `yaml:"cameras"`
	Detector   DetectorConfig   `yaml:"detector"`
	Processing ProcessingConfig `yaml:"processing"`
	Recording  RecordingConfig  `yaml:"recording"`
	Vault      VaultConfig      `yaml:"vault"`
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// CameraConfig holds the camera source list
type CameraConfig struct {
	Sources []string `yaml:"sources"` // decimal device index or stream URL per entry
}

// DetectorConfig holds face detector settings
type DetectorConfig struct {
	URL                 string  `yaml:"url"`                  // inference sidecar endpoint
	Device              string  `yaml:"device"`               // "cpu" or "cuda"
	ConfidenceThreshold float64 `yaml:"confidence_threshold"` // minimum detection confidence
	IoUThreshold        float64 `yaml:"iou_threshold"`        // NMS overlap threshold
	Serialize           bool    `yaml:"serialize"`            // serialize Detect calls for non-thread-safe backends
}

// ProcessingConfig holds per-frame processing settings
type ProcessingConfig struct {
	BlurKernel int `yaml:"blur_kernel"` // odd Gaussian kernel side length
	Width      int `yaml:"width"`       // canonical processing width
	Height     int `yaml:"height"`      // canonical processing height
	TargetFPS  int `yaml:"target_fps"`  // encoder frame rate
}

// RecordingConfig holds public + evidence output settings
type RecordingConfig struct {
	SegmentSeconds        int    `yaml:"segment_seconds"`         // public + evidence segment window
	PublicPath            string `yaml:"public_path"`             // blurred segment output root
	EvidencePath          string `yaml:"evidence_path"`           // encrypted container output root
	EvidenceDetectionOnly *bool  `yaml:"evidence_detection_only,omitempty"` // selective recording switch (default true)
	EvidenceJPEGQuality   int    `yaml:"evidence_jpeg_quality"`   // JPEG quality for evidence frames
	PreRollSize           *int   `yaml:"pre_roll_size,omitempty"` // pre-roll ring capacity (0 disables)
	FlushQueueCapacity    int    `yaml:"flush_queue_capacity"`    // evidence flush queue bound
	MaxStorageGB          int    `yaml:"max_storage_gb"`          // FIFO cleanup threshold
}

// VaultConfig holds encryption key settings
type VaultConfig struct {
	KeyPath       string `yaml:"key_path"`        // symmetric key file (generated if absent)
	RSAPublicKey  string `yaml:"rsa_public_key"`  // enables the hybrid container format on encrypt
	RSAPrivateKey string `yaml:"rsa_private_key"` // required to decrypt hybrid containers
}

// ServerConfig holds HTTP surface settings
type ServerConfig struct {
	Listen  string `yaml:"listen"`   // bind address, e.g. ":8080"
	PINHash string `yaml:"pin_hash"` // hex PBKDF2 hash authorizing /decrypt
	PINSalt string `yaml:"pin_salt"` // hex salt for the PIN hash
}

// DatabaseConfig holds optional PostgreSQL event index settings
type DatabaseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// RedisConfig holds optional Redis status cache settings
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	TTLSecs  int    `yaml:"ttl_seconds"` // status snapshot TTL
}

// MQTTConfig holds optional alert publisher settings
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"` // e.g. "tcp://localhost:1883"
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	OutputFile string `yaml:"output_file"` // log file path (empty = stdout)
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.setDefaults()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// EvidenceDetectionOnly reports whether selective recording is enabled.
func (c *Config) EvidenceDetectionOnly() bool {
	if c.Recording.EvidenceDetectionOnly == nil {
		return true
	}
	return *c.Recording.EvidenceDetectionOnly
}

// PreRollSize returns the configured pre-roll ring capacity. An explicit 0
// disables pre-roll; absence means the default of 30.
func (c *Config) PreRollSize() int {
	if c.Recording.PreRollSize == nil {
		return 30
	}
	return *c.Recording.PreRollSize
}

// setDefaults sets default values for optional config fields
func (c *Config) setDefaults() {
	if len(c.Cameras.Sources) == 0 {
		c.Cameras.Sources = []string{"0"}
	}

	if c.Detector.Device == "" {
		c.Detector.Device = "cuda"
	}
	if c.Detector.ConfidenceThreshold == 0 {
		c.Detector.ConfidenceThreshold = 0.35
	}
	if c.Detector.IoUThreshold == 0 {
		c.Detector.IoUThreshold = 0.45
	}

	if c.Processing.BlurKernel == 0 {
		c.Processing.BlurKernel = 51
	}
	if c.Processing.Width == 0 {
		c.Processing.Width = 1280
	}
	if c.Processing.Height == 0 {
		c.Processing.Height = 720
	}
	if c.Processing.TargetFPS == 0 {
		c.Processing.TargetFPS = 30
	}

	if c.Recording.SegmentSeconds == 0 {
		c.Recording.SegmentSeconds = 300
	}
	if c.Recording.PublicPath == "" {
		c.Recording.PublicPath = "recordings/public"
	}
	if c.Recording.EvidencePath == "" {
		c.Recording.EvidencePath = "recordings/evidence"
	}
	if c.Recording.EvidenceJPEGQuality == 0 {
		c.Recording.EvidenceJPEGQuality = 75
	}
	if c.Recording.FlushQueueCapacity == 0 {
		c.Recording.FlushQueueCapacity = 10
	}
	if c.Recording.MaxStorageGB == 0 {
		c.Recording.MaxStorageGB = 50
	}

	if c.Vault.KeyPath == "" {
		c.Vault.KeyPath = "vault.key"
	}

	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}

	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}

	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Redis.TTLSecs == 0 {
		c.Redis.TTLSecs = 30
	}

	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "edgevision"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "edgevision"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// validate checks if configuration is valid
func (c *Config) validate() error {
	for _, src := range c.Cameras.Sources {
		if !ValidSource(src) {
			return fmt.Errorf("invalid camera source %q: must be a device index or URL", src)
		}
	}

	if c.Detector.Device != "cpu" && c.Detector.Device != "cuda" {
		return fmt.Errorf("invalid detector device: %s", c.Detector.Device)
	}
	if c.Detector.ConfidenceThreshold < 0 || c.Detector.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence threshold out of range: %f", c.Detector.ConfidenceThreshold)
	}
	if c.Detector.IoUThreshold < 0 || c.Detector.IoUThreshold > 1 {
		return fmt.Errorf("iou threshold out of range: %f", c.Detector.IoUThreshold)
	}

	if c.Processing.BlurKernel < 3 || c.Processing.BlurKernel%2 == 0 {
		return fmt.Errorf("blur kernel must be an odd integer >= 3, got %d", c.Processing.BlurKernel)
	}
	if c.Processing.Width <= 0 || c.Processing.Height <= 0 {
		return fmt.Errorf("invalid resolution %dx%d", c.Processing.Width, c.Processing.Height)
	}
	if c.Processing.TargetFPS <= 0 {
		return fmt.Errorf("target fps must be positive, got %d", c.Processing.TargetFPS)
	}

	if c.Recording.SegmentSeconds <= 0 {
		return fmt.Errorf("segment seconds must be positive, got %d", c.Recording.SegmentSeconds)
	}
	if q := c.Recording.EvidenceJPEGQuality; q < 1 || q > 100 {
		return fmt.Errorf("evidence jpeg quality out of range: %d", q)
	}
	if c.Recording.PreRollSize != nil && *c.Recording.PreRollSize < 0 {
		return fmt.Errorf("pre-roll size must be >= 0, got %d", *c.Recording.PreRollSize)
	}
	if c.Recording.FlushQueueCapacity < 1 {
		return fmt.Errorf("flush queue capacity must be >= 1, got %d", c.Recording.FlushQueueCapacity)
	}
	if c.Recording.MaxStorageGB <= 0 {
		return fmt.Errorf("max storage must be positive, got %d", c.Recording.MaxStorageGB)
	}

	if c.Vault.KeyPath == "" {
		return fmt.Errorf("vault key path is required")
	}

	if c.Database.Enabled {
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.User == "" {
			return fmt.Errorf("database user is required")
		}
		if c.Database.DBName == "" {
			return fmt.Errorf("database name is required")
		}
	}

	if c.Redis.Enabled && c.Redis.Host == "" {
		return fmt.Errorf("redis host is required")
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt broker is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}

	return nil
}

// ValidSource reports whether a camera source string is a decimal device
// index or a URL with both a scheme and a host.
func ValidSource(src string) bool {
	if src == "" {
		return false
	}
	if _, err := strconv.Atoi(src); err == nil {
		return true
	}
	u, err := url.Parse(src)
	return err == nil && u.Scheme != "" && u.Host != ""
}

// IsDeviceIndex reports whether a source string names a local device index.
func IsDeviceIndex(src string) bool {
	_, err := strconv.Atoi(src)
	return err == nil
}

// GenerateDefaultConfig creates a default config suitable for a single
// local camera deployment.
func GenerateDefaultConfig() *Config {
	c := &Config{
		Cameras: CameraConfig{Sources: []string{"0"}},
		Vault:   VaultConfig{KeyPath: "vault.key"},
		Server:  ServerConfig{Listen: ":8080"},
	}
	c.setDefaults()
	return c
}

// WriteConfigFile writes a config struct to a YAML file
func WriteConfigFile(config *Config, path string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
