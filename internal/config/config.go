// Package config loads daemon configuration from the VISAGE_* environment
// variables, with viper providing the env-binding and optional file overlay.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config holds all configuration for the daemon, the PAM client, and the
// operator CLI.
type Config struct {
	CameraDevice            string  `mapstructure:"camera_device"`
	ModelDir                string  `mapstructure:"model_dir"`
	DBPath                  string  `mapstructure:"db_path"`
	SimilarityThreshold     float64 `mapstructure:"similarity_threshold"`
	VerifyTimeoutSecs       int     `mapstructure:"verify_timeout_secs"`
	WarmupFrames            int     `mapstructure:"warmup_frames"`
	FramesPerVerify         int     `mapstructure:"frames_per_verify"`
	FramesPerEnroll         int     `mapstructure:"frames_per_enroll"`
	EmitterEnabled          bool    `mapstructure:"emitter_enabled"`
	LivenessEnabled         bool    `mapstructure:"liveness_enabled"`
	LivenessMinDisplacement float64 `mapstructure:"liveness_min_displacement"`
	SessionBus              bool    `mapstructure:"session_bus"`
}

const busName = "org.freedesktop.Visage1"

// defaultModelDir picks the root system path when running privileged and an
// XDG user path otherwise, matching the daemon/CLI split in spec.md §6.
func defaultModelDir() string {
	if os.Geteuid() == 0 {
		return "/var/lib/visage/models"
	}
	return filepath.Join(xdgDataHome(), "visage", "models")
}

func defaultDBPath() string {
	return filepath.Join(xdgDataHome(), "visage", "faces.db")
}

func xdgDataHome() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "/root"
	}
	return filepath.Join(home, ".local", "share")
}

// Default returns the configuration defaults from spec.md §6.
func Default() *Config {
	return &Config{
		CameraDevice:            "/dev/video2",
		ModelDir:                defaultModelDir(),
		DBPath:                  defaultDBPath(),
		SimilarityThreshold:     0.40,
		VerifyTimeoutSecs:       10,
		WarmupFrames:            4,
		FramesPerVerify:         3,
		FramesPerEnroll:         5,
		EmitterEnabled:          true,
		LivenessEnabled:         true,
		LivenessMinDisplacement: 0.8,
		SessionBus:              false,
	}
}

// Load builds configuration from defaults, an optional YAML file, and the
// VISAGE_* environment variables, in increasing priority.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("error reading config: %w", err)
			}
		}
	}

	bindEnv(v, "camera_device", "VISAGE_CAMERA_DEVICE")
	bindEnv(v, "model_dir", "VISAGE_MODEL_DIR")
	bindEnv(v, "db_path", "VISAGE_DB_PATH")
	bindEnv(v, "similarity_threshold", "VISAGE_SIMILARITY_THRESHOLD")
	bindEnv(v, "verify_timeout_secs", "VISAGE_VERIFY_TIMEOUT_SECS")
	bindEnv(v, "warmup_frames", "VISAGE_WARMUP_FRAMES")
	bindEnv(v, "frames_per_verify", "VISAGE_FRAMES_PER_VERIFY")
	bindEnv(v, "frames_per_enroll", "VISAGE_FRAMES_PER_ENROLL")
	bindEnv(v, "emitter_enabled", "VISAGE_EMITTER_ENABLED")
	bindEnv(v, "liveness_enabled", "VISAGE_LIVENESS_ENABLED")
	bindEnv(v, "liveness_min_displacement", "VISAGE_LIVENESS_MIN_DISPLACEMENT")
	bindEnv(v, "session_bus", "VISAGE_SESSION_BUS")

	v.SetDefault("camera_device", cfg.CameraDevice)
	v.SetDefault("model_dir", cfg.ModelDir)
	v.SetDefault("db_path", cfg.DBPath)
	v.SetDefault("similarity_threshold", cfg.SimilarityThreshold)
	v.SetDefault("verify_timeout_secs", cfg.VerifyTimeoutSecs)
	v.SetDefault("warmup_frames", cfg.WarmupFrames)
	v.SetDefault("frames_per_verify", cfg.FramesPerVerify)
	v.SetDefault("frames_per_enroll", cfg.FramesPerEnroll)
	v.SetDefault("emitter_enabled", cfg.EmitterEnabled)
	v.SetDefault("liveness_enabled", cfg.LivenessEnabled)
	v.SetDefault("liveness_min_displacement", cfg.LivenessMinDisplacement)
	v.SetDefault("session_bus", cfg.SessionBus)

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return cfg, nil
}

func bindEnv(v *viper.Viper, key, env string) {
	_ = v.BindEnv(key, env)
}

// Validate sanity-checks the configuration before the daemon opens hardware.
func (c *Config) Validate() error {
	if c.CameraDevice == "" {
		return fmt.Errorf("camera device cannot be empty")
	}
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity threshold must be between 0 and 1")
	}
	if c.VerifyTimeoutSecs <= 0 {
		return fmt.Errorf("verify timeout must be positive")
	}
	if c.FramesPerVerify <= 0 || c.FramesPerEnroll <= 0 {
		return fmt.Errorf("frame counts must be positive")
	}
	return nil
}

// BusName is the well-known D-Bus name the service publishes.
func (c *Config) BusName() string { return busName }

// StatusJSON returns the field set required by spec.md §6's Status method.
func (c *Config) StatusJSON(modelsEnrolled int) map[string]interface{} {
	return map[string]interface{}{
		"version":              "1.0.0",
		"camera":               c.CameraDevice,
		"model_dir":            c.ModelDir,
		"db_path":              c.DBPath,
		"models_enrolled":      modelsEnrolled,
		"similarity_threshold": c.SimilarityThreshold,
		"verify_timeout_secs":  c.VerifyTimeoutSecs,
		"warmup_frames":        c.WarmupFrames,
		"frames_per_verify":    c.FramesPerVerify,
		"frames_per_enroll":    c.FramesPerEnroll,
		"emitter_enabled":      c.EmitterEnabled,
		"session_bus":          c.SessionBus,
	}
}
