package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Spaces holds the object storage connection settings.
type Spaces struct {
	Domain    string
	Region    string
	Key       string
	Secret    string
	Bucket    string // used for tasks that only carry storage_filename
	PathStyle bool
}

// Endpoint is the regional Spaces endpoint, e.g. https://nyc3.digitaloceanspaces.com.
func (s Spaces) Endpoint() string {
	return fmt.Sprintf("https://%s.%s", s.Region, s.Domain)
}

// Model holds the detector and annotation settings.
type Model struct {
	Path                string
	Version             string
	LibraryPath         string
	InputSize           int
	NMSConfidence       float64
	NMSIoU              float64
	MaxDetections       int
	ClassNames          []string
	PoolSize            int
	ConfidenceThreshold float64
	FromName            string
	ToName              string
}

// LabelStudio holds the batch runner's platform settings.
type LabelStudio struct {
	URL            string
	AccessToken    string
	ProjectID      int
	ViewID         string
	PageSize       int
	RequestTimeout time.Duration
	RetryMax       int
}

type Config struct {
	Spaces      Spaces
	Model       Model
	LabelStudio LabelStudio
	Port        int
	LogLevel    string
	LogFile     string
}

// Load reads .env (if present) and the process environment. Keys that
// already exist in the environment are never overridden by .env.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds the server side configuration from the environment.
func FromEnv() (*Config, error) {
	e := &env{}

	cfg := &Config{
		Spaces: Spaces{
			Domain:    e.required("SPACES_DOMAIN"),
			Region:    e.required("SPACES_REGION"),
			Key:       e.required("SPACES_KEY"),
			Secret:    e.required("SPACES_SECRET"),
			Bucket:    getEnv("SPACES_BUCKET", ""),
			PathStyle: e.getBool("SPACES_PATH_STYLE", false),
		},
		Model: Model{
			Path:                e.required("MODEL"),
			Version:             getEnv("MODEL_VERSION", DefaultModelVersion),
			LibraryPath:         getEnv("ONNXRUNTIME_LIB", defaultLibraryPath()),
			InputSize:           e.getInt("INPUT_SIZE", 640),
			NMSConfidence:       e.getFloat("NMS_CONFIDENCE", 0.25),
			NMSIoU:              e.getFloat("NMS_IOU", 0.45),
			MaxDetections:       e.getInt("MAX_DETECTIONS", 1000),
			ClassNames:          splitList(getEnv("CLASS_NAMES", "")),
			PoolSize:            e.getInt("POOL_SIZE", 1),
			ConfidenceThreshold: e.getFloat("CONFIDENCE_THRESHOLD", 0.0),
			FromName:            getEnv("FROM_NAME", "label"),
			ToName:              getEnv("TO_NAME", "image"),
		},
		Port:     e.getInt("PORT", 9090),
		LogLevel: getEnv("LOG_LEVEL", "INFO"),
		LogFile:  getEnv("LOG_FILE", ""),
	}

	if err := e.err(); err != nil {
		return nil, err
	}
	if cfg.Model.InputSize <= 0 || cfg.Model.InputSize%32 != 0 {
		return nil, fmt.Errorf("INPUT_SIZE must be a positive multiple of 32, got %d", cfg.Model.InputSize)
	}
	if cfg.Model.PoolSize <= 0 {
		cfg.Model.PoolSize = 1
	}
	return cfg, nil
}

// RequireLabelStudio reads the batch runner keys into c.LabelStudio. Only
// the runner calls it.
func (c *Config) RequireLabelStudio() error {
	e := &env{}
	c.LabelStudio = LabelStudio{
		URL:            strings.TrimRight(e.required("LABEL_STUDIO_URL"), "/"),
		AccessToken:    e.required("LABEL_STUDIO_ACCESS_TOKEN"),
		ProjectID:      e.requiredInt("PROJECT_ID"),
		ViewID:         getEnv("VIEW_ID", ""),
		PageSize:       e.getInt("PAGE_SIZE", 50),
		RequestTimeout: e.getDuration("REQUEST_TIMEOUT", 10*time.Second),
		RetryMax:       e.getInt("RETRY_MAX", 5),
	}
	if err := e.err(); err != nil {
		return err
	}
	if c.LabelStudio.PageSize <= 0 {
		return fmt.Errorf("PAGE_SIZE must be positive, got %d", c.LabelStudio.PageSize)
	}
	return nil
}
