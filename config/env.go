package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

const DefaultModelVersion = "tree-yolov5s-oct1623"

// env collects missing and malformed keys so Load can report all of them at once.
type env struct {
	missing   []string
	malformed []string
}

func (e *env) required(key string) string {
	value := os.Getenv(key)
	if value == "" {
		e.missing = append(e.missing, key)
	}
	return value
}

func (e *env) requiredInt(key string) int {
	value := e.required(key)
	if value == "" {
		return 0
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		e.malformed = append(e.malformed, fmt.Sprintf("%s=%q", key, value))
		return 0
	}
	return intValue
}

func (e *env) getInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		e.malformed = append(e.malformed, fmt.Sprintf("%s=%q", key, value))
		return defaultValue
	}
	return intValue
}

func (e *env) getFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	floatValue, err := strconv.ParseFloat(value, 64)
	if err != nil {
		e.malformed = append(e.malformed, fmt.Sprintf("%s=%q", key, value))
		return defaultValue
	}
	return floatValue
}

func (e *env) getBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	boolValue, err := strconv.ParseBool(value)
	if err != nil {
		e.malformed = append(e.malformed, fmt.Sprintf("%s=%q", key, value))
		return defaultValue
	}
	return boolValue
}

func (e *env) getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		// bare numbers are seconds
		secs, convErr := strconv.ParseFloat(value, 64)
		if convErr != nil {
			e.malformed = append(e.malformed, fmt.Sprintf("%s=%q", key, value))
			return defaultValue
		}
		d = time.Duration(secs * float64(time.Second))
	}
	return d
}

func (e *env) err() error {
	var parts []string
	if len(e.missing) > 0 {
		parts = append(parts, "missing required environment variables: "+strings.Join(e.missing, ", "))
	}
	if len(e.malformed) > 0 {
		parts = append(parts, "malformed environment variables: "+strings.Join(e.malformed, ", "))
	}
	if len(parts) == 0 {
		return nil
	}
	return fmt.Errorf("%s", strings.Join(parts, "; "))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func defaultLibraryPath() string {
	switch runtime.GOOS {
	case "darwin":
		return "libonnxruntime.dylib"
	case "windows":
		return "onnxruntime.dll"
	default:
		return "libonnxruntime.so"
	}
}
