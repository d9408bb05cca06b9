package env

import (
	"errors"
	"os"
	"sync"

	"github.com/joho/godotenv"
)

var (
	mu  sync.RWMutex
	Env map[string]string
)

var envFiles = []string{
	".env",          // Current directory
	"../../.env",    // From cmd/<binary> to project root
	"../../../.env", // Fallback for deeper nesting
}

func GetEnv(key, def string) string {
	mu.RLock()
	val, ok := Env[key]
	mu.RUnlock()
	if ok {
		return val
	}
	// Fallback to OS environment variables (for Docker/tests)
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// SetupEnvFile loads the first .env file found. Containers usually inject
// the environment directly, so a missing file is not fatal.
func SetupEnvFile() {
	_ = LoadEnvFile()
}

// LoadEnvFile (re)reads the .env file and replaces the loaded values.
func LoadEnvFile() error {
	for _, envFile := range envFiles {
		values, err := godotenv.Read(envFile)
		if err == nil {
			mu.Lock()
			Env = values
			mu.Unlock()
			return nil
		}
	}
	return errors.New("no .env file found in any of the expected locations")
}

// SetEnvForTesting replaces the loaded values.
func SetEnvForTesting(values map[string]string) {
	mu.Lock()
	Env = values
	mu.Unlock()
}

func IsDev() bool {
	return GetEnv("APP_ENV", "prod") == "dev"
}
