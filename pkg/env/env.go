package env

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/jaywantadh/ferry/pkg/logging"
)

// Prefix is prepended to every variable looked up through this package.
const Prefix = "FERRY_"

// LoadEnv loads variables from the given .env files (or ./.env when none are
// given). Missing files are not an error; the process environment is used.
func LoadEnv(files ...string) {
	if err := godotenv.Load(files...); err != nil {
		logging.Log.Debugf("no .env file loaded, using system envs: %v", err)
	}
}

// GetEnv returns FERRY_<key> or fallback when unset.
func GetEnv(key string, fallback string) string {
	if value, exist := os.LookupEnv(Prefix + key); exist {
		return value
	}
	return fallback
}
