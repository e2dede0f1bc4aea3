package settings

import (
	"net/url"
	"strconv"
	"time"

	"github.com/ordishs/gocore"
)

func getString(key, defaultValue string) string {
	value, found := gocore.Config().Get(key)
	if !found {
		return defaultValue
	}

	return value
}

func getMultiString(key, defaultValue string) []string {
	value, _ := gocore.Config().GetMulti(key, defaultValue)

	return value
}

func getInt(key string, defaultValue int) int {
	value, found := gocore.Config().GetInt(key)
	if !found {
		return defaultValue
	}

	return value
}

func getInt64(key string, defaultValue int64) int64 {
	return int64(getInt(key, int(defaultValue)))
}

func getFloat64(key string, defaultValue float64) float64 {
	value, found := gocore.Config().Get(key)
	if !found || value == "" {
		return defaultValue
	}

	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}

	return f
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	value, found := gocore.Config().Get(key)
	if !found || value == "" {
		return defaultValue
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}

	return d
}

func getURL(key, defaultValue string) *url.URL {
	value, _, _ := gocore.Config().GetURL(key, defaultValue)

	return value
}

func getBool(key string, defaultValue bool) bool {
	return gocore.Config().GetBool(key, defaultValue)
}
