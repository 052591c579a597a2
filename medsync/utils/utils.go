package utils

import (
	"io"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/medsync/medsync-app/conf"
)

// FromEnv always returns a string that is either a non-empty value from the
// environment variable named by key or the string otherwise
func FromEnv(key, otherwise string) string {
	s := conf.GetEnv(key)
	if s == "" {
		logrus.Infof(`No %s value; using %s instead.`, key, otherwise)
		return otherwise
	}
	return s
}

func GetEnvInt(varName string, defaultVal int) int {
	v := conf.GetEnv(varName)
	if v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return defaultVal
}

// ContainsString returns true if `os` is in the array `sa` and false if it is not.
func ContainsString(sa []string, os string) bool {
	for _, s := range sa {
		if s == os {
			return true
		}
	}
	return false
}

// CloseAndLog closes c, logging any error at the given level. Used in defers
// where the close error should not mask the function's own error.
func CloseAndLog(level logrus.Level, c io.Closer) {
	if err := c.Close(); err != nil {
		logrus.StandardLogger().Log(level, err)
	}
}
