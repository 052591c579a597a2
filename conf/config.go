package conf

/*
   Package conf wraps viper to provide configuration for the medsync app.

   Assumptions:
   1. The configuration file is an env file.
   2. Once loaded, configuration stays immutable during the uptime of the
      application (tests are the exception, via SetEnv/UnsetEnv).
   3. Any key missing from the config file falls back to the process
      environment.
*/

import (
	"os"
	"testing"

	"github.com/spf13/viper"
)

// An instance of the viper struct containing the conf information. Only made
// accessible through the public functions GetEnv, LookupEnv, SetEnv, UnsetEnv.
var envVars viper.Viper

// Tracks whether a config file was found and parsed.
const (
	configgood    uint8 = 0
	configbad     uint8 = 1
	noconfigfound uint8 = 2
)

var state uint8 = configgood

func setup(dir string) *viper.Viper {
	var v = viper.New()
	v.SetConfigName("local")
	v.SetConfigType("env")
	v.AddConfigPath(dir)
	// Viper is lazy, force the read and parse of the config file now.
	if err := v.ReadInConfig(); err != nil {
		state = configbad
	}
	return v
}

func init() {
	// Possible config file locations: local development and deployed
	// environments respectively.
	var locations = [2]string{
		"/go/src/github.com/medsync/medsync-app/shared_files",
		"/etc/medsync",
	}

	if success, loc := findEnv(locations[:]); success {
		envVars = *setup(loc)
	} else {
		state = noconfigfound
	}
}

// findEnv walks the candidate locations and returns the first one containing
// a local.env file. If none is found the application runs off the process
// environment alone.
func findEnv(location []string) (bool, string) {
	if _, err := os.Stat(location[0] + "/local.env"); err == nil {
		return true, location[0]
	}

	if len(location) == 1 {
		return false, ""
	}

	return findEnv(location[1:])
}

// GetEnv retrieves the value stored in conf for the provided key. If it does
// not exist, an empty string is returned.
func GetEnv(key string) string {
	if state == configgood {
		var value = envVars.GetString(key)

		// Even with a config file loaded, a key absent from it may still be
		// present in the environment. Copy it over to conf to prevent
		// additional OS calls on subsequent reads.
		if value == "" {
			v, ok := os.LookupEnv(key)
			if ok {
				test := &testing.T{}
				var _ = SetEnv(test, key, v)
			}
			return v
		}

		return value
	}

	return os.Getenv(key)
}

// LookupEnv augments os.LookupEnv to look in the viper struct first.
func LookupEnv(key string) (string, bool) {
	if state == configgood {
		if value := envVars.Get(key); value != nil && value != "" {
			return value.(string), true
		}
		if v, exist := os.LookupEnv(key); exist {
			test := &testing.T{}
			var _ = SetEnv(test, key, v)
			return v, exist
		}
		return "", false
	}

	return os.LookupEnv(key)
}

// SetEnv adds a key value pair to conf. The protect parameter is of type
// *testing.T to ensure developers only reach for this in package setup or
// tests.
func SetEnv(protect *testing.T, key string, value string) error {
	var err error

	if state == configgood {
		envVars.Set(key, value)
	} else {
		err = os.Setenv(key, value)
	}

	return err
}

// UnsetEnv "unsets" a variable. Like SetEnv, this should only be used in this
// package itself or in testing.
func UnsetEnv(protect *testing.T, key string) error {
	if state == configgood {
		envVars.Set(key, "")
	}

	// The environment copy must go too, otherwise GetEnv would re-import it.
	return os.Unsetenv(key)
}
