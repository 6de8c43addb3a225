package version

import "time"

// Version - will be set by ldflags when built from Makefile
var version = "dev"

// buildTime - will be set by ldflags when built from Makefile, in RFC 3339 format
var buildTime = ""

// Version returns the version number supplied during build
func Version() string {
	return version
}

// BuildTime returns the time the binary was built, or the zero time if unknown
func BuildTime() time.Time {
	t, err := time.Parse(time.RFC3339, buildTime)
	if err != nil {
		return time.Time{}
	}
	return t
}
