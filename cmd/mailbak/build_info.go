package main

import (
	"runtime/debug"
)

var version = "unknown (built from source tree)"

func buildInfo() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version == "(devel)" {
			return version
		}
		return info.Main.Version + " " + info.Main.Sum
	}
	return version + " (GOPATH build)"
}
