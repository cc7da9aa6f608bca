package version

import (
	"strings"
	"testing"
)

func TestGet(t *testing.T) {
	info := Get()

	if info.Version == "" {
		t.Error("Version should not be empty")
	}

	if info.GitCommit == "" {
		t.Error("GitCommit should not be empty")
	}

	if info.BuildDate == "" {
		t.Error("BuildDate should not be empty")
	}

	if info.GoVersion == "" {
		t.Error("GoVersion should not be empty")
	}
}

func TestString(t *testing.T) {
	info := Get()
	str := info.String()

	if !strings.HasPrefix(str, "kmon ") {
		t.Errorf("String should start with the binary name, got %q", str)
	}

	if !strings.Contains(str, info.Version) {
		t.Error("String should contain the version")
	}

	if !strings.Contains(str, info.GitCommit) {
		t.Error("String should contain the git commit")
	}

	if !strings.Contains(str, info.GoVersion) {
		t.Error("String should contain the Go version")
	}
}
