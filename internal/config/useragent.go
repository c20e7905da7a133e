package config

import (
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
)

// Version is reported in the User-Agent of every upstream request.
var Version = "0.1.0"

var (
	cachedOSVersionOnce sync.Once
	cachedOSVersion     string
)

// UserAgent builds "chatdispatch/<version> (<os_type> <os_version>; <arch>)".
func UserAgent() string {
	return fmt.Sprintf("chatdispatch/%s (%s %s; %s)", Version, osType(), osVersion(), arch())
}

// ApplyDefaultHeaders sets headers shared by every upstream request.
func ApplyDefaultHeaders(h http.Header) {
	if h == nil {
		return
	}
	h.Set("User-Agent", UserAgent())
	if org := strings.TrimSpace(os.Getenv("OPENAI_ORGANIZATION")); org != "" {
		h.Set("OpenAI-Organization", org)
	}
	if project := strings.TrimSpace(os.Getenv("OPENAI_PROJECT")); project != "" {
		h.Set("OpenAI-Project", project)
	}
}

func osType() string {
	switch runtime.GOOS {
	case "darwin":
		return "Mac OS"
	case "linux":
		return "Linux"
	case "windows":
		return "Windows"
	default:
		return runtime.GOOS
	}
}

func arch() string {
	if runtime.GOARCH == "amd64" {
		return "x86_64"
	}
	return runtime.GOARCH
}

func osVersion() string {
	cachedOSVersionOnce.Do(func() {
		if runtime.GOOS == "linux" {
			cachedOSVersion = linuxVersion("/etc/os-release")
		}
		if cachedOSVersion == "" {
			cachedOSVersion = "unknown"
		}
	})
	return cachedOSVersion
}

func linuxVersion(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	values := map[string]string{}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		if parsed, err := strconv.Unquote(v); err == nil {
			v = parsed
		} else {
			v = strings.Trim(v, "\"")
		}
		values[strings.TrimSpace(k)] = v
	}
	for _, key := range []string{"VERSION_ID", "VERSION"} {
		if v := strings.TrimSpace(values[key]); v != "" {
			return v
		}
	}
	return ""
}
