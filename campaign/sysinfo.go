package campaign

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"
)

// SystemInfo describes the machine a campaign ran on.
type SystemInfo struct {
	Timestamp    string
	OS           string
	Architecture string
	GoVersion    string
	CPU          string
	NumCPU       int
}

// GetSystemInfo retrieves current system information.
func GetSystemInfo() *SystemInfo {
	info := &SystemInfo{
		Timestamp:    time.Now().Format("2006-01-02 15:04:05 MST"),
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
		GoVersion:    runtime.Version(),
		NumCPU:       runtime.NumCPU(),
	}

	if runtime.GOOS == "linux" {
		if data, err := os.ReadFile("/proc/cpuinfo"); err == nil {
			for _, line := range strings.Split(string(data), "\n") {
				if strings.HasPrefix(line, "model name") {
					if parts := strings.SplitN(line, ":", 2); len(parts) == 2 {
						info.CPU = strings.TrimSpace(parts[1])
						break
					}
				}
			}
		}
	}

	if info.CPU == "" {
		info.CPU = fmt.Sprintf("%s/%s (%d cores)", runtime.GOOS, runtime.GOARCH, info.NumCPU)
	}
	return info
}
