package util

import (
	"fmt"
	"net"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Platform names the operating system family the monitor runs on.
type Platform string

const (
	PlatformWindows Platform = "windows"
	PlatformLinux   Platform = "linux"
	PlatformUnknown Platform = "unknown"
)

// GetPlatform returns the current platform. Reforger dedicated servers ship
// for Windows and Linux only.
func GetPlatform() Platform {
	switch p := Platform(runtime.GOOS); p {
	case PlatformWindows, PlatformLinux:
		return p
	default:
		return PlatformUnknown
	}
}

// SystemInfo describes the machine the game server shares with the monitor.
type SystemInfo struct {
	Platform      Platform      `json:"platform"`
	Hostname      string        `json:"hostname"`
	OS            string        `json:"os"`
	KernelVersion string        `json:"kernel_version"`
	Architecture  string        `json:"architecture"`
	CPUModel      string        `json:"cpu_model"`
	CPUCores      int           `json:"cpu_cores"`
	TotalMemory   uint64        `json:"total_memory_mb"`
	Uptime        time.Duration `json:"uptime"`
	LocalIP       string        `json:"local_ip"`
}

// GetSystemInfo gathers system information. Fields gopsutil cannot read on
// this platform are left empty.
func GetSystemInfo() SystemInfo {
	info := SystemInfo{
		Platform:     GetPlatform(),
		Architecture: runtime.GOARCH,
		CPUCores:     runtime.NumCPU(),
		LocalIP:      GetLocalIP(),
	}

	if h, err := host.Info(); err == nil {
		info.Hostname = h.Hostname
		info.OS = fmt.Sprintf("%s %s", h.Platform, h.PlatformVersion)
		info.KernelVersion = h.KernelVersion
		info.Uptime = time.Duration(h.Uptime) * time.Second
	}
	if info.Hostname == "" {
		info.Hostname, _ = os.Hostname()
	}

	if n, err := cpu.Counts(true); err == nil && n > 0 {
		info.CPUCores = n
	}
	if c, err := cpu.Info(); err == nil && len(c) > 0 {
		info.CPUModel = c[0].ModelName
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info.TotalMemory = vm.Total >> 20
	}

	return info
}

// GetLocalIP returns the first non-loopback IPv4 address, or 127.0.0.1.
func GetLocalIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4.String()
		}
	}
	return "127.0.0.1"
}

// FileExists reports whether path exists.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// EnsureDir creates path and its parents.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}
