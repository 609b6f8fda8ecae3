package handlers

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/jmylchreest/mp4proxy/internal/cache"
)

// ActiveCounter reports the number of running transcodes.
type ActiveCounter interface {
	ActiveCount() int
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	version   string
	startTime time.Time
	store     *cache.Store
	jobs      ActiveCounter
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string, store *cache.Store, jobs ActiveCounter) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
		store:     store,
		jobs:      jobs,
	}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string     `json:"status"`
	Timestamp     string     `json:"timestamp"`
	Version       string     `json:"version"`
	Uptime        string     `json:"uptime"`
	UptimeSeconds float64    `json:"uptime_seconds"`
	CPUInfo       CPUInfo    `json:"cpu_info"`
	Memory        MemoryInfo `json:"memory"`
	Cache         CacheInfo  `json:"cache"`
	ActiveJobs    int        `json:"active_jobs"`
}

// CPUInfo holds load averages.
type CPUInfo struct {
	Cores              int     `json:"cores"`
	Load1Min           float64 `json:"load_1min"`
	Load5Min           float64 `json:"load_5min"`
	Load15Min          float64 `json:"load_15min"`
	LoadPercentage1Min float64 `json:"load_percentage_1min"`
}

// MemoryInfo holds system and process memory usage.
type MemoryInfo struct {
	TotalMemoryMB     float64           `json:"total_memory_mb"`
	UsedMemoryMB      float64           `json:"used_memory_mb"`
	AvailableMemoryMB float64           `json:"available_memory_mb"`
	ProcessMemory     ProcessMemoryInfo `json:"process_memory"`
}

// ProcessMemoryInfo holds memory used by this process and its encoders.
type ProcessMemoryInfo struct {
	MainProcessMB      float64 `json:"main_process_mb"`
	ChildProcessesMB   float64 `json:"child_processes_mb"`
	ChildProcessCount  int     `json:"child_process_count"`
	TotalProcessTreeMB float64 `json:"total_process_tree_mb"`
}

// CacheInfo holds cache directory usage and free space on its volume.
type CacheInfo struct {
	Dir         string  `json:"dir"`
	FileCount   int     `json:"file_count"`
	TotalSize   int64   `json:"total_size"`
	DiskFree    uint64  `json:"disk_free"`
	DiskTotal   uint64  `json:"disk_total"`
	DiskPercent float64 `json:"disk_used_percent"`
}

// HealthInput is the input for the health check endpoint.
type HealthInput struct{}

// HealthOutput is the output for the health check endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the service including system metrics",
		Tags:        []string{"System"},
	}, h.GetHealth)
}

// GetHealth returns the health status of the service.
func (h *HealthHandler) GetHealth(ctx context.Context, input *HealthInput) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	status := "healthy"
	cacheInfo, err := h.getCacheInfo(ctx)
	if err != nil {
		status = "degraded"
	}

	resp := HealthResponse{
		Status:        status,
		Timestamp:     now.UTC().Format(time.RFC3339),
		Version:       h.version,
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
		CPUInfo:       h.getCPUInfo(ctx),
		Memory:        h.getMemoryInfo(ctx),
		Cache:         cacheInfo,
	}
	if h.jobs != nil {
		resp.ActiveJobs = h.jobs.ActiveCount()
	}
	return &HealthOutput{Body: resp}, nil
}

func (h *HealthHandler) getCPUInfo(ctx context.Context) CPUInfo {
	cores := runtime.NumCPU()
	info := CPUInfo{Cores: cores}

	loadAvg, err := load.AvgWithContext(ctx)
	if err == nil && loadAvg != nil {
		info.Load1Min = loadAvg.Load1
		info.Load5Min = loadAvg.Load5
		info.Load15Min = loadAvg.Load15
		if cores > 0 {
			info.LoadPercentage1Min = (loadAvg.Load1 / float64(cores)) * 100
		}
	}
	return info
}

func (h *HealthHandler) getMemoryInfo(ctx context.Context) MemoryInfo {
	info := MemoryInfo{}

	vmStat, err := mem.VirtualMemoryWithContext(ctx)
	if err == nil && vmStat != nil {
		info.TotalMemoryMB = float64(vmStat.Total) / 1024 / 1024
		info.UsedMemoryMB = float64(vmStat.Used) / 1024 / 1024
		info.AvailableMemoryMB = float64(vmStat.Available) / 1024 / 1024
	}

	info.ProcessMemory = h.getProcessMemoryInfo(ctx)
	return info
}

// getProcessMemoryInfo sums RSS across this process and its children, which
// are the running encoders.
func (h *HealthHandler) getProcessMemoryInfo(ctx context.Context) ProcessMemoryInfo {
	info := ProcessMemoryInfo{}

	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return info
	}

	if memInfo, err := proc.MemoryInfoWithContext(ctx); err == nil && memInfo != nil {
		info.MainProcessMB = float64(memInfo.RSS) / 1024 / 1024
		info.TotalProcessTreeMB = info.MainProcessMB
	}

	children, err := proc.ChildrenWithContext(ctx)
	if err == nil {
		info.ChildProcessCount = len(children)
		for _, child := range children {
			childMem, err := child.MemoryInfoWithContext(ctx)
			if err == nil && childMem != nil {
				childMB := float64(childMem.RSS) / 1024 / 1024
				info.ChildProcessesMB += childMB
				info.TotalProcessTreeMB += childMB
			}
		}
	}
	return info
}

func (h *HealthHandler) getCacheInfo(ctx context.Context) (CacheInfo, error) {
	if h.store == nil {
		return CacheInfo{}, nil
	}
	info := CacheInfo{Dir: h.store.Dir()}

	usage, err := h.store.Usage()
	if err != nil {
		return info, err
	}
	info.FileCount = usage.FileCount
	info.TotalSize = usage.TotalSize

	if du, err := disk.UsageWithContext(ctx, info.Dir); err == nil && du != nil {
		info.DiskFree = du.Free
		info.DiskTotal = du.Total
		info.DiskPercent = du.UsedPercent
	}
	return info, nil
}
