package kvstore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
)

// DiskUsage summarizes the volume a store lives on.
type DiskUsage struct {
	Path        string  `json:"path"`
	Fstype      string  `json:"fstype"`
	TotalGB     float64 `json:"totalGB"`
	FreeGB      float64 `json:"freeGB"`
	UsedPercent float64 `json:"usedPercent"`
	StoreGB     float64 `json:"storeGB"`
}

// calculateDirectorySize calculates the total size of files within a directory
func calculateDirectorySize(path string) (size int64, err error) {
	err = filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return
}

// Usage reports disk usage for path and the bytes the store occupies there.
func Usage(path string) (DiskUsage, error) {
	stat, err := disk.Usage(path)
	if err != nil {
		return DiskUsage{}, fmt.Errorf("kvstore: disk usage of %s: %w", path, err)
	}
	pathSize, err := calculateDirectorySize(path)
	if err != nil {
		return DiskUsage{}, fmt.Errorf("kvstore: size of %s: %w", path, err)
	}
	return DiskUsage{
		Path:        path,
		Fstype:      stat.Fstype,
		TotalGB:     float64(stat.Total) / 1e9,
		FreeGB:      float64(stat.Free) / 1e9,
		UsedPercent: stat.UsedPercent,
		StoreGB:     float64(pathSize) / 1e9,
	}, nil
}

// logDiskUsage logs the disk usage of every configured path.
func logDiskUsage(log *logrus.Logger, paths []string) error {
	for _, path := range paths {
		u, err := Usage(path)
		if err != nil {
			log.WithFields(logrus.Fields{
				"path": path,
			}).Errorf("Error retrieving disk usage stats: %v", err)
			return err
		}

		log.WithFields(logrus.Fields{
			"Path":        u.Path,
			"Fstype":      u.Fstype,
			"Total (GB)":  fmt.Sprintf("%.2f", u.TotalGB),
			"Free (GB)":   fmt.Sprintf("%.2f", u.FreeGB),
			"Used (%)":    fmt.Sprintf("%.1f", u.UsedPercent),
			"Usage by DB": fmt.Sprintf("%.2f", u.StoreGB),
		}).Info("Disk Usage")
	}
	return nil
}
