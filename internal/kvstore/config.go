package kvstore

import (
	"errors"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/disk"
)

const bytesPerGB = 1024 * 1024 * 1024

var (
	ErrNoPath        = errors.New("kvstore: no path provided in configuration")
	ErrNotADirectory = errors.New("kvstore: path is not a directory")
	ErrLowDiskSpace  = errors.New("kvstore: not enough space available on disk")
)

func (sc *StoreConfig) checkConfig() error {
	if sc.InMemory {
		return nil
	}
	if len(sc.Paths) == 0 || sc.Paths[0] == "" {
		return ErrNoPath
	}

	path := sc.Paths[0] // only the first path is used
	if err := os.MkdirAll(path, 0o700); err != nil {
		return fmt.Errorf("kvstore: create %s: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("kvstore: stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return ErrNotADirectory
	}

	if sc.MinimumFreeSpace <= 0 {
		return nil
	}
	freeGB, err := FreeSpaceGB(path)
	if err != nil {
		return err
	}
	if freeGB < uint64(sc.MinimumFreeSpace) {
		return fmt.Errorf("%w: %d GB free at %s, need %d GB", ErrLowDiskSpace, freeGB, path, sc.MinimumFreeSpace)
	}
	return nil
}

// FreeSpaceGB returns the whole gigabytes available at path.
func FreeSpaceGB(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, fmt.Errorf("kvstore: disk usage of %s: %w", path, err)
	}
	return usage.Free / bytesPerGB, nil
}
