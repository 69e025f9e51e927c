// Command aurora runs the Aurora kernel as a hosted process: the Go
// counterpart of flashing rust_main onto QEMU's riscv64 virt machine.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aurora-os/aurora/internal/boot"
	"github.com/aurora-os/aurora/internal/kconfig"
	"github.com/aurora-os/aurora/internal/logging"
	"github.com/aurora-os/aurora/internal/sbi"
)

func main() {
	var (
		boardPath = flag.String("board", "", "YAML board overlay (defaults to QEMU virt machine values)")
		diskSize  = flag.String("disk", "64M", "Size of the virtio-blk disk image (e.g. 64M, 1G); 0 disables it")
		diskPath  = flag.String("disk-path", "", "Back the virtio-blk device with this host file via io_uring instead of a RAM disk")
		userTest  = flag.Bool("user-test", true, "Spawn the built-in user-mode write/exit smoke test")
		mmapMem   = flag.Bool("mmap-memory", false, "Back guest physical memory with an anonymous mmap instead of a Go heap slice")
		verbose   = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	size, err := parseSize(*diskSize)
	if err != nil {
		logger.Error("invalid -disk value", "value", *diskSize, "error", err)
		os.Exit(1)
	}

	board := kconfig.DefaultBoard()
	if *boardPath != "" {
		board = kconfig.LoadBoard(*boardPath)
	}

	hostSBI := sbi.NewHostSBI()
	m, err := boot.New(boot.Config{
		Board:          board,
		SBI:            hostSBI,
		MmapMemory:     *mmapMem,
		DiskSize:       size,
		DiskPath:       *diskPath,
		EnableUserTest: *userTest,
	})
	if err != nil {
		logger.Error("boot failed", "error", err)
		os.Exit(1)
	}

	logger.Info("Aurora kernel booting...")
	logger.Info("memory", "base", fmt.Sprintf("%#x", m.Board.MemoryBase), "size", m.Board.MemorySize)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(time.Second / time.Duration(kconfig.DefaultTickHz))
	defer ticker.Stop()

	logger.Info("entering idle loop, press Ctrl+C to stop")
	for {
		select {
		case <-ticker.C:
			m.Tick()
		case reason := <-hostSBI.ShutdownCh:
			logger.Info("kernel shutdown", "reason", reason)
			os.Exit(0)
		case <-sigCh:
			logger.Info("received shutdown signal")
			os.Exit(0)
		}
	}
}

// parseSize parses a size string like "64M", "1G", "512K", or "0" to
// disable the disk entirely.
func parseSize(s string) (int64, error) {
	if s == "0" || s == "" {
		return 0, nil
	}
	mult := int64(1)
	numStr := s
	switch s[len(s)-1] {
	case 'K', 'k':
		mult = 1024
		numStr = s[:len(s)-1]
	case 'M', 'm':
		mult = 1024 * 1024
		numStr = s[:len(s)-1]
	case 'G', 'g':
		mult = 1024 * 1024 * 1024
		numStr = s[:len(s)-1]
	}
	var n int64
	if _, err := fmt.Sscanf(numStr, "%d", &n); err != nil {
		return 0, err
	}
	return n * mult, nil
}
