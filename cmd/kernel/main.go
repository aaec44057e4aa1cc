// Command kernel boots the M³ microkernel core: it decodes a platform
// boot-info block plus its staged boot modules, starts the root activity,
// and drains the syscall dispatcher until it receives SIGINT/SIGTERM.
//
// The real platform that stages boot-info and modules into DRAM (the
// simulated-hardware harness, or real silicon) is out of scope for this
// repository (spec.md section 1); this entrypoint reads them from the
// filesystem instead, the way a unit-test harness or simulator would feed
// them to the kernel process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/m3sys/kernel/internal/kernel/bootinfo"
	"github.com/m3sys/kernel/internal/kernel/kernel"
	"github.com/m3sys/kernel/internal/kernel/kernelcfg"
)

var (
	bootInfoPath string
	moduleDir    string
	devLog       bool
	idleInterval time.Duration
)

func init() {
	flag.StringVar(&bootInfoPath, "boot-info", "",
		"Path to the encoded boot-info block staged by the platform")
	flag.StringVar(&moduleDir, "module-dir", "",
		"Directory containing one file per boot module, named after the module")
	flag.BoolVar(&devLog, "dev", false,
		"Use a human-readable development logger instead of JSON production logging")
	flag.DurationVar(&idleInterval, "idle-interval", 5*time.Millisecond,
		"How long Run sleeps between syscall polls when the receive buffer is empty")
}

func main() {
	flag.Parse()

	logger, err := newLogger(devLog)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kernel: build logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(logger); err != nil {
		logger.Error(err, "kernel exited with error")
		os.Exit(1)
	}
}

func newLogger(dev bool) (logr.Logger, error) {
	var zapLog *zap.Logger
	var err error
	if dev {
		zapLog, err = zap.NewDevelopment()
	} else {
		zapLog, err = zap.NewProduction()
	}
	if err != nil {
		return logr.Logger{}, err
	}
	return zapr.NewLogger(zapLog), nil
}

func run(logger logr.Logger) error {
	if bootInfoPath == "" {
		return fmt.Errorf("kernel: -boot-info is required")
	}

	raw, err := os.ReadFile(bootInfoPath)
	if err != nil {
		return fmt.Errorf("kernel: read boot info: %w", err)
	}

	modData, err := loadModules(raw, moduleDir)
	if err != nil {
		return fmt.Errorf("kernel: load boot modules: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := kernelcfg.DefaultKernelConfig()
	k, err := kernel.Boot(ctx, kernel.Config{
		BootInfo:   raw,
		ModuleData: modData,
		Cfg:        cfg,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("kernel: boot: %w", err)
	}

	logger.Info("kernel booted", "root", k.Root.ID())

	idle := func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(idleInterval):
			return nil
		}
	}

	if err := k.Run(ctx, idle); err != nil {
		_ = k.Shutdown()
		return fmt.Errorf("kernel: run: %w", err)
	}
	return k.Shutdown()
}

// loadModules reads one file per module named in boot's decoded module
// table from dir, keyed by module name, so kernel.Boot can hand each
// module's bytes to the loader without re-parsing boot-info itself.
func loadModules(raw []byte, dir string) (map[string][]byte, error) {
	if dir == "" {
		return nil, nil
	}
	boot, err := bootinfo.Decode(raw)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(boot.Mods))
	for _, m := range boot.Mods {
		data, err := os.ReadFile(filepath.Join(dir, m.Name))
		if err != nil {
			return nil, fmt.Errorf("module %q: %w", m.Name, err)
		}
		out[m.Name] = data
	}
	return out, nil
}
