package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/mollenos/valicore/internal/kernel/api"
	"github.com/mollenos/valicore/internal/kernel/ipc/netdbg"
	"github.com/mollenos/valicore/pkg/config"
	"github.com/mollenos/valicore/pkg/klog"
)

var (
	setupLog logr.Logger

	coreCount     int
	priorityTiers int
	quantumBase   time.Duration
	tickInterval  time.Duration
	initrdDir     string
	bootModule    string
	netdbgAddr    string
	development   bool
)

func init() {
	flag.IntVar(&coreCount, "cores", 0,
		"Number of simulated cores/schedulers to bring up (0 uses the default)")
	flag.IntVar(&priorityTiers, "priority-tiers", 0,
		"Number of real scheduling priority tiers, plus one dedicated idle tier")
	flag.DurationVar(&quantumBase, "quantum-base", 0,
		"Timeslice given to the lowest-priority non-idle tier")
	flag.DurationVar(&tickInterval, "tick-interval", 0,
		"Simulated timer-IRQ period")
	flag.StringVar(&initrdDir, "initrd", "",
		"Directory of PE images the module loader resolves imports against")
	flag.StringVar(&bootModule, "boot-module", "",
		"Name of the initrd image to load into the first process at startup")
	flag.StringVar(&netdbgAddr, "netdbg-address", "0",
		"Address the IPC trace exporter's gRPC server binds to. Set to '0' to disable")
	flag.BoolVar(&development, "development", false,
		"Use a development (console, debug-level) logger instead of the production one")
	flag.Parse()

	log, err := klog.New(klog.Options{Development: development})
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to build logger: %v\n", err)
		os.Exit(1)
	}
	setupLog = log.WithName("setup")
}

// initrdResolver reads a dependency's raw PE image bytes out of dir by
// name, the loader.Resolver a real boot loader would instead satisfy out
// of an embedded ramdisk.
func initrdResolver(dir string) func(name string) ([]byte, error) {
	return func(name string) ([]byte, error) {
		return os.ReadFile(filepath.Join(dir, name))
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.BootConfig{
		CoreCount:     coreCount,
		PriorityTiers: priorityTiers,
		QuantumBase:   quantumBase,
		TickInterval:  tickInterval,
	}
	cfg.ApplyDefaults()

	kernel, err := api.New(cfg, initrdResolver(initrdDir), setupLog.WithName("kernel"))
	if err != nil {
		setupLog.Error(err, "unable to bring up kernel")
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)

	if netdbgAddr != "0" {
		g.Go(func() error {
			return serveNetdbg(gctx, kernel.Netdbg, netdbgAddr)
		})
	}

	if bootModule != "" {
		g.Go(func() error {
			return bootstrapInitProcess(kernel, initrdDir, bootModule)
		})
	}

	setupLog.Info("kernel started", "cores", cfg.CoreCount, "priorityTiers", cfg.PriorityTiers)

	<-gctx.Done()
	kernel.Sched.Shutdown()

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		setupLog.Error(err, "kernel runnable exited")
		os.Exit(1)
	}
}

// serveNetdbg runs the IPC trace exporter's gRPC server until ctx is
// cancelled, mirroring the teacher's own bind-address-driven runnable
// shape (metrics/health servers started alongside the controller manager).
func serveNetdbg(ctx context.Context, exporter *netdbg.Exporter, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("netdbg: listen %s: %w", addr, err)
	}
	srv := grpc.NewServer()
	srv.RegisterService(exporter.ServiceDesc(), exporter)

	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()

	setupLog.Info("netdbg trace exporter listening", "address", addr)
	if err := srv.Serve(lis); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// bootstrapInitProcess brings up the first process and loads name from
// initrdDir into it, the module-loader half of what a real boot sequence
// does once the scheduler and VMM are up (spec §6's process/module
// syscalls, driven here instead of over a ring-3 trap).
func bootstrapInitProcess(k *api.Kernel, initrdDir, name string) error {
	proc, err := k.CreateProcess()
	if err != nil {
		return fmt.Errorf("bootstrap: create init process: %w", err)
	}

	image, err := os.ReadFile(filepath.Join(initrdDir, name))
	if err != nil {
		return fmt.Errorf("bootstrap: read %s: %w", name, err)
	}

	mod, err := k.ModuleLoad(proc, name, image)
	if err != nil {
		return fmt.Errorf("bootstrap: load %s: %w", name, err)
	}

	setupLog.Info("init process started", "process", proc.ID, "module", name, "state", mod.State())
	return nil
}
