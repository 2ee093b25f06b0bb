package main

import (
	"context"
	"embed"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/bluexfer/bluexfer/internal/bluexfer"
)

//go:embed bluexfer/config
var cfgTemplate embed.FS

// Values swapped in by go-releaser at build time
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGINT, os.Interrupt)

	configDir := flag.String("config", findConfigPath(), "Path to config root")
	apiAddr := flag.String("api-addr", "", "Serve the HTTP API on this address. Overrides APIAddr from the config.")
	printVersion := flag.Bool("version", false, "Print version and exit")
	logLevel := flag.String("log-level", "info", "Log level")
	logFile := flag.String("log-file", "", "Path to log file")
	init := flag.Bool("init", false, "Populate the config dir with default configuration")

	flag.Parse()

	if *printVersion {
		fmt.Printf("bluexfer-server %s, commit %s, built at %s\n", version, commit, date)
		os.Exit(0)
	}

	logger := bluexfer.NewLogger(*logLevel, *logFile)

	// path.Join rather than filepath.Join: embed.FS paths always use forward slashes.
	if *init {
		if _, err := os.Stat(path.Join(*configDir, "config.yaml")); os.IsNotExist(err) {
			if err := os.MkdirAll(*configDir, 0750); err != nil {
				logger.Error(fmt.Sprintf("error creating config dir: %s", err))
				os.Exit(1)
			}
			if err := copyDir(path.Join("bluexfer", "config"), *configDir); err != nil {
				logger.Error(fmt.Sprintf("error copying config dir: %s", err))
				os.Exit(1)
			}
			logger.Info("Config dir initialized at " + *configDir)
		} else {
			logger.Info("Existing config dir found.  Skipping initialization.")
		}
	}

	configPath := path.Join(*configDir, "config.yaml")
	config, err := bluexfer.LoadConfig(configPath)
	if err != nil {
		logger.Error(fmt.Sprintf("Error loading config: %v", err))
		os.Exit(1)
	}
	if *apiAddr != "" {
		config.APIAddr = *apiAddr
	}

	network, err := bluexfer.NewNetwork(config, logger)
	if err != nil {
		logger.Error(fmt.Sprintf("Error opening %s network: %v", config.Transport, err))
		os.Exit(1)
	}
	defer func() { _ = network.Close() }()

	srv, err := bluexfer.NewServer(config, configPath, logger)
	if err != nil {
		logger.Error(fmt.Sprintf("Error starting server: %s", err))
		os.Exit(1)
	}
	defer func() {
		if err := srv.Shutdown(); err != nil {
			logger.Error("Error shutting down", "err", err)
		}
	}()

	if config.APIAddr != "" {
		battery := &bluexfer.BatteryReader{Adapter: bluexfer.NewTinyGoAdapter(), Timeout: config.Timeouts.Connect}
		api := bluexfer.NewAPIServer(srv, battery, cancel)

		go func() {
			if err := api.Serve(ctx, config.APIAddr); err != nil {
				logger.Error("API server stopped", "err", err)
				cancel()
			}
		}()
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigChan:
				switch sig {
				case syscall.SIGHUP:
					logger.Info("SIGHUP received.  Reloading configuration.")

					if err := srv.Reload(); err != nil {
						logger.Error("Error reloading config", "err", err)
					}
				default:
					logger.Info("Stopping server", "signal", sig.String())
					signal.Stop(sigChan)
					cancel()
					return
				}
			}
		}
	}()

	logger.Info("bluexfer server started",
		"version", version,
		"config", *configDir,
		"transport", config.Transport,
		"API", config.APIAddr,
	)

	if err := srv.ListenAndServe(ctx, network); err != nil {
		logger.Error("Receiver stopped", "err", err)
		cancel()
		return
	}
}

// findConfigPath returns the first directory of the search order that exists.
func findConfigPath() string {
	for _, cfgPath := range bluexfer.ConfigSearchOrder {
		if info, err := os.Stat(cfgPath); err == nil && info.IsDir() {
			return cfgPath
		}
	}

	return "config"
}

// copyDir copies the embedded directory src into dst.
func copyDir(src, dst string) error {
	if _, err := cfgTemplate.ReadDir(src); err != nil {
		return fmt.Errorf("failed to read source directory %s: %w", src, err)
	}
	return copyDirRecursive(src, dst)
}

func copyDirRecursive(src, dst string) error {
	entries, err := cfgTemplate.ReadDir(src)
	if err != nil {
		return fmt.Errorf("failed to read source directory %s: %w", src, err)
	}

	for _, entry := range entries {
		srcPath := path.Join(src, entry.Name())
		dstPath := path.Join(dst, entry.Name())

		if entry.IsDir() {
			if err := os.MkdirAll(dstPath, 0750); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dstPath, err)
			}
			if err := copyDirRecursive(srcPath, dstPath); err != nil {
				return err
			}
			continue
		}

		if err := copyFile(srcPath, dstPath); err != nil {
			return err
		}
	}

	return nil
}

func copyFile(src, dst string) error {
	srcFile, err := cfgTemplate.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file %s: %w", src, err)
	}
	defer func() { _ = srcFile.Close() }()

	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create destination file %s: %w", dst, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := io.Copy(f, srcFile); err != nil {
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}

	return nil
}
