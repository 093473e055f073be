// Copyright © 2025 OpenCHAMI a Series of LF Projects, LLC
//
// SPDX-License-Identifier: MIT

// Main entry point for the PureBoot provisioning controller.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/pureboot/controller/internal/keylock"
	"github.com/pureboot/controller/internal/storage"
	"github.com/pureboot/controller/pkg/api"
	"github.com/pureboot/controller/pkg/bootdispatcher"
	"github.com/pureboot/controller/pkg/ca"
	"github.com/pureboot/controller/pkg/clonesession"
	"github.com/pureboot/controller/pkg/journal"
	"github.com/pureboot/controller/pkg/partitionqueue"
	"github.com/pureboot/controller/pkg/registry"
	"github.com/pureboot/controller/pkg/sink"
	"github.com/pureboot/controller/pkg/staging"
	"github.com/pureboot/controller/pkg/statemachine"
	"github.com/pureboot/controller/pkg/workflowregistry"
)

// Config holds all configuration for the controller process.
type Config struct {
	// HTTP server
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
	IdleTimeout  int    `mapstructure:"idle_timeout"`

	// TFTP
	EnableTFTP bool   `mapstructure:"enable_tftp"`
	TFTPAddr   string `mapstructure:"tftp_addr"`
	TFTPRoot   string `mapstructure:"tftp_root"`

	// Proxy-DHCP
	EnableProxyDHCP bool   `mapstructure:"enable_proxy_dhcp"`
	ProxyDHCPIface  string `mapstructure:"proxy_dhcp_iface"`
	NextServer      string `mapstructure:"next_server"`

	// Persistence
	DataFile string `mapstructure:"data_file"`

	// PIDFile is where serve records its process id, read back by
	// `workflows reload-signal`. Empty disables it.
	PIDFile string `mapstructure:"pid_file"`

	// Workflow definitions
	WorkflowDir string `mapstructure:"workflow_dir"`

	// Boot dispatcher
	ServerURL        string `mapstructure:"server_url"`
	ScriptCacheTTLMS int    `mapstructure:"script_cache_ttl_ms"`

	// Clone sessions / partition queue
	CertGraceWindowSec int `mapstructure:"cert_grace_window_seconds"`
	StaleWindowSec     int `mapstructure:"partition_stale_window_seconds"`
	RetentionWindowSec int `mapstructure:"partition_retention_window_seconds"`
	SweepIntervalSec   int `mapstructure:"sweep_interval_seconds"`

	// Staging backends
	NFSServer    string `mapstructure:"nfs_server"`
	NFSExport    string `mapstructure:"nfs_export"`
	NFSMountOpts string `mapstructure:"nfs_mount_options"`

	ISCSIPortal     string `mapstructure:"iscsi_portal"`
	ISCSITargetIQN  string `mapstructure:"iscsi_target_iqn"`
	ISCSIEnableCHAP bool   `mapstructure:"iscsi_enable_chap"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Host:         "0.0.0.0",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
		IdleTimeout:  120,

		EnableTFTP: true,
		TFTPAddr:   ":69",
		TFTPRoot:   "./tftproot",

		EnableProxyDHCP: false,
		ProxyDHCPIface:  "eth0",
		NextServer:      "",

		DataFile: "./pureboot.db",
		PIDFile:  "./pureboot.pid",

		WorkflowDir: "./workflows",

		ServerURL:        "http://127.0.0.1:8080",
		ScriptCacheTTLMS: 10000,

		CertGraceWindowSec: 60,
		StaleWindowSec:     600,
		RetentionWindowSec: 86400,
		SweepIntervalSec:   60,
	}
}

var rootCmd = &cobra.Command{
	Use:   "pureboot-controller",
	Short: "PureBoot provisioning controller",
	Long:  "A network-boot provisioning controller: PXE/iPXE dispatch, node lifecycle, clone sessions, and partition orchestration.",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the controller server",
	Long:  "Start the HTTP, TFTP, and Proxy-DHCP surfaces for the provisioning control plane.",
	RunE:  runServe,
}

var workflowsCmd = &cobra.Command{
	Use:   "workflows",
	Short: "Workflow registry maintenance",
}

var reloadSignalCmd = &cobra.Command{
	Use:   "reload-signal",
	Short: "Reload workflow definitions in a running controller",
	Long: "Sends SIGHUP to the controller process recorded in the pid file, " +
		"causing it to re-read the workflow directory and journal the " +
		"old/new definition counts. Workflow definitions are re-read only " +
		"on this explicit refresh; there is no public HTTP endpoint for it.",
	RunE: runReloadSignal,
}

func init() {
	serveCmd.Flags().String("host", "0.0.0.0", "HTTP bind host")
	serveCmd.Flags().Int("port", 8080, "HTTP bind port")
	serveCmd.Flags().Int("read-timeout", 30, "HTTP read timeout in seconds")
	serveCmd.Flags().Int("write-timeout", 30, "HTTP write timeout in seconds")
	serveCmd.Flags().Int("idle-timeout", 120, "HTTP idle timeout in seconds")

	serveCmd.Flags().Bool("enable-tftp", true, "Enable the TFTP bootloader server")
	serveCmd.Flags().String("tftp-addr", ":69", "TFTP bind address")
	serveCmd.Flags().String("tftp-root", "./tftproot", "Directory of static TFTP artifacts")

	serveCmd.Flags().Bool("enable-proxy-dhcp", false, "Enable the Proxy-DHCP helper on UDP 4011")
	serveCmd.Flags().String("proxy-dhcp-iface", "eth0", "Interface to bind the Proxy-DHCP listener to")
	serveCmd.Flags().String("next-server", "", "next-server address handed to PXE clients")

	serveCmd.Flags().String("data-file", "./pureboot.db", "sqlite data file (\":memory:\" for ephemeral)")
	serveCmd.Flags().String("workflow-dir", "./workflows", "Directory of workflow YAML definitions")

	rootCmd.PersistentFlags().String("pid-file", "./pureboot.pid", "File the serve command records its process id in")
	viper.BindPFlag("pid_file", rootCmd.PersistentFlags().Lookup("pid-file")) //nolint:errcheck

	serveCmd.Flags().String("server-url", "http://127.0.0.1:8080", "Base URL this controller is reachable at, for cmdline rendering")
	serveCmd.Flags().Int("script-cache-ttl-ms", 10000, "Rendered iPXE script cache lifetime in milliseconds")

	serveCmd.Flags().Int("cert-grace-window-seconds", 60, "Grace window certs stay servable after session terminal")
	serveCmd.Flags().Int("partition-stale-window-seconds", 600, "Stale in_progress partition-op recovery window")
	serveCmd.Flags().Int("partition-retention-window-seconds", 86400, "Terminal partition-op retention window")
	serveCmd.Flags().Int("sweep-interval-seconds", 60, "Background sweep loop interval")

	serveCmd.Flags().String("nfs-server", "", "NFS server address for staged clones (empty disables the NFS backend)")
	serveCmd.Flags().String("nfs-export", "/srv/pureboot/staging", "NFS export path")
	serveCmd.Flags().String("nfs-mount-options", "nolock,vers=3", "NFS mount options handed to agents")

	serveCmd.Flags().String("iscsi-portal", "", "iSCSI portal address (empty disables the iSCSI backend)")
	serveCmd.Flags().String("iscsi-target-iqn", "", "iSCSI target IQN")
	serveCmd.Flags().Bool("iscsi-enable-chap", false, "Generate CHAP credentials per iSCSI allocation")

	viper.BindPFlags(serveCmd.Flags()) //nolint:errcheck

	workflowsCmd.AddCommand(reloadSignalCmd)
	rootCmd.AddCommand(serveCmd, workflowsCmd)
}

func main() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/pureboot/")
	viper.AddConfigPath("$HOME/.pureboot")

	viper.SetEnvPrefix("PUREBOOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("error reading config file: %v", err)
		}
	}

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func runReloadSignal(cmd *cobra.Command, args []string) error { //nolint:revive
	config, err := loadConfig()
	if err != nil {
		return err
	}
	if config.PIDFile == "" {
		return fmt.Errorf("no pid file configured; set --pid-file to match the running controller")
	}
	data, err := os.ReadFile(config.PIDFile)
	if err != nil {
		return fmt.Errorf("read pid file %s (is the controller running?): %w", config.PIDFile, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("parse pid file %s: %w", config.PIDFile, err)
	}
	if err := syscall.Kill(pid, syscall.SIGHUP); err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}
	fmt.Printf("sent SIGHUP to pid %d; workflow definitions will be re-read from disk\n", pid)
	return nil
}

func loadConfig() (Config, error) {
	config := DefaultConfig()
	if err := viper.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validateConfig(config); err != nil {
		return config, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func validateConfig(config Config) error {
	if config.Port <= 0 || config.Port > 65535 {
		return fmt.Errorf("invalid port: %d", config.Port)
	}
	if config.EnableProxyDHCP && config.NextServer == "" {
		return fmt.Errorf("next-server is required when proxy-dhcp is enabled")
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error { //nolint:revive
	config, err := loadConfig()
	if err != nil {
		return err
	}

	log.Printf("starting pureboot-controller with configuration:")
	log.Printf("  http: %s:%d", config.Host, config.Port)
	log.Printf("  tftp: enabled=%v addr=%s root=%s", config.EnableTFTP, config.TFTPAddr, config.TFTPRoot)
	log.Printf("  proxy-dhcp: enabled=%v iface=%s next-server=%s", config.EnableProxyDHCP, config.ProxyDHCPIface, config.NextServer)
	log.Printf("  data-file: %s", config.DataFile)
	log.Printf("  workflow-dir: %s", config.WorkflowDir)

	// The pid file is what `workflows reload-signal` reads to find this
	// process.
	if config.PIDFile != "" {
		if err := os.WriteFile(config.PIDFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
			log.Printf("write pid file %s: %v", config.PIDFile, err)
		} else {
			defer os.Remove(config.PIDFile) //nolint:errcheck
		}
	}

	store, err := storage.Open(config.DataFile, log.New(os.Stdout, "storage: ", log.LstdFlags))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close() //nolint:errcheck

	nodeLocks := keylock.NewSet()
	sessionLocks := keylock.NewSet()

	j := journal.New(store)
	states := statemachine.New(store, j, nodeLocks, log.New(os.Stdout, "statemachine: ", log.LstdFlags))
	nodes := registry.New(store, j, nodeLocks, log.New(os.Stdout, "registry: ", log.LstdFlags))

	workflows, err := workflowregistry.New(config.WorkflowDir, j, log.New(os.Stdout, "workflowregistry: ", log.LstdFlags))
	if err != nil {
		return fmt.Errorf("load workflows: %w", err)
	}

	authority := ca.New(log.New(os.Stdout, "ca: ", log.LstdFlags))

	var stagingBackends []string
	var allocators []staging.Allocator
	if config.NFSServer != "" {
		allocators = append(allocators, staging.NewNFSAllocator(staging.NFSConfig{
			Server:    config.NFSServer,
			Export:    config.NFSExport,
			MountOpts: config.NFSMountOpts,
		}))
		stagingBackends = append(stagingBackends, "nfs")
	}
	if config.ISCSIPortal != "" {
		allocators = append(allocators, staging.NewISCSIAllocator(staging.ISCSIConfig{
			Portal:     config.ISCSIPortal,
			TargetIQN:  config.ISCSITargetIQN,
			EnableCHAP: config.ISCSIEnableCHAP,
		}))
		stagingBackends = append(stagingBackends, "iscsi")
	}
	broker := staging.New(log.New(os.Stdout, "staging: ", log.LstdFlags), allocators...)

	clones := clonesession.New(store, nodes, authority, broker, sessionLocks, clonesession.Config{
		CertGraceWindow: time.Duration(config.CertGraceWindowSec) * time.Second,
	}, log.New(os.Stdout, "clonesession: ", log.LstdFlags))

	// clones is threaded into the dispatcher so it can resolve a node's
	// actual role (source vs target) in its active clone session when
	// rendering that node's boot script; nodeLocks so its last_seen bumps
	// and auto-registration serialize with every other node mutation.
	boot := bootdispatcher.New(store, workflows, clones, nodeLocks, bootdispatcher.Config{
		ServerURL: config.ServerURL,
		CacheTTL:  time.Duration(config.ScriptCacheTTLMS) * time.Millisecond,
	}, log.New(os.Stdout, "bootdispatcher: ", log.LstdFlags))

	resilientSink := sink.New(store, log.New(os.Stdout, "sink: ", log.LstdFlags))

	partitions := partitionqueue.New(store, nodes, resilientSink, nodeLocks, partitionqueue.Config{
		StaleWindow:     time.Duration(config.StaleWindowSec) * time.Second,
		RetentionWindow: time.Duration(config.RetentionWindowSec) * time.Second,
	}, log.New(os.Stdout, "partitionqueue: ", log.LstdFlags))

	apiServer := api.New(log.New(os.Stdout, "api: ", log.LstdFlags))
	apiServer.Nodes = nodes
	apiServer.Workflows = workflows
	apiServer.States = states
	apiServer.Boot = boot
	apiServer.Clones = clones
	apiServer.Partitions = partitions
	apiServer.Sink = resilientSink
	apiServer.Journal = j
	apiServer.Info = api.SystemInfo{
		ServiceName:     "pureboot-controller",
		Version:         "dev",
		StagingBackends: stagingBackends,
	}
	apiServer.DHCPStatus = func() map[string]any {
		return map[string]any{
			"proxy_dhcp_enabled": config.EnableProxyDHCP,
			"proxy_dhcp_iface":   config.ProxyDHCPIface,
			"next_server":        config.NextServer,
		}
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      apiServer.Router(),
		ReadTimeout:  time.Duration(config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(config.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(config.IdleTimeout) * time.Second,
	}

	var tftpServer *bootdispatcher.TFTPServer
	if config.EnableTFTP {
		tftpServer = bootdispatcher.NewTFTPServer(config.TFTPRoot, log.New(os.Stdout, "tftp: ", log.LstdFlags))
	}

	var proxyDHCP *bootdispatcher.ProxyDHCP
	if config.EnableProxyDHCP {
		proxyDHCP = bootdispatcher.NewProxyDHCP(net.ParseIP(config.NextServer), log.New(os.Stdout, "proxydhcp: ", log.LstdFlags))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("http: listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if tftpServer != nil {
		g.Go(func() error {
			if err := tftpServer.ListenAndServe(config.TFTPAddr); err != nil {
				return fmt.Errorf("tftp server: %w", err)
			}
			return nil
		})
	}

	if proxyDHCP != nil {
		g.Go(func() error {
			if err := proxyDHCP.ListenAndServe(config.ProxyDHCPIface); err != nil {
				return fmt.Errorf("proxy-dhcp server: %w", err)
			}
			return nil
		})
	}

	// Background sweep: stale-operation recovery + retention cleanup.
	// Runs on the same errgroup lifecycle as the
	// network-facing servers so a shutdown signal stops all of them
	// together.
	g.Go(func() error {
		ticker := time.NewTicker(time.Duration(config.SweepIntervalSec) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n, err := partitions.RecoverStale(gctx); err != nil {
					log.Printf("sweep: recover stale partition ops: %v", err)
				} else if n > 0 {
					log.Printf("sweep: recovered %d stale partition ops", n)
				}
				if n, err := partitions.Sweep(gctx); err != nil {
					log.Printf("sweep: retention cleanup: %v", err)
				} else if n > 0 {
					log.Printf("sweep: deleted %d terminal partition ops past retention", n)
				}
				since := time.Now().Add(-time.Duration(config.RetentionWindowSec) * time.Second)
				if n, err := clones.SweepTerminal(gctx, since); err != nil {
					log.Printf("sweep: clone session release: %v", err)
				} else if n > 0 {
					log.Printf("sweep: released certs/staging for %d terminal clone sessions", n)
				}
			}
		}
	})

	// SIGHUP re-reads the workflow directory; a failed reload leaves the
	// previous set intact.
	hupChan := make(chan os.Signal, 1)
	signal.Notify(hupChan, syscall.SIGHUP)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hupChan:
				before := workflows.Count()
				if err := workflows.Reload(gctx); err != nil {
					log.Printf("workflow reload failed, keeping %d loaded: %v", before, err)
					continue
				}
				log.Printf("workflow reload: %d -> %d definitions", before, workflows.Count())
			}
		}
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case sig := <-sigChan:
			log.Printf("received signal %s, shutting down", sig)
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("http shutdown error: %v", err)
		}
		if tftpServer != nil {
			tftpServer.Shutdown()
		}
		if proxyDHCP != nil {
			proxyDHCP.Close() //nolint:errcheck
		}
		cancel()
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}
	log.Println("controller stopped")
	return nil
}
