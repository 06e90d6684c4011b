package main

import (
	"errors"
	"os"
	"os/signal"
	"runtime/pprof"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/okami-tracker/okami/backend"
	"github.com/okami-tracker/okami/frontend/http"
	"github.com/okami-tracker/okami/pkg/log"
	"github.com/okami-tracker/okami/pkg/metrics"
	"github.com/okami-tracker/okami/pkg/stop"
	"github.com/okami-tracker/okami/storage"
	"github.com/okami-tracker/okami/tracker"
	"github.com/okami-tracker/okami/tracker/bonus"
	"github.com/okami-tracker/okami/tracker/hitandrun"

	// Imports to register storage drivers.
	_ "github.com/okami-tracker/okami/storage/memory"
	_ "github.com/okami-tracker/okami/storage/redis"

	// Imports to register backend drivers.
	_ "github.com/okami-tracker/okami/backend/memory"

	// Imports to register announce hooks.
	_ "github.com/okami-tracker/okami/tracker/clientapproval"
	_ "github.com/okami-tracker/okami/tracker/jwtauth"
)

// Run represents the state of a running instance of Okami.
type Run struct {
	configFilePath string
	peerStore      storage.PeerStore
	backend        backend.Backend
	logic          *tracker.Logic
	sg             *stop.Group
}

// NewRun runs an instance of Okami.
func NewRun(configFilePath string) (*Run, error) {
	r := &Run{
		configFilePath: configFilePath,
	}

	return r, r.Start(nil)
}

// Start begins an instance of Okami.
// It is optional to provide an instance of the peer store to avoid the
// creation of a new one.
func (r *Run) Start(ps storage.PeerStore) error {
	configFile, err := ParseConfigFile(r.configFilePath)
	if err != nil {
		return errors.New("failed to read config: " + err.Error())
	}
	cfg := configFile.Okami

	r.sg = stop.NewGroup()

	log.Info("starting metrics server", log.Fields{"addr": cfg.MetricsAddr})
	r.sg.Add(metrics.NewServer(cfg.MetricsAddr))

	if ps == nil {
		log.Info("starting storage", log.Fields{"name": cfg.Storage.Name})
		ps, err = storage.NewPeerStore(cfg.Storage.Name, cfg.Storage.Config)
		if err != nil {
			return errors.New("failed to create storage: " + err.Error())
		}
	}
	r.peerStore = ps

	log.Info("starting backend", log.Fields{"name": cfg.Backend.Name})
	r.backend, err = backend.New(cfg.Backend.Name, cfg.Backend.Config)
	if err != nil {
		return errors.New("failed to create backend: " + err.Error())
	}

	preHooks, err := cfg.CreateHooks()
	if err != nil {
		return errors.New("failed to create hooks: " + err.Error())
	}

	policy := tracker.NewPolicyProvider(cfg.Policy.Validate())

	r.logic = tracker.NewLogic(policy, r.peerStore, r.backend, preHooks...)
	r.sg.Add(r.logic)

	if cfg.HTTPConfig.Addr != "" {
		log.Info("starting HTTP frontend", cfg.HTTPConfig)
		httpfe, err := http.NewFrontend(r.logic, cfg.HTTPConfig)
		if err != nil {
			return err
		}
		r.sg.Add(httpfe)
	}

	r.sg.Add(hitandrun.NewSweeper(cfg.HitAndRun, policy, r.peerStore, r.backend))
	r.sg.Add(bonus.NewTask(cfg.Bonus, policy, r.peerStore, r.backend))

	return nil
}

func combineErrors(prefix string, errs []error) error {
	errStrs := make([]string, 0, len(errs))
	for _, err := range errs {
		errStrs = append(errStrs, err.Error())
	}

	return errors.New(prefix + ": " + strings.Join(errStrs, "; "))
}

// Stop shuts down an instance of Okami.
func (r *Run) Stop(keepPeerStore bool) (storage.PeerStore, error) {
	log.Debug("stopping frontends, logic, and background tasks")
	if errs := r.sg.Stop().Wait(); len(errs) != 0 {
		return nil, combineErrors("failed while shutting down frontends", errs)
	}

	log.Debug("stopping backend")
	if errs := r.backend.Stop().Wait(); len(errs) != 0 {
		return nil, combineErrors("failed while shutting down backend", errs)
	}

	if !keepPeerStore {
		log.Debug("stopping peer store")
		if errs := r.peerStore.Stop().Wait(); len(errs) != 0 {
			return nil, combineErrors("failed while shutting down peer store", errs)
		}
		r.peerStore = nil
	}

	return r.peerStore, nil
}

// RunCmdFunc implements a Cobra command that runs an instance of Okami
// and handles reloading and shutdown via process signals.
func RunCmdFunc(cmd *cobra.Command, args []string) error {
	configFilePath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	r, err := NewRun(configFilePath)
	if err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	reload := makeReloadChan()

	for {
		select {
		case <-reload:
			log.Info("reloading; received reload signal")
			peerStore, err := r.Stop(true)
			if err != nil {
				return err
			}

			if err := r.Start(peerStore); err != nil {
				return err
			}
		case <-quit:
			log.Info("shutting down; received shutdown signal")
			if _, err := r.Stop(false); err != nil {
				return err
			}

			return nil
		}
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "okami",
		Short: "Private BitTorrent Tracker",
		Long:  "A private BitTorrent tracker with credit accounting",
		RunE:  RunCmdFunc,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			jsonLog, err := cmd.Flags().GetBool("json")
			if err != nil {
				return err
			}
			if jsonLog {
				log.SetFormatter(&logrus.JSONFormatter{})
				log.Info("enabled JSON logging")
			}

			debugLog, err := cmd.Flags().GetBool("debug")
			if err != nil {
				return err
			}
			if debugLog {
				log.SetDebug(true)
				log.Debug("enabled debug logging")
			}

			cpuProfilePath, err := cmd.Flags().GetString("cpuprofile")
			if err != nil {
				return err
			}
			if cpuProfilePath != "" {
				log.Info("enabled CPU profiling", log.Fields{"path": cpuProfilePath})
				f, err := os.Create(cpuProfilePath)
				if err != nil {
					return err
				}
				pprof.StartCPUProfile(f)
			}

			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			// StopCPUProfile() noops when not profiling.
			pprof.StopCPUProfile()
		},
	}

	rootCmd.Flags().String("config", "/etc/okami.yaml", "location of configuration file")
	rootCmd.Flags().String("cpuprofile", "", "location to save a CPU profile")
	rootCmd.Flags().Bool("debug", false, "enable debug logging")
	rootCmd.Flags().Bool("json", false, "enable json logging")

	if err := rootCmd.Execute(); err != nil {
		log.Fatal("failed when executing root cobra command: " + err.Error())
	}
}
