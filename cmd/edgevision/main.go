// Command edgevision runs the secure edge vision node: multi-camera
// capture, face blurring, public recording and encrypted evidence
// archiving, with an HTTP surface for previews and forensic decryption.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bayusegara27/secure-edge-vision/pkg/alerts"
	"github.com/bayusegara27/secure-edge-vision/pkg/api"
	"github.com/bayusegara27/secure-edge-vision/pkg/config"
	"github.com/bayusegara27/secure-edge-vision/pkg/detect"
	"github.com/bayusegara27/secure-edge-vision/pkg/engine"
	"github.com/bayusegara27/secure-edge-vision/pkg/evidence"
	"github.com/bayusegara27/secure-edge-vision/pkg/logging"
	"github.com/bayusegara27/secure-edge-vision/pkg/persistence"
	"github.com/bayusegara27/secure-edge-vision/pkg/vault"
)

// Exit codes of the serve command.
const (
	exitOK            = 0
	exitConfigInvalid = 2
	exitKeyFailure    = 3
	exitNoCameras     = 4
	exitFatal         = 5
)

func main() {
	root := &cobra.Command{
		Use:          "edgevision",
		Short:        "Privacy-preserving edge surveillance node",
		SilenceUsage: true,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(keygenCmd())
	root.AddCommand(pinCmd())
	root.AddCommand(decryptCmd())
	root.AddCommand(configCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the capture pipeline and HTTP surface",
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(runServe(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "configuration file")
	return cmd
}

// runServe wires everything together and blocks until a signal arrives.
func runServe(configPath string) int {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return exitConfigInvalid
	}

	log, err := logging.NewLogger("edgevision", logging.ParseLevel(cfg.Logging.Level), cfg.Logging.OutputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging error: %v\n", err)
		return exitFatal
	}
	defer log.Close()

	detector, err := buildDetector(cfg, log)
	if err != nil {
		log.Errorf("detector: %v", err)
		return exitFatal
	}

	eng, err := engine.New(cfg, engine.Options{
		Detector:      detector,
		WriteSidecars: true,
	}, log)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrVault):
			log.Errorf("%v", err)
			return exitKeyFailure
		case errors.Is(err, engine.ErrNoCameras):
			log.Errorf("%v", err)
			return exitNoCameras
		default:
			log.Errorf("engine: %v", err)
			return exitFatal
		}
	}

	closers := wireSinks(cfg, eng, log)
	defer func() {
		for _, closeSink := range closers {
			closeSink()
		}
	}()

	if err := eng.Start(); err != nil {
		log.Errorf("engine start: %v", err)
		return exitFatal
	}

	server := api.NewServer(eng, api.Options{
		Listen:      cfg.Server.Listen,
		PINHash:     cfg.Server.PINHash,
		PINSalt:     cfg.Server.PINSalt,
		EvidenceDir: cfg.Recording.EvidencePath,
	}, log.ForComponent("api"))

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		log.Infof("received %s, shutting down", s)
	case err := <-serverErr:
		if err != nil {
			log.Errorf("http server failed: %v", err)
			eng.Stop()
			return exitFatal
		}
	}

	server.Stop()
	eng.Stop()
	return exitOK
}

// buildDetector constructs the shared detector from config. A node without
// an inference sidecar runs with detection disabled.
func buildDetector(cfg *config.Config, log *logging.Logger) (detect.Detector, error) {
	if cfg.Detector.URL == "" {
		log.Warnf("no detector url configured: running without detection, public stream is NOT anonymized")
		return detect.Nop{}, nil
	}
	return detect.NewHTTPDetector(detect.HTTPDetectorOptions{
		URL:          cfg.Detector.URL,
		Device:       cfg.Detector.Device,
		IoUThreshold: cfg.Detector.IoUThreshold,
	})
}

// wireSinks connects the optional stores and returns their closers.
func wireSinks(cfg *config.Config, eng *engine.Engine, log *logging.Logger) []func() {
	var closers []func()

	if cfg.Database.Enabled {
		store, err := persistence.NewEventStore(persistence.PostgresConfig{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
		}, log.ForComponent("postgres"))
		if err != nil {
			log.Warnf("postgres disabled: %v", err)
		} else {
			eng.AddSink(store)
			closers = append(closers, func() { store.Close() })
		}
	}

	if cfg.Redis.Enabled {
		cache, err := persistence.NewStatusCache(persistence.RedisCacheConfig{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      time.Duration(cfg.Redis.TTLSecs) * time.Second,
		}, log.ForComponent("redis"))
		if err != nil {
			log.Warnf("redis disabled: %v", err)
		} else {
			eng.AddSink(cache)
			ctx, cancel := context.WithCancel(context.Background())
			go cache.Run(ctx, 5*time.Second, eng.Status)
			closers = append(closers, func() {
				cancel()
				cache.Close()
			})
		}
	}

	if cfg.MQTT.Enabled {
		pub, err := alerts.NewPublisher(alerts.Config{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, log.ForComponent("mqtt"))
		if err != nil {
			log.Warnf("mqtt disabled: %v", err)
		} else {
			eng.AddSink(pub)
			closers = append(closers, pub.Close)
		}
	}

	return closers
}

func keygenCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a vault key file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(out); err == nil {
				return fmt.Errorf("refusing to overwrite existing key file %s", out)
			}
			if _, err := vault.GenerateKey(out); err != nil {
				return err
			}
			fmt.Printf("wrote %d-byte key to %s\n", vault.KeySize, out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "vault.key", "output key file")
	return cmd
}

func pinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pin <PIN>",
		Short: "Derive the decrypt PIN hash for the server config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			salt := make([]byte, 16)
			if _, err := rand.Read(salt); err != nil {
				return err
			}
			fmt.Printf("server:\n  pin_salt: %s\n  pin_hash: %s\n",
				hex.EncodeToString(salt), api.HashPIN(args[0], salt))
			return nil
		},
	}
}

func decryptCmd() *cobra.Command {
	var keyPath, rsaKeyPath, outDir string

	cmd := &cobra.Command{
		Use:   "decrypt <container.enc>",
		Short: "Decrypt an evidence container offline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			var payload []byte
			var hash string
			if vault.IsHybrid(data) {
				if rsaKeyPath == "" {
					return fmt.Errorf("hybrid container requires --rsa-key")
				}
				priv, err := vault.LoadRSAPrivateKey(rsaKeyPath)
				if err != nil {
					return err
				}
				h, err := vault.NewHybrid(nil, priv)
				if err != nil {
					return err
				}
				payload, hash, err = h.Decrypt(data)
				if err != nil {
					return err
				}
			} else {
				key, err := vault.LoadKey(keyPath)
				if err != nil {
					return err
				}
				v, err := vault.New(key)
				if err != nil {
					return err
				}
				defer v.Close()
				payload, hash, err = v.Decrypt(data)
				if err != nil {
					return err
				}
			}
			pkg, err := evidence.DecodePayload(payload)
			if err != nil {
				return err
			}

			if err := os.MkdirAll(outDir, 0700); err != nil {
				return err
			}
			meta, _ := json.MarshalIndent(pkg.Meta, "", "  ")
			if err := os.WriteFile(filepath.Join(outDir, "meta.json"), meta, 0600); err != nil {
				return err
			}
			for i, rec := range pkg.Records {
				name := fmt.Sprintf("frame_%04d.jpg", i)
				if err := os.WriteFile(filepath.Join(outDir, name), rec.JPEG, 0600); err != nil {
					return err
				}
			}

			fmt.Printf("verified sha256 %s\nwrote %d frames to %s\n", hash, len(pkg.Records), outDir)
			return nil
		},
	}
	cmd.Flags().StringVarP(&keyPath, "key", "k", "vault.key", "vault key file")
	cmd.Flags().StringVar(&rsaKeyPath, "rsa-key", "", "RSA private key for hybrid containers")
	cmd.Flags().StringVarP(&outDir, "out", "o", "decrypted", "output directory")
	return cmd
}

func configCmd() *cobra.Command {
	var out string

	gen := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(out); err == nil {
				return fmt.Errorf("refusing to overwrite existing config %s", out)
			}
			if err := config.WriteConfigFile(config.GenerateDefaultConfig(), out); err != nil {
				return err
			}
			fmt.Printf("wrote default config to %s\n", out)
			return nil
		},
	}
	gen.Flags().StringVarP(&out, "out", "o", "config.yaml", "output file")

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(gen)
	return cmd
}
