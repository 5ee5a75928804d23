package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"dataq-logger/internal/emulator"
	"dataq-logger/internal/transport"
)

// RootConfig lists the emulated devices.
type RootConfig struct {
	Devices []DeviceConfig `yaml:"devices"`
}

type DeviceConfig struct {
	Name       string        `yaml:"name"`
	Family     string        `yaml:"family"`      // DI-1100 | DI-245
	SerialPort string        `yaml:"serial_port"` // port the emulator opens
	Interval   time.Duration `yaml:"interval"`    // between passes / scans
	Amplitude  float64       `yaml:"amplitude"`   // fraction of full scale
	Period     time.Duration `yaml:"period"`

	// Optional: create a virtual serial pair via socat; point the logger's
	// devices.static at SocatPeer.
	SpawnSocat bool   `yaml:"spawn_socat"`
	SocatLink  string `yaml:"socat_link"`
	SocatPeer  string `yaml:"socat_peer"`
}

func loadConfig(path string) (RootConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return RootConfig{}, err
	}
	var cfg RootConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return RootConfig{}, err
	}
	for i := range cfg.Devices {
		d := &cfg.Devices[i]
		if d.Interval <= 0 {
			d.Interval = 10 * time.Millisecond
		}
		if d.Amplitude == 0 {
			d.Amplitude = 0.5
		}
		if d.Period <= 0 {
			d.Period = 10 * time.Second
		}
		if d.Name == "" {
			d.Name = fmt.Sprintf("%s-%d", d.Family, i)
		}
	}
	return cfg, nil
}

func spawnSocat(ctx context.Context, dc *DeviceConfig, log *logrus.Entry) (*exec.Cmd, error) {
	link := dc.SocatLink
	if link == "" {
		link = dc.SerialPort
	}
	if link == "" || dc.SocatPeer == "" {
		return nil, fmt.Errorf("spawn_socat requires socat_link (or serial_port) and socat_peer")
	}
	cmd := transport.BuildSocatPairCmd(ctx, transport.SocatPair{Link: link, Peer: dc.SocatPeer})
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start socat: %w", err)
	}
	log.Infof("spawned socat pair link=%s peer=%s (pid=%d)", link, dc.SocatPeer, cmd.Process.Pid)
	// Wait for the pty links to appear.
	time.Sleep(400 * time.Millisecond)
	dc.SerialPort = link
	return cmd, nil
}

func stopSocat(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	done := make(chan struct{})
	go func() { _ = cmd.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		_ = cmd.Process.Kill()
	}
}

func runDevice(ctx context.Context, dc DeviceConfig, log *logrus.Logger) error {
	entry := log.WithFields(logrus.Fields{"device": dc.Name, "family": dc.Family})

	var socat *exec.Cmd
	if dc.SpawnSocat {
		var err error
		if socat, err = spawnSocat(ctx, &dc, entry); err != nil {
			return err
		}
		defer stopSocat(socat)
	}

	dev, err := emulator.NewDevice(dc.Family, emulator.Sine(dc.Period, dc.Amplitude), dc.Interval, entry)
	if err != nil {
		return err
	}
	port, err := transport.OpenSerial(transport.SerialParams{Address: dc.SerialPort})
	if err != nil {
		return err
	}
	defer port.Close()

	entry.Infof("emulating on %s", dc.SerialPort)
	return dev.Serve(ctx, port)
}

func main() {
	var cfgPath string
	var level string
	flag.StringVar(&cfgPath, "config", "config/mocktty.yaml", "path to mocktty YAML config")
	flag.StringVar(&level, "log-level", "info", "log level")
	flag.Parse()

	log := logrus.New()
	if lv, err := logrus.ParseLevel(level); err == nil {
		log.SetLevel(lv)
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if len(cfg.Devices) == 0 {
		log.Fatalf("config has no devices")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup
	for _, dc := range cfg.Devices {
		wg.Add(1)
		go func(dc DeviceConfig) {
			defer wg.Done()
			if err := runDevice(ctx, dc, log); err != nil {
				log.WithField("device", dc.Name).Errorf("emulator stopped: %v", err)
			}
		}(dc)
	}
	wg.Wait()
}
