/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// sonard serves a parameter store over the sonar wire transport and
// forwards NMEA ingest blocks to the master client as data messages.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oceanscan/sonarwire/nmea"
	"github.com/oceanscan/sonarwire/param"
	"github.com/oceanscan/sonarwire/server"
	"github.com/oceanscan/sonarwire/sonar"
	"github.com/oceanscan/sonarwire/stats"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	yaml "gopkg.in/yaml.v2"
)

// nmeaDataType tags NMEA text blocks on the data plane.
const nmeaDataType = 1

// NMEAPort configures one ingest site.
type NMEAPort struct {
	Name string `yaml:"name"`
	// UART device path and mode, for serial ingest.
	UART string `yaml:"uart"`
	Mode string `yaml:"mode"`
	// UDP listen address, for datagram ingest.
	IP   string `yaml:"ip"`
	Port int    `yaml:"port"`
}

// KeyDef declares one parameter store key.
type KeyDef struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Description string `yaml:"description"`
}

// Config is what we expect to read from the config file.
type Config struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	TargetSpeed    string        `yaml:"targetspeed"`
	IdleTimeout    time.Duration `yaml:"idletimeout"`
	MonitoringPort int           `yaml:"monitoringport"`
	SkipBroken     bool          `yaml:"skipbroken"`
	NMEA           []NMEAPort    `yaml:"nmea"`
	Keys           []KeyDef      `yaml:"keys"`
}

func readConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c := Config{}
	err = yaml.UnmarshalStrict(data, &c)
	return &c, err
}

func parseKind(s string) (param.Kind, error) {
	switch s {
	case "bool":
		return param.KindBool, nil
	case "int64":
		return param.KindInt64, nil
	case "float64":
		return param.KindFloat, nil
	case "string":
		return param.KindString, nil
	}
	return param.KindNull, fmt.Errorf("unrecognized key type %q", s)
}

func main() {
	cfg := &Config{
		Host:           "::",
		Port:           server.DefaultPort,
		TargetSpeed:    string(server.SpeedLocal),
		MonitoringPort: 8890,
	}

	var configFile string
	var logLevel string
	flag.StringVar(&configFile, "config", "", "Path to the config file")
	flag.StringVar(&cfg.Host, "ip", cfg.Host, "IP to bind on")
	flag.IntVar(&cfg.Port, "port", cfg.Port, "Control port to bind on")
	flag.IntVar(&cfg.MonitoringPort, "monitoringport", cfg.MonitoringPort, "Port to run the monitoring server on")
	flag.StringVar(&logLevel, "loglevel", "info", "Set a log level. Can be: debug, info, warning, error")
	flag.Parse()

	switch logLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.Fatalf("Unrecognized log level: %v", logLevel)
	}

	if configFile != "" {
		fc, err := readConfig(configFile)
		if err != nil {
			log.Fatalf("Reading config: %v", err)
		}
		// Fields the file leaves out keep their flag or built-in
		// values.
		if fc.Host == "" {
			fc.Host = cfg.Host
		}
		if fc.Port == 0 {
			fc.Port = cfg.Port
		}
		if fc.TargetSpeed == "" {
			fc.TargetSpeed = cfg.TargetSpeed
		}
		if fc.MonitoringPort == 0 {
			fc.MonitoringPort = cfg.MonitoringPort
		}
		cfg = fc
	}

	keys := make([]param.Key, 0, len(cfg.Keys))
	for _, kd := range cfg.Keys {
		kind, err := parseKind(kd.Type)
		if err != nil {
			log.Fatalf("Config key %q: %v", kd.Name, err)
		}
		keys = append(keys, param.Key{Name: kd.Name, Kind: kind, Description: kd.Description})
	}
	store := param.NewMemStore(keys)

	st := stats.New()
	srv, err := server.New(&server.Config{
		Host:        cfg.Host,
		Port:        cfg.Port,
		IdleTimeout: cfg.IdleTimeout,
		TargetSpeed: server.Speed(cfg.TargetSpeed),
	}, store, st)
	if err != nil {
		log.Fatalf("Configuring server: %v", err)
	}
	if err = srv.Start(); err != nil {
		log.Fatalf("Starting server: %v", err)
	}
	defer srv.Close()

	// NMEA ingest sites feed the data plane. Blocks are forwarded as
	// text messages, one source id per port.
	var uarts []*nmea.UART
	var udps []*nmea.UDP
	for i, port := range cfg.NMEA {
		id := uint32(i + 1)
		forward := func(tm int64, name string, data []byte) {
			srv.Send(&sonar.Message{
				Time: tm,
				ID:   id,
				Type: nmeaDataType,
				Size: uint32(len(data)),
				Data: data,
			})
		}
		switch {
		case port.UART != "":
			mode, err := nmea.ParseMode(port.Mode)
			if err != nil {
				log.Fatalf("NMEA port %q: %v", port.Name, err)
			}
			u := nmea.NewUART(port.Name, st)
			u.SkipBroken(cfg.SkipBroken)
			u.Subscribe(forward)
			if err := u.SetDevice(port.UART, mode); err != nil {
				log.Errorf("NMEA port %q: %v", port.Name, err)
			}
			uarts = append(uarts, u)
		case port.IP != "":
			u := nmea.NewUDP(port.Name, st)
			u.Subscribe(forward)
			if err := u.SetAddress(port.IP, port.Port); err != nil {
				log.Errorf("NMEA port %q: %v", port.Name, err)
			}
			udps = append(udps, u)
		default:
			log.Fatalf("NMEA port %q: neither uart nor ip configured", port.Name)
		}
	}
	defer func() {
		for _, u := range uarts {
			u.Close()
		}
		for _, u := range udps {
			u.Close()
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return st.Serve(cfg.MonitoringPort)
	})
	g.Go(func() error {
		<-ctx.Done()
		return ctx.Err()
	})

	log.Infof("sonard: serving on %s:%d", cfg.Host, cfg.Port)
	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Errorf("sonard: %v", err)
	}
}
