/*
Package config loads signalbus settings.

# Overview

Two layers are provided. Config wraps a decoded map[string]any and offers
typed accessors that fall back to a default when a key is missing or has the
wrong type. Keys may be dotted paths into nested maps:

	cfg, err := config.FromFile("signalbus.yaml")
	if err != nil {
	    log.Fatal(err)
	}
	addr := cfg.String("bus.address", "localhost:6379")
	timeout := cfg.Duration("bus.default_timeout", 10*time.Second)

BusConfig is the typed settings struct the signalbus facade is built from:

	bus, err := config.ParseBusConfig(cfg.Sub("bus"))

# File formats

FromFile picks the decoder by extension:
  - .yaml, .yml: gopkg.in/yaml.v3
  - .json: encoding/json
  - .hcl: hashicorp/hcl/v2 (a flat file of BusConfig attributes)

# Durations

Duration accepts a time.ParseDuration string ("250ms", "5s") or a number of
seconds.

Config is safe for concurrent reads. It never modifies the map it wraps.
*/
package config
