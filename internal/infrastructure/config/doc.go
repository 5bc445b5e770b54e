// Package config provides configuration loading for Event Relay.
//
// Configuration is read from a YAML file with three layers of precedence:
//
//  1. Hardcoded defaults (Default)
//  2. Values from the YAML file
//  3. EVENTRELAY_* environment variable overrides
//
// Secrets (queue password, broker password, HMAC secret, InfluxDB token)
// should be supplied through the environment rather than the file.
//
// # Reload semantics
//
// The Loader interface exists so that callers which want fresh
// configuration — most importantly the broker connection manager, which
// reloads at the top of every connect attempt — do not cache a *Config.
// FileLoader re-reads and re-validates the file on every Load call.
//
// # Usage
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.MQTT.Broker.Host)
package config
