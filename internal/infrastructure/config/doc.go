// Package config handles loading and validating robot starter configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with STARTER_* environment variables
//   - Validation of required fields
//   - Default value handling
//
// Durations are written as Go duration strings ("180s", "500ms").
//
// Security Considerations:
//   - Sensitive values (MQTT password, InfluxDB token, JWT secret) should be
//     set via environment variables
//   - Leaving security.jwt.secret empty disables authentication on the
//     command endpoints; only do this on an isolated robot network
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Round.Length)
package config
