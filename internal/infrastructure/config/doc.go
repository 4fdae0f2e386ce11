// Package config handles loading and validating VoxBridge Core configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding secrets with environment variables
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Sensitive values (client secret, controller token, admin key) should be
//     set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Controller.URL)
package config
