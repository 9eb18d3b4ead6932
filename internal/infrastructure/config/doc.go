// Package config loads the daemon configuration from a YAML file and lets
// ENERGINO_* environment variables override individual keys.
//
// Keep the dispatcher and occupancy API keys out of the file; set
// ENERGINO_DISPATCH_API_KEY and ENERGINO_OCCUPANCY_API_KEY instead.
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return err
//	}
package config
