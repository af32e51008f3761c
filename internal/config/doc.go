// Package config loads the bridgectl configuration and persists the backend
// selection record.
//
// Configuration is layered: built-in defaults, then ~/.config/bridgectl/config.yaml,
// then ./.bridgectl/config.yaml in the working directory. A custom directory
// can replace the layering entirely (LoadConfigFromPath).
//
// The backend record ({configured, default_backend}) lives next to the user
// config as backend.yaml. A project may carry .bridgectl/backend.yaml with
// partial overrides that are merged over the record's default backend.
package config
