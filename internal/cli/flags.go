package cli

import (
	"fmt"
	"os"

	"bridgectl/internal/api"
	"bridgectl/internal/config"

	"github.com/spf13/cobra"
)

// ServerEnvVar overrides the control server address.
const ServerEnvVar = "BRIDGECTL_SERVER"

// CommandFlags holds the flag values shared by the bridgectl commands.
type CommandFlags struct {
	// OutputFormat specifies the desired output format (table, json, yaml)
	OutputFormat string
	// Quiet suppresses progress indicators and non-essential output
	Quiet bool
	// Debug enables debug logging
	Debug bool
	// ConfigPath specifies a custom configuration directory path
	ConfigPath string
	// Server is the address of `bridgectl serve`
	Server string

	BackendFlags
}

// BackendFlags select the backend a command acts on. Empty fields fall back
// to the project override, then the record, then the configuration.
type BackendFlags struct {
	Backend       string
	PythonPath    string
	ContainerName string
	Image         string
	Distro        string
	Host          string
	Port          int
}

// GetDefaultServer returns the control server address from the environment,
// or the built-in default.
func GetDefaultServer() string {
	if s := os.Getenv(ServerEnvVar); s != "" {
		return s
	}
	return config.DefaultListenAddress
}

// RegisterCommonFlags registers the output and connection flags.
//
// The registered flags are:
//   - --output/-o: Output format (table, json, yaml), default: "table"
//   - --quiet/-q: Suppress non-essential output
//   - --debug: Enable debug logging
//   - --config-path: Configuration directory
//   - --server: Address of bridgectl serve (env: BRIDGECTL_SERVER)
func RegisterCommonFlags(cmd *cobra.Command, flags *CommandFlags) {
	cmd.PersistentFlags().StringVarP(&flags.OutputFormat, "output", "o", "table", "Output format (table, json, yaml)")
	cmd.PersistentFlags().BoolVarP(&flags.Quiet, "quiet", "q", false, "Suppress non-essential output")
	cmd.PersistentFlags().BoolVar(&flags.Debug, "debug", false, "Enable debug logging")
	cmd.PersistentFlags().StringVar(&flags.ConfigPath, "config-path", "", "Custom configuration directory (disables layered config)")
	cmd.PersistentFlags().StringVar(&flags.Server, "server", GetDefaultServer(), "Address of bridgectl serve (env: "+ServerEnvVar+")")
}

// RegisterBackendFlags registers the flags selecting a backend.
func RegisterBackendFlags(cmd *cobra.Command, flags *BackendFlags) {
	cmd.Flags().StringVarP(&flags.Backend, "backend", "b", "", "Backend type (local, container, wsl, remote)")
	cmd.Flags().StringVar(&flags.PythonPath, "python", "", "Python interpreter for the local backend")
	cmd.Flags().StringVar(&flags.ContainerName, "container", "", "Container name for the container backend")
	cmd.Flags().StringVar(&flags.Image, "image", "", "Image for the container backend")
	cmd.Flags().StringVar(&flags.Distro, "distro", "", "Distribution for the wsl backend")
	cmd.Flags().StringVar(&flags.Host, "host", "", "Bridge host")
	cmd.Flags().IntVarP(&flags.Port, "port", "p", 0, "Bridge port")
}

// Apply merges the set flags over base. A --backend different from base's
// kind starts from that kind's defaults.
func (f BackendFlags) Apply(base api.BackendConfig, defaults func(api.BackendType) api.BackendConfig) (api.BackendConfig, error) {
	out := base
	if f.Backend != "" {
		kind, err := api.ParseBackendType(f.Backend)
		if err != nil {
			return api.BackendConfig{}, err
		}
		if kind != base.Type {
			out = defaults(kind)
			out.AutoStart = base.AutoStart
		}
	}
	if out.Type == "" {
		return api.BackendConfig{}, &NoBackendError{}
	}
	p := &out.Params
	if f.PythonPath != "" {
		p.PythonPath = f.PythonPath
	}
	if f.ContainerName != "" {
		p.ContainerName = f.ContainerName
	}
	if f.Image != "" {
		p.Image = f.Image
	}
	if f.Distro != "" {
		p.Distro = f.Distro
	}
	if f.Host != "" {
		p.Host = f.Host
	}
	if f.Port != 0 {
		if f.Port < 1 || f.Port > 65535 {
			return api.BackendConfig{}, fmt.Errorf("port %d is out of range", f.Port)
		}
		p.Port = f.Port
	}
	return out.WithDefaults(), nil
}
