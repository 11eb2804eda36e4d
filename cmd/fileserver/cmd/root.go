package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/fileserver/pkg/client"
	"github.com/psantana5/fileserver/pkg/config"
	"github.com/psantana5/fileserver/pkg/retry"
	tlsutil "github.com/psantana5/fileserver/pkg/tls"
)

var (
	cfgFile      string
	outputFormat string
	serverAddr   string

	v = viper.New()
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "fileserver",
	Short: "TCP file server with live download statistics",
	Long: `fileserver serves files from a directory over a small TCP protocol and
pushes download statistics to subscribed clients. The same binary runs the
server and talks to it.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.fileserver/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, json or yaml")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "", "file server address (default from config server.address:server.port)")
}

// initConfig builds the viper instance from defaults, the config file and
// FILESERVER_* environment variables
func initConfig() {
	v = config.New(cfgFile)
}

func loadConfig() (*config.Config, error) {
	return config.Load(v)
}

// serverAddress resolves the address client commands connect to
func serverAddress(cfg *config.Config) string {
	if serverAddr != "" {
		return serverAddr
	}
	return net.JoinHostPort(cfg.Server.Address, strconv.Itoa(cfg.Server.Port))
}

// newClient creates a protocol client honouring the tls section
func newClient(cfg *config.Config) (*client.Client, error) {
	opts := []client.Option{client.WithRetry(retry.DefaultConfig())}
	if cfg.TLS.Enabled {
		tlsConfig, err := tlsutil.LoadClientConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS config: %w", err)
		}
		opts = append(opts, client.WithTLS(tlsConfig))
	}
	return client.New(serverAddress(cfg), opts...), nil
}

// printStructured writes v to w as JSON or YAML. It reports false for table
// output.
func printStructured(w io.Writer, v interface{}) (bool, error) {
	switch outputFormat {
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return true, encoder.Encode(v)
	case "yaml":
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		defer encoder.Close()
		return true, encoder.Encode(v)
	case "table", "":
		return false, nil
	default:
		return true, fmt.Errorf("unknown output format %q", outputFormat)
	}
}
