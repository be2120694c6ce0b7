package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ivanlppires/supernavi-edge-sub000/pkg/agent"
)

// configureCmd represents the configure command
var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Configure the agent, e.g. store its settings in ~/.supernavi.",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Load the existing config, if there is one.
		config, err := newConfig()
		if err != nil {
			return err
		}

		// Get the configuration overrides from the user via the command line.
		var configVars = []struct {
			prompt   string
			val      *string
			isSecret bool
		}{
			{"Data directory", &config.DataDir, false},
			{"HTTP listen address", &config.HTTPAddr, false},
			{"Scanner mount (empty to disable)", &config.ScannerDir, false},
			{"S3 bucket (empty to disable previews)", &config.S3Bucket, false},
			{"S3 region", &config.S3Region, false},
			{"S3 endpoint", &config.S3Endpoint, false},
			{"S3 access key", &config.S3AccessKey, false},
			{"S3 secret key", &config.S3SecretKey, true},
			{"Tunnel URL (empty to disable)", &config.TunnelURL, false},
			{"Tunnel token", &config.TunnelToken, true},
			{"Agent id", &config.AgentID, false},
		}
		for _, configVar := range configVars {
			// Pretty print the prompt for this variable.
			fmt.Printf(configVar.prompt)
			if val := *configVar.val; len(val) > 0 {
				if configVar.isSecret {
					fmt.Printf(" [%s]", secretString(val[max(0, len(val)-10):]))
				} else {
					fmt.Printf(" [%s]", val)
				}
			}
			fmt.Printf(": ")

			// Get user input for this value.
			var s string
			if n, err := fmt.Scanln(&s); err != nil && n > 0 {
				// Gobble up remaining tokens if any.
				for n, err := fmt.Scanln(&s); err != nil && n > 0; {
				}
				return fmt.Errorf("your input is bogus: %v", err)
			}
			if len(s) > 0 {
				*configVar.val = s
			}
		}
		config.ScannerEnabled = config.ScannerDir != ""
		config.PreviewRemoteEnabled = config.S3Bucket != ""
		return writeConfig(&config)
	},
}

// writeConfig persists the configuration to the agent config file.
func writeConfig(config *agent.Config) error {
	dir, err := ensureSupernaviDir()
	if err != nil {
		return err
	}

	confFile := viper.ConfigFileUsed()
	if confFile == "" {
		confFile = filepath.Join(dir, configName+".toml")
	}

	file, err := os.Create(confFile)
	if err != nil {
		return fmt.Errorf("failed to write updated configuration to disk: %v", err)
	}
	defer file.Close()
	return toml.NewEncoder(file).Encode(config)
}

type secretString string

// String returns secretString types as a string with hidden entries.
func (s secretString) String() (str string) {
	for i, c := range s {
		if i > 3 && len(s)-i < 5 {
			str += string(c)
		} else {
			str += "*"
		}
	}
	return
}

func max(x, y int) int {
	if x > y {
		return x
	}
	return y
}

func init() {
	rootCmd.AddCommand(configureCmd)
}
