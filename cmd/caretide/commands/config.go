package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/caretide/dispatch/config"
	"github.com/caretide/dispatch/errors"
)

// ConfigCmd inspects and edits the caretide.toml configuration.
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Show and edit configuration",
}

func init() {
	ConfigCmd.AddCommand(configShowCmd, configSetCmd)
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as TOML",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := config.Load(); err != nil {
			return errors.Wrap(err, "failed to load configuration")
		}
		v := config.GetViper()
		if used := v.ConfigFileUsed(); used != "" {
			pterm.Info.Printf("Config file: %s", used)
		} else {
			pterm.Info.Println("No caretide.toml found; showing defaults")
		}
		pterm.Println()

		out, err := toml.Marshal(v.AllSettings())
		if err != nil {
			return errors.Wrap(err, "encode configuration")
		}
		fmt.Print(string(out))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value and save it",
	Long: `Set a dotted configuration key, e.g.

  caretide config set outreach.wave_size 2
  caretide config set escalation.dispatcher_target +15550199

The full configuration is validated before saving. A running daemon picks
the change up through its config file watcher.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		v := config.GetViper()
		if !knownConfigKey(v, key) {
			return errors.Newf("unknown configuration key %q", key)
		}
		v.Set(key, value)

		var cfg config.Config
		if err := v.Unmarshal(&cfg); err != nil {
			return errors.Wrapf(err, "value %q does not fit key %s", value, key)
		}

		path := v.ConfigFileUsed()
		if path == "" {
			// No project config yet; create one next to the working directory.
			wd, err := os.Getwd()
			if err != nil {
				return errors.Wrap(err, "resolve working directory")
			}
			path = filepath.Join(wd, "caretide.toml")
		}
		if err := config.Save(&cfg, path); err != nil {
			return err
		}
		config.Reset()
		pterm.Success.Printf("Set %s = %s in %s", key, value, path)
		return nil
	},
}

// knownConfigKey guards against typos creating orphan keys in the file.
func knownConfigKey(v *viper.Viper, key string) bool {
	for _, k := range v.AllKeys() {
		if k == key {
			return true
		}
	}
	return false
}
