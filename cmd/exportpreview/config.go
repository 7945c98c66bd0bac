package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	exportpreview "github.com/porticus-lab/export-preview"
	"github.com/porticus-lab/export-preview/internal/logging"
	"github.com/porticus-lab/export-preview/internal/settings"
)

// Config is the merged result of flags, EXPORT_PREVIEW_* variables and the
// optional YAML config file, in that order of precedence.
type Config struct {
	Listen       string        `mapstructure:"listen"`
	ChromePath   string        `mapstructure:"chrome_path"`
	RemoteURL    string        `mapstructure:"remote_url"`
	UserDataDir  string        `mapstructure:"user_data_dir"`
	NoSandbox    bool          `mapstructure:"no_sandbox"`
	Headless     bool          `mapstructure:"headless"`
	AutoDownload bool          `mapstructure:"auto_download"`
	Strategy     string        `mapstructure:"strategy"`
	ScaleMode    string        `mapstructure:"scale_mode"`
	AllowStorage bool          `mapstructure:"allow_storage"`
	ArmTimeout   time.Duration `mapstructure:"arm_timeout"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Settings     string        `mapstructure:"settings"`
	LogLevel     string        `mapstructure:"log_level"`
	LogFormat    string        `mapstructure:"log_format"`
}

const envPrefix = "EXPORT_PREVIEW"

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen", exportpreview.DefaultListenAddr)
	v.SetDefault("strategy", exportpreview.StrategyDelegated)
	v.SetDefault("scale_mode", "reexport")
	v.SetDefault("arm_timeout", 10*time.Second)
	v.SetDefault("timeout", 60*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	return v
}

// bindFlags binds every flag of fs to the viper key of the same name with
// dashes turned into underscores.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" || err != nil {
			return
		}
		err = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
	})
	return err
}

// loadConfig reads the config file, if any, and decodes the merged values.
// An explicit --config path must exist; the default location is optional.
func loadConfig(v *viper.Viper, cmd *cobra.Command) (Config, error) {
	if err := bindFlags(v, cmd.Flags()); err != nil {
		return Config{}, fmt.Errorf("binding flags: %w", err)
	}

	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "export-preview"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	return cfg, nil
}

func (c Config) logger() (*logrus.Logger, error) {
	return logging.New(logging.Config{Level: c.LogLevel, Format: c.LogFormat, Output: os.Stderr})
}

func (c Config) settingsPath() (string, error) {
	if c.Settings != "" {
		return c.Settings, nil
	}
	return settings.DefaultPath()
}

// options translates c into facade options.
func (c Config) options(log *logrus.Logger) []exportpreview.Option {
	opts := []exportpreview.Option{
		exportpreview.WithListenAddr(c.Listen),
		exportpreview.WithLogger(log),
		exportpreview.WithStrategy(c.Strategy),
		exportpreview.WithScaleChangeMode(c.ScaleMode),
		exportpreview.WithArmTimeout(c.ArmTimeout),
		exportpreview.WithTimeout(c.Timeout),
	}
	if c.ChromePath != "" {
		opts = append(opts, exportpreview.WithChromePath(c.ChromePath))
	}
	if c.RemoteURL != "" {
		opts = append(opts, exportpreview.WithRemoteURL(c.RemoteURL))
	}
	if c.UserDataDir != "" {
		opts = append(opts, exportpreview.WithUserDataDir(c.UserDataDir))
	}
	if c.NoSandbox {
		opts = append(opts, exportpreview.WithNoSandbox())
	}
	if c.Headless {
		opts = append(opts, exportpreview.WithHeadless())
	}
	if c.AutoDownload {
		opts = append(opts, exportpreview.WithAutoDownload())
	}
	if c.AllowStorage {
		opts = append(opts, exportpreview.WithStorageHosts())
	}
	if c.Settings != "" {
		opts = append(opts, exportpreview.WithSettingsPath(c.Settings))
	}
	return opts
}
