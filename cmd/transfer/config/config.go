package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fatih/structs"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

const (
	CONFIGS_DIR_NAME         = ".config"
	TRANSFER_CONFIG_DIR_NAME = "transfer"
	CONFIG_FILE_NAME         = "config"
	CONFIG_FILE_EXT          = "yml"
)

type Config struct {
	Port            int    `mapstructure:"port"`
	Database        string `mapstructure:"database"`
	AssetsDir       string `mapstructure:"assets_dir"`
	Token           string `mapstructure:"token"`
	Verbose         bool   `mapstructure:"verbose"`
	DispatchTimeout string `mapstructure:"dispatch_timeout"`
	Strategy        string `mapstructure:"strategy"`
	VersionStrategy string `mapstructure:"version_strategy"`
	SchemaStrategy  string `mapstructure:"schema_strategy"`
}

func GetDefault() Config {
	return Config{
		Port:            1337,
		Database:        "transfer.db",
		AssetsDir:       "uploads",
		Token:           "",
		Verbose:         false,
		DispatchTimeout: "5m",
		Strategy:        "restore",
		VersionStrategy: "ignore",
		SchemaStrategy:  "strict",
	}
}

func (config Config) Map() map[string]any {
	m := map[string]any{}
	for _, field := range structs.Fields(config) {
		key := field.Tag("mapstructure")
		value := field.Value()
		m[key] = value
	}
	return m
}

// Yaml renders the config one key per line, sorted by key.
func (config Config) Yaml() []byte {
	m := config.Map()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var builder strings.Builder
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			builder.WriteString(fmt.Sprintf("%s: %q", k, v))
		default:
			builder.WriteString(fmt.Sprintf("%s: %v", k, v))
		}
		builder.WriteRune('\n')
	}
	return []byte(builder.String())
}

func IsDefault(key string) bool {
	defaults := GetDefault().Map()
	return viper.Get(key) == defaults[key]
}

// Dir returns the directory holding the config file.
func Dir() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("resolving home dir: %w", err)
	}
	return filepath.Join(home, CONFIGS_DIR_NAME, TRANSFER_CONFIG_DIR_NAME), nil
}

// Init initializes the viper config.
// `config.yml` is created in $HOME/.config/transfer if not already existing.
// NOTE: The precedence levels of viper are the following: flags -> env -> config file -> defaults.
func Init() error {
	configPath, err := Dir()
	if err != nil {
		return err
	}
	return InitAt(configPath)
}

// InitAt initializes the viper config from configPath.
func InitAt(configPath string) error {
	viper.AddConfigPath(configPath)
	viper.SetConfigName(CONFIG_FILE_NAME)
	viper.SetConfigType(CONFIG_FILE_EXT)
	viper.SetEnvPrefix("transfer")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Create config file if not found.
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			err := os.MkdirAll(configPath, os.ModePerm)
			if err != nil {
				return fmt.Errorf("could not create config directory: %w", err)
			}

			file := filepath.Join(configPath, fmt.Sprintf("%s.%s", CONFIG_FILE_NAME, CONFIG_FILE_EXT))
			if err := os.WriteFile(file, GetDefault().Yaml(), 0600); err != nil {
				return fmt.Errorf("could not write defaults to config file: %w", err)
			}
			viper.SetConfigFile(file)
		} else {
			return fmt.Errorf("could not read config file: %w", err)
		}
	}
	for k, v := range GetDefault().Map() {
		viper.SetDefault(k, v)
	}
	return nil
}
