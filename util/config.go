package util

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const Name = "apcore"
const ConfigFileName = "config.yaml"
const EnvPrefix = "APCORE_"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host                   string
		HttpPort               int    `yaml:"httpPort"`
		SslDomain              string `yaml:"sslDomain"`
		DbPath                 string `yaml:"dbPath"`
		ActorMode              string `yaml:"actorMode"`
		BlogIdentifier         string `yaml:"blogIdentifier"`
		RequireSignatures      bool   `yaml:"requireSignatures"`
		AuthorizedFetch        bool   `yaml:"authorizedFetch"`
		Reactions              bool   `yaml:"reactions"`
		OutboxBatchSize        int    `yaml:"outboxBatchSize"`
		FollowerErrorThreshold int    `yaml:"followerErrorThreshold"`
		OutboxRetentionDays    int    `yaml:"outboxRetentionDays"`
		Verbose                bool
	}
}

// DefaultConf returns the embedded defaults.
func DefaultConf() (*AppConfig, error) {
	c := &AppConfig{}
	if err := yaml.Unmarshal(embeddedConfig, c); err != nil {
		return nil, fmt.Errorf("in embedded config: %w", err)
	}
	return c, nil
}

// ReadConf loads config.yaml from the working directory or ~/.config/apcore, writing the defaults
// there on first start. Values missing from the file keep their defaults. APCORE_* variables win.
func ReadConf(logger *zap.Logger) (*AppConfig, error) {
	configPath := ResolveFilePath(ConfigFileName)

	buf, err := os.ReadFile(configPath)
	if err != nil {
		logger.Info("config file not found, using embedded defaults", zap.String("path", configPath))
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := filepath.Join(configDir, ConfigFileName)
			if writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644); writeErr != nil {
				logger.Warn("could not write default config", zap.String("path", userConfigPath), zap.Error(writeErr))
			} else {
				logger.Info("created default config file", zap.String("path", userConfigPath))
			}
		}
	}
	return parseConf(buf)
}

// ReadConfFrom loads an explicit config file.
func ReadConfFrom(path string) (*AppConfig, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return parseConf(buf)
}

func parseConf(buf []byte) (*AppConfig, error) {
	c, err := DefaultConf()
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *AppConfig) applyEnv() error {
	strs := map[string]*string{
		"HOST":            &c.Conf.Host,
		"SSLDOMAIN":       &c.Conf.SslDomain,
		"DB_PATH":         &c.Conf.DbPath,
		"ACTOR_MODE":      &c.Conf.ActorMode,
		"BLOG_IDENTIFIER": &c.Conf.BlogIdentifier,
	}
	ints := map[string]*int{
		"HTTPPORT":                 &c.Conf.HttpPort,
		"OUTBOX_BATCH_SIZE":        &c.Conf.OutboxBatchSize,
		"FOLLOWER_ERROR_THRESHOLD": &c.Conf.FollowerErrorThreshold,
		"OUTBOX_RETENTION_DAYS":    &c.Conf.OutboxRetentionDays,
	}
	bools := map[string]*bool{
		"REQUIRE_SIGNATURES": &c.Conf.RequireSignatures,
		"AUTHORIZED_FETCH":   &c.Conf.AuthorizedFetch,
		"REACTIONS":          &c.Conf.Reactions,
		"VERBOSE":            &c.Conf.Verbose,
	}

	for name, dst := range strs {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	for name, dst := range ints {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
			}
			*dst = n
		}
	}
	for name, dst := range bools {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
			}
			*dst = b
		}
	}
	return nil
}
