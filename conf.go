package main

import (
	"fmt"

	"github.com/creasty/defaults"
	"github.com/spf13/viper"
)

// Conf holds the render defaults. All fields can be set in a TOML profile
// passed with --config; command line flags take precedence.
type Conf struct {
	Render struct {
		Width     int `default:"1024" mapstructure:"width"`
		Height    int `default:"768" mapstructure:"height"`
		CacheSize int `default:"128" mapstructure:"cacheSize"`
	} `mapstructure:"render"`
	Log struct {
		Level string `default:"info" mapstructure:"level"`
	} `mapstructure:"log"`
}

func loadConf(path string) (*Conf, error) {
	conf := &Conf{}
	if err := defaults.Set(conf); err != nil {
		return nil, err
	}
	if path == "" {
		return conf, nil
	}

	viper.SetConfigType("toml")
	viper.SetConfigFile(path)
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("could not read config file %s: %w", path, err)
	}
	if err := viper.Unmarshal(conf); err != nil {
		return nil, fmt.Errorf("could not parse config file %s: %w", path, err)
	}
	return conf, nil
}
