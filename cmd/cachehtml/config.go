package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/always-cache/cachehtml"
	cacherules "github.com/always-cache/cachehtml/pkg/cache-rules"
	"github.com/always-cache/cachehtml/pkg/workqueue"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Origin           string                    `yaml:"origin"`
	Addr             string                    `yaml:"addr"`
	Host             string                    `yaml:"host"`
	Port             int                       `yaml:"port"`
	DB               string                    `yaml:"db"`
	Redis            string                    `yaml:"redis"`
	Metrics          string                    `yaml:"metrics"`
	ChangeDetection  cachehtml.ChangeDetection `yaml:"changeDetection"`
	UseSmartDiff     bool                      `yaml:"useSmartDiff"`
	CacheTime        time.Duration             `yaml:"cacheTime"`
	OriginTimeout    time.Duration             `yaml:"originTimeout"`
	MaxHTMLSize      int64                     `yaml:"maxHtmlSize"`
	BlinkJSURL       string                    `yaml:"blinkJsUrl"`
	NonCacheableAttr string                    `yaml:"nonCacheableAttr"`
	Hasher           string                    `yaml:"hasher"`
	Experiment       cachehtml.Experiment      `yaml:"experiment"`
	Queue            workqueue.Config          `yaml:"queue"`
	Rules            cacherules.Rules          `yaml:"rules"`

	// command line only
	VerbosityTrace bool   `yaml:"-"`
	LogFilename    string `yaml:"-"`
}

func defaultConfig() Config {
	return Config{
		Port:    8080,
		DB:      "cache.db",
		Metrics: "prometheus",
	}
}

func getConfig(filename string) (Config, error) {
	config := defaultConfig()
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}

// loadConfig reads the config file named by -config, if any, and applies
// the flags that were set on top of it.
func loadConfig(args []string) (Config, error) {
	var flags Config
	var configFilename string
	fs := flag.NewFlagSet("cachehtml", flag.ContinueOnError)
	fs.StringVar(&configFilename, "config", "", "Path to YAML config file")
	fs.StringVar(&flags.Origin, "origin", "", "Origin URL to proxy to (overrides addr and host)")
	fs.StringVar(&flags.Addr, "addr", "", "Origin IP address to proxy to")
	fs.StringVar(&flags.Host, "host", "", "Hostname of origin")
	fs.IntVar(&flags.Port, "port", 8080, "Port to listen on")
	fs.StringVar(&flags.DB, "db", "cache.db", "Property DB file name (use 'memory' for in-memory store)")
	fs.StringVar(&flags.Redis, "redis", "", "Redis address for the property store (overrides db)")
	fs.StringVar(&flags.Metrics, "metrics", "prometheus", "Metrics exporter: prometheus, stdout or none")
	fs.Var(&flags.ChangeDetection, "change-detection", "Change detection: off, logging or active")
	fs.BoolVar(&flags.UseSmartDiff, "smart-diff", false, "Compare visible text only when detecting changes")
	fs.DurationVar(&flags.CacheTime, "cache-time", cachehtml.DefaultCacheTime, "How long cached html is served without change detection")
	fs.DurationVar(&flags.OriginTimeout, "origin-timeout", 0, "Timeout of origin fetches")
	fs.Int64Var(&flags.MaxHTMLSize, "max-html-size", cachehtml.DefaultMaxHTMLSizeRewritable, "Largest page to rewrite, in bytes")
	fs.StringVar(&flags.Hasher, "hasher", "sha256", "Content hash: sha256 or xxhash")
	fs.IntVar(&flags.Queue.MaxConcurrent, "workers", 8, "Maximum concurrent background rewrites")
	fs.BoolVar(&flags.VerbosityTrace, "vv", false, "Verbosity: trace logging")
	fs.StringVar(&flags.LogFilename, "log-file", "", "Log file to use (in addition to stdout)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	config := defaultConfig()
	config.CacheTime = cachehtml.DefaultCacheTime
	config.MaxHTMLSize = cachehtml.DefaultMaxHTMLSizeRewritable
	config.Hasher = "sha256"
	config.Queue.MaxConcurrent = 8
	if configFilename != "" {
		fileConfig, err := getConfig(configFilename)
		if err != nil {
			return Config{}, fmt.Errorf("could not read config file: %w", err)
		}
		config = fileConfig
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "origin":
			config.Origin = flags.Origin
		case "addr":
			config.Addr = flags.Addr
		case "host":
			config.Host = flags.Host
		case "port":
			config.Port = flags.Port
		case "db":
			config.DB = flags.DB
		case "redis":
			config.Redis = flags.Redis
		case "metrics":
			config.Metrics = flags.Metrics
		case "change-detection":
			config.ChangeDetection = flags.ChangeDetection
		case "smart-diff":
			config.UseSmartDiff = flags.UseSmartDiff
		case "cache-time":
			config.CacheTime = flags.CacheTime
		case "origin-timeout":
			config.OriginTimeout = flags.OriginTimeout
		case "max-html-size":
			config.MaxHTMLSize = flags.MaxHTMLSize
		case "hasher":
			config.Hasher = flags.Hasher
		case "workers":
			config.Queue.MaxConcurrent = flags.Queue.MaxConcurrent
		}
	})
	config.VerbosityTrace = flags.VerbosityTrace
	config.LogFilename = flags.LogFilename
	return config, nil
}
