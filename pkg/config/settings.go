package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Settings struct {
	Store         StoreSettings    `mapstructure:"store"`
	Broker        BrokerSettings   `mapstructure:"broker"`
	Worker        WorkerSettings   `mapstructure:"worker"`
	Relay         RelaySettings    `mapstructure:"relay"`
	SLA           SLASettings      `mapstructure:"sla"`
	API           APISettings      `mapstructure:"api"`
	Tool          ToolSettings     `mapstructure:"tool"`
	Matching      MatchSettings    `mapstructure:"matching"`
	Playbooks     PlaybookSettings `mapstructure:"playbooks"`
	Observability Observability    `mapstructure:"observability"` // Observability settings
}

func (c *Settings) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

func LoadFromFile(filePath string) (*Settings, error) {

	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	cfg := &Settings{}
	viper.SetConfigType("yaml")
	viper.SetConfigName("remedy")
	viper.AddConfigPath(filePath)
	viper.AddConfigPath(".")

	setDefaults()

	// A missing file is fine; env vars can carry the whole configuration
	if err := viper.ReadInConfig(); err != nil {
		log.Printf("config file not read: %v", err)
	}

	err := mergeConfig(filePath, "remedy."+env)
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Printf("Error merging %s config: %s\n", env, err)
			os.Exit(1)
		}
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		log.Fatalf("unmarshal configuration: %v", err)
	}

	if err := cfg.LoadFromEnv(); err != nil {
		log.Fatalf("loading env overrides: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	return cfg, nil
}

func (c *Settings) LoadFromEnv() error {
	viper.AutomaticEnv()
	viper.SetEnvPrefix("REMEDY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // env vars like REMEDY_STORE_TYPE

	// Explicit binds; AutomaticEnv alone does not see keys absent from the file
	viper.BindEnv("store.type")
	viper.BindEnv("store.dsn")
	viper.BindEnv("store.uri")
	viper.BindEnv("store.database")
	viper.BindEnv("broker.type")
	viper.BindEnv("broker.url")
	viper.BindEnv("broker.exchange")
	viper.BindEnv("broker.projectID")
	viper.BindEnv("broker.pool_size")
	viper.BindEnv("broker.partitions")
	viper.BindEnv("broker.replication")
	viper.BindEnv("worker.stages")
	viper.BindEnv("worker.consumers")
	viper.BindEnv("worker.max_delivery_attempts")
	viper.BindEnv("worker.drain_timeout")
	viper.BindEnv("relay.poll_interval")
	viper.BindEnv("relay.batch_size")
	viper.BindEnv("relay.max_publish_attempts")
	viper.BindEnv("sla.scan_interval")
	viper.BindEnv("sla.default_window")
	viper.BindEnv("api.port")
	viper.BindEnv("tool.base_url")
	viper.BindEnv("playbooks.seed_dir")
	viper.BindEnv("observability.service_name")
	viper.BindEnv("observability.tracing_url")
	viper.BindEnv("observability.metrics_addr")

	if err := viper.Unmarshal(&c); err != nil {
		return err
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("broker.pool_size", 4)
	viper.SetDefault("broker.partitions", 3)
	viper.SetDefault("worker.consumers", 2)
	viper.SetDefault("worker.max_delivery_attempts", 5)
	viper.SetDefault("worker.drain_timeout", 30*time.Second)
	viper.SetDefault("relay.poll_interval", 2*time.Second)
	viper.SetDefault("relay.batch_size", 50)
	viper.SetDefault("relay.max_publish_attempts", 5)
	viper.SetDefault("sla.scan_interval", time.Minute)
	viper.SetDefault("sla.default_window", 4*time.Hour)
	viper.SetDefault("api.port", "8080")
	viper.SetDefault("api.shutdown_timeout", 10*time.Second)
	viper.SetDefault("tool.timeout", 15*time.Second)
	viper.SetDefault("tool.retry_attempts", 3)
}

func mergeConfig(path string, name string) error {
	viper.SetConfigName(name)
	viper.AddConfigPath(path)
	err := viper.MergeInConfig()
	if err != nil {
		return err
	}
	return nil
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
