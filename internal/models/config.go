package models

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Duration lets yaml carry values like "5s" or "1h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	ServerAddr  string `yaml:"server_addr"`
	DatabaseURL string `yaml:"database_url"`

	KafkaBroker string `yaml:"kafka_broker"`
	KafkaTopic  string `yaml:"kafka_topic"`
	KafkaGroup  string `yaml:"kafka_group"`

	S3Endpoint      string `yaml:"s3_endpoint"`
	S3AccessKey     string `yaml:"s3_access_key"`
	S3SecretKey     string `yaml:"s3_secret_key"`
	S3UseSSL        bool   `yaml:"s3_use_ssl"`
	UploadedBucket  string `yaml:"uploaded_bucket"`
	ConvertedBucket string `yaml:"converted_bucket"`

	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`

	JWTSecret string `yaml:"jwt_secret"`

	// ConverterCmd is the external STEP/OBJ -> STL converter. It is invoked
	// as: <cmd> <input file> <output file>.
	ConverterCmd string `yaml:"converter_cmd"`

	QueryTimeout   Duration `yaml:"query_timeout"`
	SignedURLTTL   Duration `yaml:"signed_url_ttl"`
	ConvertTimeout Duration `yaml:"convert_timeout"`

	RateLimit       int      `yaml:"rate_limit"`
	RateLimitWindow Duration `yaml:"rate_limit_window"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.QueryTimeout == 0 {
		c.QueryTimeout = Duration(5 * time.Second)
	}
	if c.SignedURLTTL == 0 {
		c.SignedURLTTL = Duration(time.Hour)
	}
	if c.ConvertTimeout == 0 {
		c.ConvertTimeout = Duration(10 * time.Minute)
	}
	if c.RateLimit == 0 {
		c.RateLimit = 10
	}
	if c.RateLimitWindow == 0 {
		c.RateLimitWindow = Duration(time.Second)
	}
}
