// Package config reads each binary's settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultSchema      = "store"
	defaultEventsTopic = "order.events"
	defaultMPAPIURL    = "https://api.mercadopago.com"
	defaultMigrations  = "file://migrations"
	defaultVersion     = "0.1.0"
	defaultOrdersPort  = "8081"
	defaultGatewayPort = "8080"
	defaultWorkerGroup = "order-history"
	defaultOTLP        = "localhost:4317"
	defaultKafkaWrite  = 5 * time.Second
)

type Orders struct {
	Port                 string
	PostgresURL          string
	Schema               string
	KafkaBrokers         []string
	EventsTopic          string
	KafkaWriteTimeout    time.Duration
	MPAccessToken        string
	MPAPIURL             string
	RecordFailedPayments bool
	ServiceVersion       string
	OTLPEndpoint         string
}

type Gateway struct {
	Port             string
	OrdersServiceURL string
	ServiceVersion   string
	OTLPEndpoint     string
}

type Worker struct {
	PostgresURL    string
	Schema         string
	KafkaBrokers   []string
	EventsTopic    string
	GroupID        string
	ServiceVersion string
	OTLPEndpoint   string
}

type Migrate struct {
	PostgresURL    string
	MigrationsPath string
}

func LoadOrders() (*Orders, error) {
	recordFailed, err := getBool("RECORD_FAILED_PAYMENTS", true)
	if err != nil {
		return nil, err
	}

	writeTimeout, err := getDuration("KAFKA_WRITE_TIMEOUT", defaultKafkaWrite)
	if err != nil {
		return nil, err
	}

	cfg := &Orders{
		Port:                 getEnv("PORT", defaultOrdersPort),
		PostgresURL:          os.Getenv("POSTGRES_URL"),
		Schema:               getEnv("DB_SCHEMA", defaultSchema),
		KafkaBrokers:         getList("KAFKA_BROKERS"),
		EventsTopic:          getEnv("ORDER_EVENTS_TOPIC", defaultEventsTopic),
		KafkaWriteTimeout:    writeTimeout,
		MPAccessToken:        getEnvFromFile("MP_ACCESS_TOKEN_FILE", "MP_ACCESS_TOKEN", ""),
		MPAPIURL:             strings.TrimRight(getEnv("MP_API_URL", defaultMPAPIURL), "/"),
		RecordFailedPayments: recordFailed,
		ServiceVersion:       getEnv("SERVICE_VERSION", defaultVersion),
		OTLPEndpoint:         getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", defaultOTLP),
	}

	if cfg.PostgresURL == "" {
		return nil, missing("POSTGRES_URL")
	}
	if cfg.MPAccessToken == "" {
		return nil, missing("MP_ACCESS_TOKEN")
	}
	return cfg, nil
}

func LoadGateway() (*Gateway, error) {
	cfg := &Gateway{
		Port:             getEnv("PORT", defaultGatewayPort),
		OrdersServiceURL: strings.TrimRight(os.Getenv("ORDERS_SERVICE_URL"), "/"),
		ServiceVersion:   getEnv("SERVICE_VERSION", defaultVersion),
		OTLPEndpoint:     getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", defaultOTLP),
	}
	if cfg.OrdersServiceURL == "" {
		return nil, missing("ORDERS_SERVICE_URL")
	}
	return cfg, nil
}

func LoadWorker() (*Worker, error) {
	cfg := &Worker{
		PostgresURL:    os.Getenv("POSTGRES_URL"),
		Schema:         getEnv("DB_SCHEMA", defaultSchema),
		KafkaBrokers:   getList("KAFKA_BROKERS"),
		EventsTopic:    getEnv("ORDER_EVENTS_TOPIC", defaultEventsTopic),
		GroupID:        getEnv("KAFKA_GROUP_ID", defaultWorkerGroup),
		ServiceVersion: getEnv("SERVICE_VERSION", defaultVersion),
		OTLPEndpoint:   getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", defaultOTLP),
	}
	if cfg.PostgresURL == "" {
		return nil, missing("POSTGRES_URL")
	}
	if len(cfg.KafkaBrokers) == 0 {
		return nil, missing("KAFKA_BROKERS")
	}
	return cfg, nil
}

func LoadMigrate() (*Migrate, error) {
	cfg := &Migrate{
		PostgresURL:    os.Getenv("POSTGRES_URL"),
		MigrationsPath: getEnv("MIGRATIONS_PATH", defaultMigrations),
	}
	if cfg.PostgresURL == "" {
		return nil, missing("POSTGRES_URL")
	}
	return cfg, nil
}

func missing(key string) error {
	return fmt.Errorf("%s environment variable is required", key)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvFromFile prefers a secret mounted as a file over the plain variable.
func getEnvFromFile(fileKey, envKey, defaultValue string) string {
	if filePath := os.Getenv(fileKey); filePath != "" {
		if content, err := os.ReadFile(filePath); err == nil {
			return strings.TrimSpace(string(content))
		}
	}
	return getEnv(envKey, defaultValue)
}

func getBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return b, nil
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", key, value)
	}
	return d, nil
}

func getList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
