package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type NatsConfig struct {
	URL        string
	TaskStream string
}

type PostgresConfig struct {
	URL string
}

type MinioConfig struct {
	URL             string
	SNAPSHOT_BUCKET string
	ACCESS_KEY      string
	SECRET_KEY      string
	USE_SSL         bool
}

type WorkerConfig struct {
	ACCOUNT        string
	QUEUES         []string
	WORK_DIR       string
	SNAPSHOT_DIR   string
	HEARTBEAT_SECS int
	CONVERTER_BIN  string
	CACHE_SIZE     int
	CACHE_TTL      int
}

type SessionConfig struct {
	COMMAND      string
	IMAGE        string
	CPU_QUOTA    int
	MEMORY_LIMIT int
	TIMEOUT_SECS int
}

type Config struct {
	SERVICE_NAME    string
	TRACE_URL       string
	HTTP_ADDR       string
	DEFAULT_ACCOUNT string
}

func env(key string) string {
	v := os.Getenv(key)
	return v
}

func convertStringToInt(s string, key string) (int, error) {
	sInt, err := strconv.Atoi(s)
	if err != nil {
		return -1, fmt.Errorf("error initializing config with key: %s, err: %v", key, err)
	}
	return sInt, nil
}

func intWithDefault(key string, def int) (int, error) {
	s := env(key)
	if s == "" {
		return def, nil
	}
	return convertStringToInt(s, key)
}

func GetConfig() (*Config, error) {
	sn := env("SERVICE_NAME")
	if sn == "" {
		return nil, fmt.Errorf("KEY: SERVICE_NAME is empty")
	}
	addr := env("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	account := env("DEFAULT_ACCOUNT")
	if account == "" {
		account = "local"
	}
	return &Config{
		SERVICE_NAME:    sn,
		TRACE_URL:       env("TRACE_URL"),
		HTTP_ADDR:       addr,
		DEFAULT_ACCOUNT: account,
	}, nil
}

func GetNatsConfig() (*NatsConfig, error) {
	url := env("NATS_URL")
	if url == "" {
		return nil, fmt.Errorf("KEY: NATS_URL is empty")
	}
	stream := env("NATS_TASK_STREAM")
	if stream == "" {
		stream = "TASKS"
	}
	return &NatsConfig{
		URL:        url,
		TaskStream: stream,
	}, nil
}

func GetPostgresConfig() (*PostgresConfig, error) {
	url := env("POSTGRES_URL")
	if url == "" {
		return nil, fmt.Errorf("KEY: POSTGRES_URL is empty")
	}
	return &PostgresConfig{
		URL: url,
	}, nil
}

func GetMinioConfig() (*MinioConfig, error) {
	url := env("MINIO_ENDPOINT")
	if url == "" {
		return nil, fmt.Errorf("KEY: MINIO_ENDPOINT is empty")
	}

	sb := env("MINIO_SNAPSHOT_BUCKET")
	if sb == "" {
		return nil, fmt.Errorf("KEY: MINIO_SNAPSHOT_BUCKET is empty")
	}

	ssl := env("MINIO_USE_SSL")
	if ssl != "true" && ssl != "false" {
		return nil, fmt.Errorf("KEY: MINIO_USE_SSL is invalid")
	}

	ak := env("MINIO_ACCESS_KEY")
	if ak == "" {
		return nil, fmt.Errorf("KEY: MINIO_ACCESS_KEY is empty")
	}

	sk := env("MINIO_SECRET_KEY")
	if sk == "" {
		return nil, fmt.Errorf("KEY: MINIO_SECRET_KEY is empty")
	}

	return &MinioConfig{
		URL:             url,
		SNAPSHOT_BUCKET: sb,
		USE_SSL:         ssl == "true",
		ACCESS_KEY:      ak,
		SECRET_KEY:      sk,
	}, nil
}

func GetWorkerConfig() (*WorkerConfig, error) {
	account := env("WORKER_ACCOUNT")
	if account == "" {
		return nil, fmt.Errorf("KEY: WORKER_ACCOUNT is empty")
	}

	queues := env("WORKER_QUEUES")
	if queues == "" {
		return nil, fmt.Errorf("KEY: WORKER_QUEUES is empty")
	}

	wd := env("WORKER_WORK_DIR")
	if wd == "" {
		return nil, fmt.Errorf("KEY: WORKER_WORK_DIR is empty")
	}

	sd := env("WORKER_SNAPSHOT_DIR")
	if sd == "" {
		return nil, fmt.Errorf("KEY: WORKER_SNAPSHOT_DIR is empty")
	}

	hb, err := intWithDefault("WORKER_HEARTBEAT_SECS", 5)
	if err != nil {
		return nil, err
	}

	cb := env("WORKER_CONVERTER_BIN")
	if cb == "" {
		cb = "encoda"
	}

	cs, err := intWithDefault("WORKER_CACHE_SIZE", 32*1024*1024)
	if err != nil {
		return nil, err
	}
	ct, err := intWithDefault("WORKER_CACHE_TTL", 3600)
	if err != nil {
		return nil, err
	}

	return &WorkerConfig{
		ACCOUNT:        account,
		QUEUES:         strings.Split(queues, ","),
		WORK_DIR:       wd,
		SNAPSHOT_DIR:   sd,
		HEARTBEAT_SECS: hb,
		CONVERTER_BIN:  cb,
		CACHE_SIZE:     cs,
		CACHE_TTL:      ct,
	}, nil
}

func GetSessionConfig() (*SessionConfig, error) {
	cmd := env("SESSION_COMMAND")
	if cmd == "" {
		return nil, fmt.Errorf("KEY: SESSION_COMMAND is empty")
	}

	image := env("SESSION_IMAGE")
	if image == "" {
		return nil, fmt.Errorf("KEY: SESSION_IMAGE is empty")
	}

	cpu, err := intWithDefault("SESSION_CPU_QUOTA", 100000)
	if err != nil {
		return nil, err
	}
	mem, err := intWithDefault("SESSION_MEMORY_LIMIT", 512*1024*1024)
	if err != nil {
		return nil, err
	}
	timeout, err := intWithDefault("SESSION_TIMEOUT_SECS", 3600)
	if err != nil {
		return nil, err
	}

	return &SessionConfig{
		COMMAND:      cmd,
		IMAGE:        image,
		CPU_QUOTA:    cpu,
		MEMORY_LIMIT: mem,
		TIMEOUT_SECS: timeout,
	}, nil
}
