package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/songzhibin97/stepflow/storage"
	"github.com/songzhibin97/stepflow/workflow"
)

const STORAGE_TYPE = "STEPFLOW_STORAGE_TYPE"
const DATABASE_URL = "STEPFLOW_DATABASE_URL"
const DATABASE_SQLITE_FILE_NAME = "STEPFLOW_DATABASE_SQLITE_FILE_NAME"
const REDIS_ADDR = "STEPFLOW_REDIS_ADDR"
const REDIS_PASSWORD = "STEPFLOW_REDIS_PASSWORD"
const REDIS_DB = "STEPFLOW_REDIS_DB"
const ENGINE_MAX_HOPS = "STEPFLOW_ENGINE_MAX_HOPS" //automatic advances allowed per call chain
const ENGINE_ASYNC_ACTIONS = "STEPFLOW_ENGINE_ASYNC_ACTIONS"
const ENGINE_QUEUE_SIZE = "STEPFLOW_ENGINE_QUEUE_SIZE"
const ENGINE_WORKERS = "STEPFLOW_ENGINE_WORKERS" //number of goroutines draining the action queue
const ENGINE_LOCK_TTL = "STEPFLOW_ENGINE_LOCK_TTL"
const ENGINE_TIMER_POLL_INTERVAL = "STEPFLOW_ENGINE_TIMER_POLL_INTERVAL"
const ENGINE_TIMER_LOCK_WAIT = "STEPFLOW_ENGINE_TIMER_LOCK_WAIT"
const ENGINE_TIMER_RETRY_DELAY = "STEPFLOW_ENGINE_TIMER_RETRY_DELAY"
const LOG_LEVEL = "STEPFLOW_LOG_LEVEL"
const SMTP_HOST = "STEPFLOW_SMTP_HOST"
const SMTP_PORT = "STEPFLOW_SMTP_PORT"
const SMTP_USERNAME = "STEPFLOW_SMTP_USERNAME"
const SMTP_PASSWORD = "STEPFLOW_SMTP_PASSWORD"
const SMTP_FROM = "STEPFLOW_SMTP_FROM"

const STORAGE_TYPE_MEMORY = "MEMORY"
const STORAGE_TYPE_REDIS = "REDIS"
const STORAGE_TYPE_SQLITE = "SQLITE"
const STORAGE_TYPE_POSTGRES = "POSTGRES"
const STORAGE_TYPE_MYSQL = "MYSQL"

var defaults = map[string]string{
	STORAGE_TYPE:               STORAGE_TYPE_MEMORY,
	DATABASE_SQLITE_FILE_NAME:  "./stepflow.db",
	REDIS_ADDR:                 "localhost:6379",
	REDIS_DB:                   "0",
	ENGINE_MAX_HOPS:            "100",
	ENGINE_ASYNC_ACTIONS:       "false",
	ENGINE_QUEUE_SIZE:          "100",
	ENGINE_WORKERS:             "5",
	ENGINE_LOCK_TTL:            "5m",
	ENGINE_TIMER_POLL_INTERVAL: "1s",
	ENGINE_TIMER_LOCK_WAIT:     "10s",
	ENGINE_TIMER_RETRY_DELAY:   "30s",
	LOG_LEVEL:                  "INFO",
	SMTP_PORT:                  "25",
}

func GetSystemSettingString(settingKey string) string {
	val := os.Getenv(settingKey)
	if val != "" {
		return val
	}
	return defaults[settingKey]
}

// GetSystemSettingInteger returns 0 for a value that is not a number.
func GetSystemSettingInteger(settingKey string) int {
	val := GetSystemSettingString(settingKey)
	if val != "" {
		intValue, _ := strconv.Atoi(val)
		return intValue
	}
	return 0
}

func GetSystemSettingBool(settingKey string) bool {
	b, _ := strconv.ParseBool(GetSystemSettingString(settingKey))
	return b
}

// GetSystemSettingDuration parses Go durations such as "3s" or "5m".
func GetSystemSettingDuration(settingKey string) time.Duration {
	d, _ := time.ParseDuration(GetSystemSettingString(settingKey))
	return d
}

// StorageType returns the configured backend, upper-cased.
func StorageType() string {
	return strings.ToUpper(GetSystemSettingString(STORAGE_TYPE))
}

// LoadEngineConfig builds the engine configuration from the environment.
func LoadEngineConfig() (workflow.EngineConfig, error) {
	cfg := workflow.EngineConfig{
		MaxHops:           GetSystemSettingInteger(ENGINE_MAX_HOPS),
		AsyncActions:      GetSystemSettingBool(ENGINE_ASYNC_ACTIONS),
		QueueSize:         GetSystemSettingInteger(ENGINE_QUEUE_SIZE),
		Workers:           GetSystemSettingInteger(ENGINE_WORKERS),
		LockTTL:           GetSystemSettingDuration(ENGINE_LOCK_TTL),
		TimerPollInterval: GetSystemSettingDuration(ENGINE_TIMER_POLL_INTERVAL),
		TimerLockWait:     GetSystemSettingDuration(ENGINE_TIMER_LOCK_WAIT),
		TimerRetryDelay:   GetSystemSettingDuration(ENGINE_TIMER_RETRY_DELAY),
	}
	return cfg, cfg.Validate()
}

func LoadRedisOptions() storage.RedisOptions {
	return storage.RedisOptions{
		Addr:     GetSystemSettingString(REDIS_ADDR),
		Password: GetSystemSettingString(REDIS_PASSWORD),
		DB:       GetSystemSettingInteger(REDIS_DB),
	}
}
