package config

import (
	"time"

	"fitpay/internal/types"
)

// Config is the process configuration, populated from the environment.
// Validation tags are enforced at load time so a misconfigured process
// fails fast instead of limping into traffic.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"development" validate:"oneof=development staging production"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Gateways GatewaysConfig
	Dunning  DunningConfig
	Notify   NotifyConfig
}

func (c *Config) IsProduction() bool { return c.Environment == "production" }

type ServerConfig struct {
	Port            int           `envconfig:"SERVER_PORT" default:"8080" validate:"min=1,max=65535"`
	PublicBaseURL   string        `envconfig:"PUBLIC_BASE_URL" default:"http://localhost:8080" validate:"url"`
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"20s"`
}

type DatabaseConfig struct {
	URL             types.SecretString `envconfig:"DATABASE_URL" required:"true"`
	MaxConns        int32              `envconfig:"DATABASE_MAX_CONNS" default:"10"`
	MinConns        int32              `envconfig:"DATABASE_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration      `envconfig:"DATABASE_MAX_CONN_LIFETIME" default:"30m"`
}

type RedisConfig struct {
	Addr     string             `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	Password types.SecretString `envconfig:"REDIS_PASSWORD"`
	DB       int                `envconfig:"REDIS_DB" default:"0"`
}

// GatewaysConfig groups the per-provider credentials. A provider whose
// block fails its Configured check is routed around: initiation returns
// gateway_not_configured and callbacks are rejected.
type GatewaysConfig struct {
	PayTabs PayTabsConfig
	STCPay  STCPayConfig
	Sadad   SadadConfig
	Tamara  TamaraConfig

	// AllowUnverifiedCallbacks skips signature verification on inbound
	// callbacks. Sandbox-only; the loader refuses it in production.
	AllowUnverifiedCallbacks bool `envconfig:"GATEWAY_ALLOW_UNVERIFIED_CALLBACKS" default:"false"`
}

type PayTabsConfig struct {
	Enabled   bool               `envconfig:"PAYTABS_ENABLED" default:"false"`
	BaseURL   string             `envconfig:"PAYTABS_BASE_URL" default:"https://secure.paytabs.sa"`
	ProfileID string             `envconfig:"PAYTABS_PROFILE_ID"`
	ServerKey types.SecretString `envconfig:"PAYTABS_SERVER_KEY"`
}

func (c PayTabsConfig) Configured() bool {
	return c.Enabled && c.ProfileID != "" && c.ServerKey.IsSet()
}

type STCPayConfig struct {
	Enabled    bool               `envconfig:"STCPAY_ENABLED" default:"false"`
	BaseURL    string             `envconfig:"STCPAY_BASE_URL" default:"https://api.stcpay.com.sa"`
	MerchantID string             `envconfig:"STCPAY_MERCHANT_ID"`
	BranchID   string             `envconfig:"STCPAY_BRANCH_ID" default:"001"`
	APIKey     types.SecretString `envconfig:"STCPAY_API_KEY"`
	APISecret  types.SecretString `envconfig:"STCPAY_API_SECRET"`
}

func (c STCPayConfig) Configured() bool {
	return c.Enabled && c.MerchantID != "" && c.APIKey.IsSet() && c.APISecret.IsSet()
}

type SadadConfig struct {
	Enabled          bool               `envconfig:"SADAD_ENABLED" default:"false"`
	BaseURL          string             `envconfig:"SADAD_BASE_URL" default:"https://api.sadad.com.sa"`
	BillerCode       string             `envconfig:"SADAD_BILLER_CODE"`
	APIKey           types.SecretString `envconfig:"SADAD_API_KEY"`
	APISecret        types.SecretString `envconfig:"SADAD_API_SECRET"`
	BillValidityDays int                `envconfig:"SADAD_BILL_VALIDITY_DAYS" default:"7" validate:"min=1,max=60"`
}

func (c SadadConfig) Configured() bool {
	return c.Enabled && c.BillerCode != "" && c.APIKey.IsSet() && c.APISecret.IsSet()
}

type TamaraConfig struct {
	Enabled         bool               `envconfig:"TAMARA_ENABLED" default:"false"`
	BaseURL         string             `envconfig:"TAMARA_BASE_URL" default:"https://api.tamara.co"`
	APIToken        types.SecretString `envconfig:"TAMARA_API_TOKEN"`
	NotificationKey types.SecretString `envconfig:"TAMARA_NOTIFICATION_KEY"`
	MinAmount       int64              `envconfig:"TAMARA_MIN_AMOUNT" default:"10000"`   // minor units
	MaxAmount       int64              `envconfig:"TAMARA_MAX_AMOUNT" default:"1000000"` // minor units
}

func (c TamaraConfig) Configured() bool {
	return c.Enabled && c.APIToken.IsSet()
}

// DunningConfig holds the escalation timeline for failed recurring
// payments, measured in days since the triggering failure.
type DunningConfig struct {
	RetryDays        []int         `envconfig:"DUNNING_RETRY_DAYS" default:"0,3,7"`
	MaxRetries       int           `envconfig:"DUNNING_MAX_RETRIES" default:"3" validate:"min=1"`
	SuspensionDays   int           `envconfig:"DUNNING_SUSPENSION_DAYS" default:"10" validate:"min=1"`
	DeactivationDays int           `envconfig:"DUNNING_DEACTIVATION_DAYS" default:"30" validate:"min=1"`
	SweepBatchSize   int           `envconfig:"DUNNING_SWEEP_BATCH_SIZE" default:"100" validate:"min=1,max=1000"`
	ClaimTTL         time.Duration `envconfig:"DUNNING_CLAIM_TTL" default:"5m"`
}

type NotifyConfig struct {
	DedupWindow time.Duration `envconfig:"NOTIFY_DEDUP_WINDOW" default:"24h"`
}
