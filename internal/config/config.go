package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	libconfig "voltflow/libs/config"
)

// Provider kinds supported by the payment adapter.
const (
	ProviderKindA = "provider-a"
	ProviderKindB = "provider-b"
)

// Config defines the control-plane configuration.
type Config struct {
	HTTP struct {
		Port string `yaml:"port" env:"HTTP_PORT"`
	} `yaml:"http"`
	Database struct {
		DSN string `yaml:"dsn" env:"POSTGRES_DSN"`
	} `yaml:"database"`
	Redis struct {
		Addr     string `yaml:"addr" env:"REDIS_ADDR"`
		Password string `yaml:"password" env:"REDIS_PASSWORD"`
	} `yaml:"redis"`
	Auth struct {
		JWTSecret string `yaml:"jwtSecret" env:"JWT_SECRET"`
	} `yaml:"auth"`
	OCPP struct {
		HeartbeatInterval    time.Duration `yaml:"heartbeatInterval" env:"HEARTBEAT_INTERVAL"`
		BootAccept           bool          `yaml:"bootAccept" env:"BOOT_ACCEPT"`
		CallTimeout          time.Duration `yaml:"callTimeout" env:"CALL_TIMEOUT"`
		MaxSocketsPerProcess int           `yaml:"maxSocketsPerProcess" env:"MAX_SOCKETS_PER_PROCESS"`
	} `yaml:"ocpp"`
	Reconciler struct {
		HungSessionCheckInterval time.Duration `yaml:"hungSessionCheckInterval" env:"HUNG_SESSION_CHECK_INTERVAL"`
		HungSessionNoTxGrace     time.Duration `yaml:"hungSessionNoTxGrace" env:"HUNG_SESSION_NO_TX_GRACE"`
		HungSessionMaxActive     time.Duration `yaml:"hungSessionMaxActive" env:"HUNG_SESSION_MAX_ACTIVE"`
		InvoiceCheckInterval     time.Duration `yaml:"invoiceCheckInterval" env:"INVOICE_CHECK_INTERVAL"`
		SweepDeadline            time.Duration `yaml:"sweepDeadline" env:"SWEEP_DEADLINE"`
	} `yaml:"reconciler"`
	Billing struct {
		InvoiceExpiry            time.Duration `yaml:"invoiceExpiry" env:"INVOICE_EXPIRY"`
		DefaultTariffPricePerKWh int64         `yaml:"defaultTariffPricePerKwh" env:"DEFAULT_TARIFF_PRICE_PER_KWH"`
		DefaultCurrency          string        `yaml:"defaultCurrency" env:"DEFAULT_CURRENCY"`
	} `yaml:"billing"`
	Provider struct {
		Kind    string `yaml:"kind" env:"PROVIDER_KIND"`
		Secret  string `yaml:"secret" env:"PROVIDER_SECRET"`
		BaseURL string `yaml:"baseUrl" env:"PROVIDER_BASE_URL"`
	} `yaml:"provider"`
}

// Load uses the shared config loader, applies defaults and validates.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.HTTP.Port = "8080"
	cfg.OCPP.HeartbeatInterval = 300 * time.Second
	cfg.OCPP.BootAccept = true
	cfg.OCPP.CallTimeout = 30 * time.Second
	cfg.OCPP.MaxSocketsPerProcess = 2048
	cfg.Reconciler.HungSessionCheckInterval = 30 * time.Minute
	cfg.Reconciler.HungSessionNoTxGrace = 600 * time.Second
	cfg.Reconciler.HungSessionMaxActive = 43200 * time.Second
	cfg.Reconciler.InvoiceCheckInterval = time.Hour
	cfg.Reconciler.SweepDeadline = 5 * time.Minute
	cfg.Billing.InvoiceExpiry = 300 * time.Second
	cfg.Billing.DefaultTariffPricePerKWh = 900
	cfg.Billing.DefaultCurrency = "KGS"
	cfg.Provider.Kind = ProviderKindA

	if err := libconfig.LoadConfig(cfg); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return nil, errors.New("config: database DSN is required")
	}
	if strings.TrimSpace(cfg.Redis.Addr) == "" {
		return nil, errors.New("config: redis addr is required")
	}
	switch cfg.Provider.Kind {
	case ProviderKindA, ProviderKindB:
	default:
		return nil, fmt.Errorf("config: unknown provider kind %q", cfg.Provider.Kind)
	}

	return cfg, nil
}

// HTTPAddress returns :port style address.
func (c *Config) HTTPAddress() string {
	port := strings.TrimSpace(c.HTTP.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}

// HeartbeatTolerance is how long a station may stay silent before the
// reconciler marks it offline.
func (c *Config) HeartbeatTolerance() time.Duration {
	return 2*c.OCPP.HeartbeatInterval + 30*time.Second
}
