package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/OberdanBrito/testehl7/internal/platform/hl7v2"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	LogLevel       string   `mapstructure:"LOG_LEVEL"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	BodyLimit      string   `mapstructure:"BODY_LIMIT"`
	// RequestTimeout bounds each API request; 0 disables the deadline.
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	HL7FieldSeparator       string `mapstructure:"HL7_FIELD_SEPARATOR"`
	HL7EncodingCharacters   string `mapstructure:"HL7_ENCODING_CHARACTERS"`
	HL7SendingApplication   string `mapstructure:"HL7_SENDING_APPLICATION"`
	HL7SendingFacility      string `mapstructure:"HL7_SENDING_FACILITY"`
	HL7ReceivingApplication string `mapstructure:"HL7_RECEIVING_APPLICATION"`
	HL7ReceivingFacility    string `mapstructure:"HL7_RECEIVING_FACILITY"`
	HL7ProcessingID         string `mapstructure:"HL7_PROCESSING_ID"`
	HL7VersionID            string `mapstructure:"HL7_VERSION_ID"`
}

var keys = []string{
	"PORT",
	"ENV",
	"LOG_LEVEL",
	"DATABASE_URL",
	"DB_MAX_CONNS",
	"DB_MIN_CONNS",
	"AUTH_ISSUER",
	"AUTH_AUDIENCE",
	"AUTH_SIGNING_KEY",
	"CORS_ORIGINS",
	"BODY_LIMIT",
	"REQUEST_TIMEOUT",
	"HL7_FIELD_SEPARATOR",
	"HL7_ENCODING_CHARACTERS",
	"HL7_SENDING_APPLICATION",
	"HL7_SENDING_FACILITY",
	"HL7_RECEIVING_APPLICATION",
	"HL7_RECEIVING_FACILITY",
	"HL7_PROCESSING_ID",
	"HL7_VERSION_ID",
}

// Load reads configuration from the environment, falling back to a .env
// file in the working directory when one exists.
func Load() (*Config, error) {
	return load(".env")
}

func load(envFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("HL7_FIELD_SEPARATOR", string(hl7v2.DefaultFieldSeparator))
	v.SetDefault("HL7_ENCODING_CHARACTERS", hl7v2.DefaultEncodingCharacters)
	v.SetDefault("HL7_SENDING_APPLICATION", "EHR")
	v.SetDefault("HL7_SENDING_FACILITY", "EHRFac")
	v.SetDefault("HL7_PROCESSING_ID", "P")
	v.SetDefault("HL7_VERSION_ID", "2.5")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Delimiters builds the HL7 delimiters from HL7_FIELD_SEPARATOR and
// HL7_ENCODING_CHARACTERS.
func (c *Config) Delimiters() (hl7v2.Delimiters, error) {
	if len(c.HL7FieldSeparator) != 1 {
		return hl7v2.Delimiters{}, fmt.Errorf("%w: HL7_FIELD_SEPARATOR must be a single character, got %q",
			hl7v2.ErrInvalidDelimiterConfiguration, c.HL7FieldSeparator)
	}
	return hl7v2.NewDelimiters(c.HL7FieldSeparator[0], c.HL7EncodingCharacters)
}

// Header returns the MSH routing values for generated messages.
func (c *Config) Header() hl7v2.HeaderConfig {
	return hl7v2.HeaderConfig{
		SendingApplication:   c.HL7SendingApplication,
		SendingFacility:      c.HL7SendingFacility,
		ReceivingApplication: c.HL7ReceivingApplication,
		ReceivingFacility:    c.HL7ReceivingFacility,
		ProcessingID:         c.HL7ProcessingID,
		VersionID:            c.HL7VersionID,
	}
}

// Validate checks that the configuration is safe to run. Outside
// development AUTH_SIGNING_KEY must be set so that JWT authentication is
// enforced.
func (c *Config) Validate() error {
	if _, err := c.Delimiters(); err != nil {
		return err
	}
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("DB_MAX_CONNS must be positive, got %d", c.DBMaxConns)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must not be negative, got %s", c.RequestTimeout)
	}
	if c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS must be between 0 and DB_MAX_CONNS (%d), got %d", c.DBMaxConns, c.DBMinConns)
	}
	return nil
}
