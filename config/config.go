package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/balu-dk/go-ocpi/internal/ocpi"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Device transports for OCPP 1.6 stations
const (
	TransportWebsocket = "websocket"
	TransportGateway   = "gateway"
)

// Config holds the application configuration
type Config struct {
	// Server configuration
	ServerPort int
	APIPort    int
	OCPPPath   string

	// Database configuration
	DBHost            string
	DBPort            int
	DBUser            string
	DBPassword        string
	DBName            string
	DBSSLMode         string
	DBConnectAttempts int
	DBConnectDelay    time.Duration
	AutoMigrate       bool

	// OCPI configuration
	CountryCode     string
	PartyID         string
	Role            ocpi.Role
	CounterpartRole ocpi.Role
	BusinessName    string
	BusinessWebsite string
	PublicURL       string
	OCPIVersion     string
	VersionsFile    string
	OutboundTimeout time.Duration
	CommandTimeout  int

	// OCPP configuration
	HeartbeatInterval int
	OCPP16Transport   string
	OCPP16CommandURL  string
	OCPP201CommandURL string
	CallbackBaseURL   string
	GatewayAPIKey     string

	// Events
	NATSURL           string
	NATSSubjectPrefix string

	// Logging
	LogLevel string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Server configuration
	serverPort, err := strconv.Atoi(getEnv("SERVER_PORT", "8887"))
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_PORT: %v", err)
	}

	apiPort, err := strconv.Atoi(getEnv("API_PORT", "8888"))
	if err != nil {
		return nil, fmt.Errorf("invalid API_PORT: %v", err)
	}

	// Database configuration
	dbPort, err := strconv.Atoi(getEnv("DB_PORT", "5432"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_PORT: %v", err)
	}

	dbConnectAttempts, err := strconv.Atoi(getEnv("DB_CONNECT_ATTEMPTS", "10"))
	if err != nil || dbConnectAttempts < 1 {
		return nil, fmt.Errorf("invalid DB_CONNECT_ATTEMPTS: %q", getEnv("DB_CONNECT_ATTEMPTS", ""))
	}

	dbConnectDelay, err := time.ParseDuration(getEnv("DB_CONNECT_DELAY", "3s"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_CONNECT_DELAY: %v", err)
	}

	autoMigrate, err := strconv.ParseBool(getEnv("AUTO_MIGRATE", "true"))
	if err != nil {
		return nil, fmt.Errorf("invalid AUTO_MIGRATE: %v", err)
	}

	// OCPI configuration
	outboundTimeout, err := time.ParseDuration(getEnv("OUTBOUND_TIMEOUT", "10s"))
	if err != nil {
		return nil, fmt.Errorf("invalid OUTBOUND_TIMEOUT: %v", err)
	}

	commandTimeout, err := strconv.Atoi(getEnv("COMMAND_TIMEOUT", strconv.Itoa(ocpi.DefaultCommandTimeout)))
	if err != nil {
		return nil, fmt.Errorf("invalid COMMAND_TIMEOUT: %v", err)
	}

	// OCPP configuration
	heartbeatInterval, err := strconv.Atoi(getEnv("HEARTBEAT_INTERVAL", "600"))
	if err != nil {
		return nil, fmt.Errorf("invalid HEARTBEAT_INTERVAL: %v", err)
	}

	publicURL := strings.TrimRight(getEnv("OCPI_PUBLIC_URL", fmt.Sprintf("http://localhost:%d", apiPort)), "/")

	cfg := &Config{
		// Server configuration
		ServerPort: serverPort,
		APIPort:    apiPort,
		OCPPPath:   getEnv("OCPP_PATH", "/ocpp"),

		// Database configuration
		DBHost:            getEnv("DB_HOST", "localhost"),
		DBPort:            dbPort,
		DBUser:            getEnv("DB_USER", "postgres"),
		DBPassword:        getEnv("DB_PASSWORD", "postgres"),
		DBName:            getEnv("DB_NAME", "ocpi"),
		DBSSLMode:         getEnv("DB_SSL_MODE", "disable"),
		DBConnectAttempts: dbConnectAttempts,
		DBConnectDelay:    dbConnectDelay,
		AutoMigrate:       autoMigrate,

		// OCPI configuration
		CountryCode:     strings.ToUpper(getEnv("OCPI_COUNTRY_CODE", "DK")),
		PartyID:         strings.ToUpper(getEnv("OCPI_PARTY_ID", "CPO")),
		Role:            ocpi.Role(strings.ToUpper(getEnv("OCPI_ROLE", string(ocpi.RoleCPO)))),
		CounterpartRole: ocpi.Role(strings.ToUpper(getEnv("OCPI_COUNTERPART_ROLE", string(ocpi.RoleEMSP)))),
		BusinessName:    getEnv("OCPI_BUSINESS_NAME", "go-ocpi"),
		BusinessWebsite: getEnv("OCPI_BUSINESS_WEBSITE", ""),
		PublicURL:       publicURL,
		OCPIVersion:     getEnv("OCPI_VERSION", "2.2.1"),
		VersionsFile:    getEnv("OCPI_VERSIONS_FILE", ""),
		OutboundTimeout: outboundTimeout,
		CommandTimeout:  commandTimeout,

		// OCPP configuration
		HeartbeatInterval: heartbeatInterval,
		OCPP16Transport:   strings.ToLower(getEnv("OCPP16_TRANSPORT", TransportWebsocket)),
		OCPP16CommandURL:  getEnv("OCPP16_COMMAND_URL", ""),
		OCPP201CommandURL: getEnv("OCPP201_COMMAND_URL", ""),
		CallbackBaseURL:   strings.TrimRight(getEnv("CALLBACK_BASE_URL", publicURL), "/"),
		GatewayAPIKey:     getEnv("GATEWAY_API_KEY", ""),

		// Events
		NATSURL:           getEnv("NATS_URL", ""),
		NATSSubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "ocpi"),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the combinations that cannot be caught while parsing single values
func (c *Config) Validate() error {
	if err := c.Identity().Validate(); err != nil {
		return fmt.Errorf("invalid OCPI identity: %w", err)
	}
	if !c.CounterpartRole.Valid() {
		return fmt.Errorf("invalid OCPI_COUNTERPART_ROLE: %q", c.CounterpartRole)
	}
	switch c.OCPP16Transport {
	case TransportWebsocket:
	case TransportGateway:
		if c.OCPP16CommandURL == "" {
			return fmt.Errorf("OCPP16_COMMAND_URL is required when OCPP16_TRANSPORT=%s", TransportGateway)
		}
	default:
		return fmt.Errorf("invalid OCPP16_TRANSPORT: %q", c.OCPP16Transport)
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("invalid COMMAND_TIMEOUT: %d", c.CommandTimeout)
	}
	return nil
}

// Identity returns the party identity this node acts as
func (c *Config) Identity() ocpi.PartyIdentity {
	return ocpi.PartyIdentity{
		CountryCode: c.CountryCode,
		PartyID:     c.PartyID,
		Role:        c.Role,
	}
}

// GetDSN returns the PostgreSQL connection string
func (c *Config) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode,
	)
}

// SetupLogger configures the global logger
func (c *Config) SetupLogger() {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

// Helper function to get environment variables with fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}
