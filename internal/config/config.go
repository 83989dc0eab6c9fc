package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DataDir          string        // Directory to store client data (account key, certificate keys, downloaded chains)
	DirectoryURL     string        // ACME server directory URL
	ContactEmail     string        // Contact email registered with the ACME account
	TermsAgreed      bool          // Whether the operator agrees to the CA's terms of service
	OnlyExisting     bool          // Only look up an existing account, never create one
	AccountKeyFile   string        // Path to the ACME account private key (PEM)
	CertKeyBits      int           // RSA key size for certificate keys
	MaxRetries       int           // Retry budget for badNonce/transient server errors
	PollInterval     time.Duration // Delay between order/authorization polls
	PollTimeout      time.Duration // Overall deadline for driving one order to completion
	StorageType      string        // Storage type for the request queue: "postgres"
	DBHost           string        // PostgreSQL host
	DBUser           string        // PostgreSQL user
	DBPassword       string        // PostgreSQL password
	DBName           string        // PostgreSQL database name
	DBPort           int           // PostgreSQL port
	DBSSLMode        string        // PostgreSQL SSL mode
	APIKeys          map[string]APIKey
	HTTPAddress      string // Address for the HTTP instance (http-01 challenge responder)
	ManagementAddr   string // Address for the management API
	ExternalHostname string // Hostname this client answers http-01 challenges for
}

// APIKey defines an API key and its associated roles.
type APIKey struct {
	Roles []string
}

const (
	defaultDataDir        = "./data"
	defaultDirectoryURL   = "https://acme-staging-v02.api.letsencrypt.org/directory"
	defaultAccountKeyFile = "./data/account.key"
	defaultCertKeyBits    = 2048
	defaultMaxRetries     = 5
	defaultPollInterval   = 2 * time.Second
	defaultPollTimeout    = 5 * time.Minute
	defaultStorageType    = "postgres"
	defaultDBHost         = "localhost"
	defaultDBUser         = "certforge"
	defaultDBPassword     = "password"
	defaultDBName         = "certforge"
	defaultDBPort         = 5432
	defaultDBSSLMode      = "disable"
	defaultHTTPAddress    = ":80"
	defaultManagementAddr = ":8443"
)

var defaultAPIKeys = map[string]APIKey{
	"requester-api-key": {Roles: []string{"requester"}},
	"admin-api-key":     {Roles: []string{"admin"}},
}

// LoadConfig loads the client configuration from environment variables or defaults.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DataDir:          getEnv("CERTFORGE_DATA_DIR", defaultDataDir),
		DirectoryURL:     getEnv("CERTFORGE_DIRECTORY_URL", defaultDirectoryURL),
		ContactEmail:     getEnv("CERTFORGE_CONTACT_EMAIL", ""),
		TermsAgreed:      getEnvAsBool("CERTFORGE_TOS_AGREED", true),
		OnlyExisting:     getEnvAsBool("CERTFORGE_ONLY_EXISTING_ACCOUNT", false),
		AccountKeyFile:   getEnv("CERTFORGE_ACCOUNT_KEY_FILE", defaultAccountKeyFile),
		CertKeyBits:      getEnvAsInt("CERTFORGE_CERT_KEY_BITS", defaultCertKeyBits),
		MaxRetries:       getEnvAsInt("CERTFORGE_MAX_RETRIES", defaultMaxRetries),
		PollInterval:     getEnvAsDuration("CERTFORGE_POLL_INTERVAL", defaultPollInterval),
		PollTimeout:      getEnvAsDuration("CERTFORGE_POLL_TIMEOUT", defaultPollTimeout),
		StorageType:      getEnv("CERTFORGE_STORAGE_TYPE", defaultStorageType),
		DBHost:           getEnv("CERTFORGE_DB_HOST", defaultDBHost),
		DBUser:           getEnv("CERTFORGE_DB_USER", defaultDBUser),
		DBPassword:       getEnv("CERTFORGE_DB_PASSWORD", defaultDBPassword),
		DBName:           getEnv("CERTFORGE_DB_NAME", defaultDBName),
		DBPort:           getEnvAsInt("CERTFORGE_DB_PORT", defaultDBPort),
		DBSSLMode:        getEnv("CERTFORGE_DB_SSLMODE", defaultDBSSLMode),
		APIKeys:          defaultAPIKeys,
		HTTPAddress:      getEnv("CERTFORGE_HTTP_ADDRESS", defaultHTTPAddress),
		ManagementAddr:   getEnv("CERTFORGE_MANAGEMENT_ADDRESS", defaultManagementAddr),
		ExternalHostname: getEnv("CERTFORGE_EXTERNAL_HOSTNAME", ""),
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("Warning: Invalid integer value for %s (%s), using default: %d", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		log.Printf("Warning: Invalid boolean value for %s (%s), using default: %t", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		log.Printf("Warning: Invalid duration value for %s (%s), using default: %s", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}
