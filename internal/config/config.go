package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds the application configuration
type Config struct {
	// Index settings
	IndexPath string
	LogLevel  string
	HTTPAddr  string

	// Sync behavior
	SyncWindowDays   int
	FetchRecentCount int

	// Remote classifier/embedding/generation endpoint
	LLMEndpoint string
	LLMAPIKey   string

	// Outbound notification sinks
	WebhookURLs []string

	// Accounts
	Accounts []AccountConfig
}

// AccountConfig holds configuration for a single mail account
type AccountConfig struct {
	Name string

	IMAPHost     string
	IMAPPort     int
	IMAPUsername string
	IMAPPassword string
	TLS          bool

	// Mailboxes to watch; the first one is held in live-notification mode
	Mailboxes []string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		IndexPath:        getEnv("INDEX_PATH", "/data/mailpipe_index.db"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		HTTPAddr:         getEnv("HTTP_ADDR", ":8080"),
		SyncWindowDays:   getEnvInt("SYNC_WINDOW_DAYS", 30),
		FetchRecentCount: getEnvInt("FETCH_RECENT_COUNT", 10),
		LLMEndpoint:      getEnv("LLM_ENDPOINT", ""),
		LLMAPIKey:        getEnv("LLM_API_KEY", ""),
		WebhookURLs:      splitList(getEnv("WEBHOOK_URLS", "")),
	}

	accounts, err := loadAccounts()
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}

	if len(accounts) == 0 {
		return nil, fmt.Errorf("no mail accounts configured")
	}

	cfg.Accounts = accounts
	return cfg, nil
}

// loadAccounts loads mail account configurations from environment variables
func loadAccounts() ([]AccountConfig, error) {
	var accounts []AccountConfig

	// First, try single account configuration
	if getEnv("IMAP_HOST", "") != "" {
		account, err := loadAccount("", getEnv("ACCOUNT_NAME", "default"))
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *account)
		return accounts, nil
	}

	// Load multiple accounts (ACCOUNT_1_*, ACCOUNT_2_*, etc.)
	accountNum := 1
	for {
		prefix := fmt.Sprintf("ACCOUNT_%d_", accountNum)
		name := getEnv(prefix+"NAME", "")
		if name == "" {
			break // No more accounts
		}
		account, err := loadAccount(prefix, name)
		if err != nil {
			return nil, fmt.Errorf("account %d: %w", accountNum, err)
		}
		accounts = append(accounts, *account)
		accountNum++
	}

	if len(accounts) == 0 {
		return nil, fmt.Errorf("no accounts found in environment variables")
	}

	return accounts, nil
}

// loadAccount loads one account using the given env var prefix
func loadAccount(prefix, name string) (*AccountConfig, error) {
	host := getEnv(prefix+"IMAP_HOST", "")
	port := getEnvInt(prefix+"IMAP_PORT", 993)
	username := getEnv(prefix+"IMAP_USERNAME", "")
	password := getEnv(prefix+"IMAP_PASSWORD", "")
	tls := getEnvBool(prefix+"IMAP_TLS", true)
	mailboxes := splitList(getEnv(prefix+"IMAP_MAILBOXES", "INBOX"))

	if host == "" {
		return nil, fmt.Errorf("IMAP_HOST is required")
	}
	if username == "" {
		return nil, fmt.Errorf("IMAP_USERNAME is required")
	}
	if password == "" {
		return nil, fmt.Errorf("IMAP_PASSWORD is required")
	}
	if len(mailboxes) == 0 {
		mailboxes = []string{"INBOX"}
	}

	return &AccountConfig{
		Name:         name,
		IMAPHost:     host,
		IMAPPort:     port,
		IMAPUsername: username,
		IMAPPassword: password,
		TLS:          tls,
		Mailboxes:    mailboxes,
	}, nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as an integer or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool gets an environment variable as a boolean or returns a default value
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// splitList splits a comma-separated env value into trimmed entries
func splitList(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// GetAccountByName finds an account by name
func (c *Config) GetAccountByName(name string) (*AccountConfig, error) {
	for i := range c.Accounts {
		if c.Accounts[i].Name == name {
			return &c.Accounts[i], nil
		}
	}
	return nil, fmt.Errorf("account not found: %s", name)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.IndexPath == "" {
		return fmt.Errorf("INDEX_PATH is required")
	}

	if c.SyncWindowDays < 1 || c.SyncWindowDays > 365 {
		return fmt.Errorf("SYNC_WINDOW_DAYS must be between 1 and 365")
	}

	if c.FetchRecentCount < 1 || c.FetchRecentCount > 100 {
		return fmt.Errorf("FETCH_RECENT_COUNT must be between 1 and 100")
	}

	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account must be configured")
	}

	seen := make(map[string]bool)
	for i := range c.Accounts {
		acc := &c.Accounts[i]
		if seen[acc.Name] {
			return fmt.Errorf("duplicate account name: %s", acc.Name)
		}
		seen[acc.Name] = true
		if acc.IMAPHost == "" {
			return fmt.Errorf("account %s: IMAP_HOST is required", acc.Name)
		}
		if acc.IMAPPort < 1 || acc.IMAPPort > 65535 {
			return fmt.Errorf("account %s: invalid IMAP_PORT", acc.Name)
		}
		if len(acc.Mailboxes) == 0 {
			return fmt.Errorf("account %s: at least one mailbox is required", acc.Name)
		}
	}

	return nil
}

// AccountNames returns a list of all account names
func (c *Config) AccountNames() []string {
	names := make([]string, len(c.Accounts))
	for i := range c.Accounts {
		names[i] = c.Accounts[i].Name
	}
	return names
}
