package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application. Environment
// variables are read here and nowhere else.
type Config struct {
	Env string // development, staging, production

	// Strategy parameters
	Strategy StrategyConfig

	// Dispatcher tuning
	Dispatcher DispatcherConfig

	// Order tracking and persistence
	Orders OrdersConfig

	// Broker endpoints
	Broker BrokerConfig

	// Database (used only when Orders.Store == "postgres")
	Database DatabaseConfig

	// Status API
	API APIConfig

	// Logging
	LogLevel  string
	LogFormat string
}

// StrategyConfig holds the Survivor strategy parameters.
type StrategyConfig struct {
	SymbolInitials string  // option series, e.g. NIFTY25807
	IndexSymbol    string  // underlying, e.g. NSE:NIFTY 50
	Exchange       string  // NFO
	ExpirySelector string  // weekly or monthly
	CEGap          int64   // points above spot for CE strike
	PEGap          int64   // points below spot for PE strike
	CEQuantity     int
	PEQuantity     int
	MinPriceToSell float64 // exit when leg premium decays to this
	StopLossPrice  float64 // hard per-leg stop, 0 disables
	LotSize        int
	ExitPriority   string // CE_FIRST or PE_FIRST when both trigger on one tick
	SquareOffCron  string // cron spec for end-of-window forced exit
}

// DispatcherConfig tunes tick routing.
type DispatcherConfig struct {
	BufferCapacity  int           // per-instrument buffer; overflow drops oldest
	StalenessWindow time.Duration // late ticks older than this are dropped
	ReorderDepth    int           // held out-of-order ticks per instrument
}

// OrdersConfig selects and locates the order store.
type OrdersConfig struct {
	Store           string // file or postgres
	DataDir         string // file store root
	MaxRetries      int
	RetryDelay      time.Duration
	PollInterval    time.Duration // broker status poll cadence for open orders
	ShutdownTimeout time.Duration
}

// BrokerConfig holds broker endpoints and credentials.
type BrokerConfig struct {
	Name           string // paper or rest
	BaseURL        string // REST API root
	WSURL          string
	InstrumentsURL string // instrument master dump
	APIKey         string
	APISecret      string
	RatePerSecond  float64 // REST rate limit
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	URL             string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// APIConfig holds the status dashboard server settings.
type APIConfig struct {
	Enabled bool
	Port    string
}

// Load reads configuration from environment variables. Only this
// function calls os.Getenv. An explicit env file path, when given,
// wins over the default .env search.
func Load(envFiles ...string) (*Config, error) {
	loadEnvFile(envFiles)

	cfg := &Config{
		Env: getEnv("ENV", "development"),

		Strategy: StrategyConfig{
			SymbolInitials: getEnv("SYMBOL_INITIALS", "NIFTY25807"),
			IndexSymbol:    getEnv("INDEX_SYMBOL", "NSE:NIFTY 50"),
			Exchange:       getEnv("EXCHANGE", "NFO"),
			ExpirySelector: getEnv("EXPIRY_SELECTOR", "weekly"),
			CEGap:          int64(getEnvAsInt("CE_GAP", 200)),
			PEGap:          int64(getEnvAsInt("PE_GAP", 200)),
			CEQuantity:     getEnvAsInt("CE_QUANTITY", 75),
			PEQuantity:     getEnvAsInt("PE_QUANTITY", 75),
			MinPriceToSell: getEnvAsFloat("MIN_PRICE_TO_SELL", 15),
			StopLossPrice:  getEnvAsFloat("STOP_LOSS_PRICE", 0),
			LotSize:        getEnvAsInt("LOT_SIZE", 75),
			ExitPriority:   getEnv("EXIT_PRIORITY", "CE_FIRST"),
			SquareOffCron:  getEnv("SQUARE_OFF_CRON", "0 25 15 * * 1-5"),
		},

		Dispatcher: DispatcherConfig{
			BufferCapacity:  getEnvAsInt("TICK_BUFFER_CAPACITY", 64),
			StalenessWindow: getEnvAsDuration("TICK_STALENESS_WINDOW", "2s"),
			ReorderDepth:    getEnvAsInt("TICK_REORDER_DEPTH", 8),
		},

		Orders: OrdersConfig{
			Store:           getEnv("ORDER_STORE", "file"),
			DataDir:         getEnv("ORDER_DATA_DIR", "artifacts"),
			MaxRetries:      getEnvAsInt("ORDER_MAX_RETRIES", 3),
			RetryDelay:      getEnvAsDuration("ORDER_RETRY_DELAY", "500ms"),
			PollInterval:    getEnvAsDuration("ORDER_POLL_INTERVAL", "1s"),
			ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", "15s"),
		},

		Broker: BrokerConfig{
			Name:           getEnv("BROKER", "paper"),
			BaseURL:        getEnv("BROKER_BASE_URL", ""),
			WSURL:          getEnv("BROKER_WS_URL", ""),
			InstrumentsURL: getEnv("BROKER_INSTRUMENTS_URL", ""),
			APIKey:         getEnv("BROKER_API_KEY", ""),
			APISecret:      getEnv("BROKER_API_SECRET", ""),
			RatePerSecond:  getEnvAsFloat("BROKER_RATE_PER_SECOND", 3),
		},

		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			MaxConns:        getEnvAsInt("DB_MAX_CONNS", 10),
			MinConns:        getEnvAsInt("DB_MIN_CONNS", 2),
			MaxConnLifetime: getEnvAsDuration("DB_MAX_CONN_LIFETIME", "1h"),
			MaxConnIdleTime: getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", "30m"),
		},

		API: APIConfig{
			Enabled: getEnvAsBool("API_ENABLED", true),
			Port:    getEnv("API_PORT", "8089"),
		},

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks for invalid parameter combinations. Runs before any
// subscription or order activity begins.
func (c *Config) Validate() error {
	if c.Env != "development" && c.Env != "staging" && c.Env != "production" {
		return fmt.Errorf("ENV must be one of: development, staging, production")
	}

	s := c.Strategy
	if len(s.SymbolInitials) < 9 {
		return fmt.Errorf("SYMBOL_INITIALS %q too short: series identifiers are at least 9 characters", s.SymbolInitials)
	}
	if s.CEGap <= 0 || s.PEGap <= 0 {
		return fmt.Errorf("CE_GAP and PE_GAP must be positive")
	}
	if s.CEQuantity <= 0 || s.PEQuantity <= 0 {
		return fmt.Errorf("CE_QUANTITY and PE_QUANTITY must be positive")
	}
	if s.LotSize > 0 && (s.CEQuantity%s.LotSize != 0 || s.PEQuantity%s.LotSize != 0) {
		return fmt.Errorf("quantities must be multiples of LOT_SIZE %d", s.LotSize)
	}
	if s.MinPriceToSell < 0 {
		return fmt.Errorf("MIN_PRICE_TO_SELL must not be negative")
	}
	if s.StopLossPrice > 0 && s.StopLossPrice <= s.MinPriceToSell {
		return fmt.Errorf("STOP_LOSS_PRICE %v must be above MIN_PRICE_TO_SELL %v", s.StopLossPrice, s.MinPriceToSell)
	}
	if s.ExitPriority != "CE_FIRST" && s.ExitPriority != "PE_FIRST" {
		return fmt.Errorf("EXIT_PRIORITY must be CE_FIRST or PE_FIRST")
	}

	if c.Dispatcher.BufferCapacity <= 0 {
		return fmt.Errorf("TICK_BUFFER_CAPACITY must be positive")
	}
	if c.Dispatcher.StalenessWindow <= 0 {
		return fmt.Errorf("TICK_STALENESS_WINDOW must be positive")
	}

	switch c.Orders.Store {
	case "file", "postgres":
	default:
		return fmt.Errorf("ORDER_STORE must be file or postgres, got %q", c.Orders.Store)
	}
	if c.Orders.Store == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required when ORDER_STORE=postgres")
	}

	return nil
}

// IsDefault reports whether the tunable strategy parameters are all
// still at their shipped defaults. Running live with untouched defaults
// requires explicit operator confirmation.
func (c *Config) IsDefault() bool {
	s := c.Strategy
	return s.SymbolInitials == "NIFTY25807" &&
		s.CEGap == 200 && s.PEGap == 200 &&
		s.CEQuantity == 75 && s.PEQuantity == 75 &&
		s.MinPriceToSell == 15
}

// loadEnvFile tries the explicit files first, then .env from the
// usual locations.
func loadEnvFile(explicit []string) {
	paths := append([]string{}, explicit...)
	paths = append(paths, ".env")

	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		paths = append(paths,
			filepath.Join(exeDir, ".env"),
			filepath.Join(exeDir, "..", ".env"),
		)
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			return
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
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
		return defaultValue
	}

	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}

	duration, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ = time.ParseDuration(defaultValue)
	}

	return duration
}
