package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the static per-deployment configuration. Strategy parameters
// live in the hot-reloadable params file instead (see DynamicConfig).
type Config struct {
	Exchange struct {
		Symbol         string `yaml:"symbol"`
		QuoteAsset     string `yaml:"quote_asset"`
		RESTEndpoint   string `yaml:"rest_endpoint"`
		WSEndpoint     string `yaml:"ws_endpoint"`
		PricePrecision int    `yaml:"price_precision"`
		QtyPrecision   int    `yaml:"qty_precision"`
		DryRun         bool   `yaml:"dry_run"`
	} `yaml:"exchange"`

	Paths struct {
		StateFile  string `yaml:"state_file"`
		TradesDB   string `yaml:"trades_db"`
		ParamsFile string `yaml:"params_file"`
	} `yaml:"paths"`

	Intervals struct {
		ReconcileSec    int `yaml:"reconcile_sec"`
		ConfigReloadSec int `yaml:"config_reload_sec"`
	} `yaml:"intervals"`

	Capital struct {
		// Fraction of the wallet balance used to seed working capital when
		// no snapshot exists.
		Fraction float64 `yaml:"fraction"`
	} `yaml:"capital"`

	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`

	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`

	// Populated from the environment, never from yaml.
	APIKey    string `yaml:"-"`
	APISecret string `yaml:"-"`
}

// Load reads the yaml config and pulls API credentials from the environment
// (a .env file is honored when present).
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	_ = godotenv.Load()
	cfg.APIKey = os.Getenv("BINANCE_API_KEY")
	cfg.APISecret = os.Getenv("BINANCE_API_SECRET")

	cfg.applyDefaults()

	if !cfg.Exchange.DryRun && (cfg.APIKey == "" || cfg.APISecret == "") {
		return nil, fmt.Errorf("BINANCE_API_KEY/BINANCE_API_SECRET not configured")
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Exchange.Symbol == "" {
		c.Exchange.Symbol = "BTCUSDC"
	}
	if c.Exchange.QuoteAsset == "" {
		c.Exchange.QuoteAsset = "USDC"
	}
	if c.Exchange.PricePrecision == 0 {
		c.Exchange.PricePrecision = 1
	}
	if c.Exchange.QtyPrecision == 0 {
		c.Exchange.QtyPrecision = 3
	}
	if c.Paths.StateFile == "" {
		c.Paths.StateFile = "state/state.json"
	}
	if c.Paths.TradesDB == "" {
		c.Paths.TradesDB = "trades.db"
	}
	if c.Paths.ParamsFile == "" {
		c.Paths.ParamsFile = "config/params.txt"
	}
	if c.Intervals.ReconcileSec == 0 {
		c.Intervals.ReconcileSec = 30
	}
	if c.Intervals.ConfigReloadSec == 0 {
		c.Intervals.ConfigReloadSec = 60
	}
	if c.Capital.Fraction == 0 {
		c.Capital.Fraction = 0.4
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.File == "" {
		c.Logging.File = "bot.log"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
}
