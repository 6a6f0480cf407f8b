package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"ticketgate/internal/models"
)

type Config struct {
	Server struct {
		Addr        string   `yaml:"addr"`
		CORSOrigins []string `yaml:"cors_origins"`
	} `yaml:"server"`
	DB struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"db"`
	Log struct {
		Level       string `yaml:"level"`
		Encoding    string `yaml:"encoding"`
		Service     string `yaml:"service"`
		Environment string `yaml:"environment"`
	} `yaml:"log"`
	Chain struct {
		RPCEndpoints         []string `yaml:"rpc_endpoints"`
		WSEndpoint           string   `yaml:"ws_endpoint"`
		RPCFailoverThreshold int      `yaml:"rpc_failover_threshold"`
		ReceiptPollMS        int64    `yaml:"receipt_poll_ms"`
	} `yaml:"chain"`
	Treasury struct {
		Address    string `yaml:"address"`
		PrivateKey string `yaml:"private_key"`
	} `yaml:"treasury"`
	Tokens struct {
		Pay        []models.Token `yaml:"pay"`
		Ticket     models.Token   `yaml:"ticket"`
		Settlement models.Token   `yaml:"settlement"`
	} `yaml:"tokens"`
	Dungeon struct {
		ID       string `yaml:"id"`
		Contract string `yaml:"contract"`
	} `yaml:"dungeon"`
	Quote struct {
		BaseURL   string `yaml:"base_url"`
		TimeoutMS int64  `yaml:"timeout_ms"`
	} `yaml:"quote"`
	Orders struct {
		QuoteTTLSeconds int64 `yaml:"quote_ttl_seconds"`
		FeeBps          int64 `yaml:"fee_bps"`
	} `yaml:"orders"`
	Worker struct {
		PollIntervalMS         int64 `yaml:"poll_interval_ms"`
		ConfirmTimeoutMS       int64 `yaml:"confirm_timeout_ms"`
		RestockCheckIntervalMS int64 `yaml:"restock_check_interval_ms"`
	} `yaml:"worker"`
	Reserve struct {
		Target   int64   `yaml:"target"`
		Minimum  int64   `yaml:"minimum"`
		Slippage float64 `yaml:"slippage"`
	} `yaml:"reserve"`
}

const DefaultQuoteBaseURL = "https://quotes.example-aggregator.io"

// Load reads the YAML file (optional), then .env, then environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	cfg := defaults()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}

	_ = godotenv.Load()
	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	var cfg Config
	cfg.Server.Addr = ":8080"
	cfg.Server.CORSOrigins = []string{"*"}
	cfg.DB.Driver = "postgres"
	cfg.Log.Level = "info"
	cfg.Log.Encoding = "json"
	cfg.Log.Service = "ticketgate"
	cfg.Log.Environment = "local"
	cfg.Chain.RPCFailoverThreshold = 3
	cfg.Chain.ReceiptPollMS = 2000
	cfg.Tokens.Settlement.Symbol = "LORDS"
	cfg.Tokens.Settlement.Decimals = 18
	cfg.Tokens.Ticket.Symbol = "TICKET"
	cfg.Tokens.Ticket.Decimals = 18
	cfg.Dungeon.ID = "1"
	cfg.Quote.BaseURL = DefaultQuoteBaseURL
	cfg.Quote.TimeoutMS = 10000
	cfg.Orders.QuoteTTLSeconds = 300
	cfg.Orders.FeeBps = 300
	cfg.Worker.PollIntervalMS = 2000
	cfg.Worker.ConfirmTimeoutMS = 180000
	cfg.Worker.RestockCheckIntervalMS = 60000
	cfg.Reserve.Target = 50
	cfg.Reserve.Minimum = 5
	cfg.Reserve.Slippage = 0.05
	return &cfg
}

func (c *Config) validate() error {
	switch c.DB.Driver {
	case "postgres":
		if c.DB.DSN == "" {
			return errors.New("db.dsn is required")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported db.driver %q", c.DB.Driver)
	}
	if len(c.Chain.RPCEndpoints) == 0 {
		return errors.New("chain.rpc_endpoints is required")
	}
	if !common.IsHexAddress(c.Treasury.Address) {
		return errors.New("treasury.address must be a hex address")
	}
	if len(c.Tokens.Pay) == 0 {
		return errors.New("tokens.pay is required")
	}
	for _, tok := range append([]models.Token{c.Tokens.Ticket, c.Tokens.Settlement}, c.Tokens.Pay...) {
		if tok.Symbol == "" || !common.IsHexAddress(tok.Address) {
			return fmt.Errorf("token %q needs a symbol and a hex address", tok.Symbol)
		}
		if tok.Decimals < 0 || tok.Decimals > 36 {
			return fmt.Errorf("token %s has invalid decimals %d", tok.Symbol, tok.Decimals)
		}
	}
	if !common.IsHexAddress(c.Dungeon.Contract) {
		return errors.New("dungeon.contract must be a hex address")
	}
	if c.Orders.FeeBps < 0 || c.Orders.FeeBps > 10000 {
		return errors.New("orders.fee_bps must be within [0,10000]")
	}
	if c.Orders.QuoteTTLSeconds <= 0 {
		return errors.New("orders.quote_ttl_seconds must be positive")
	}
	if c.Reserve.Minimum < 0 || c.Reserve.Minimum >= c.Reserve.Target {
		return errors.New("reserve.minimum must be below reserve.target")
	}
	if c.Reserve.Slippage <= 0 || c.Reserve.Slippage >= 1 {
		return errors.New("reserve.slippage must be within (0,1)")
	}
	if c.Worker.PollIntervalMS <= 0 {
		c.Worker.PollIntervalMS = 2000
	}
	if c.Worker.RestockCheckIntervalMS <= 0 {
		c.Worker.RestockCheckIntervalMS = 60000
	}
	return nil
}

// SellableTokens lists the pay tokens the treasury may swap into the settlement token.
func (c *Config) SellableTokens() []models.Token {
	out := make([]models.Token, 0, len(c.Tokens.Pay))
	for _, tok := range c.Tokens.Pay {
		if strings.EqualFold(tok.Symbol, c.Tokens.Settlement.Symbol) {
			continue
		}
		out = append(out, tok)
	}
	return out
}

func (c *Config) QuoteTTL() time.Duration {
	return time.Duration(c.Orders.QuoteTTLSeconds) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Worker.PollIntervalMS) * time.Millisecond
}

func (c *Config) ConfirmTimeout() time.Duration {
	return time.Duration(c.Worker.ConfirmTimeoutMS) * time.Millisecond
}

func (c *Config) RestockCheckInterval() time.Duration {
	return time.Duration(c.Worker.RestockCheckIntervalMS) * time.Millisecond
}

func (c *Config) ReceiptPollInterval() time.Duration {
	return time.Duration(c.Chain.ReceiptPollMS) * time.Millisecond
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Addr = ":" + strings.TrimPrefix(v, ":")
	}
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("CORS_ORIGIN"); v != "" {
		cfg.Server.CORSOrigins = splitCommaList(v)
	}
	if v := os.Getenv("DB_DRIVER"); v != "" {
		cfg.DB.Driver = v
	}
	if v := os.Getenv("STORAGE_PATH"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_ENCODING"); v != "" {
		cfg.Log.Encoding = v
	}
	if v := os.Getenv("RPC_URL"); v != "" {
		cfg.Chain.RPCEndpoints = splitCommaList(v)
	}
	if v := os.Getenv("WS_URL"); v != "" {
		cfg.Chain.WSEndpoint = v
	}
	if v := os.Getenv("RPC_FAILOVER_THRESHOLD"); v != "" {
		cfg.Chain.RPCFailoverThreshold = atoiOr(cfg.Chain.RPCFailoverThreshold, v)
	}
	if v := os.Getenv("TREASURY_ADDRESS"); v != "" {
		cfg.Treasury.Address = v
	}
	if v := os.Getenv("TREASURY_PRIVATE_KEY"); v != "" {
		cfg.Treasury.PrivateKey = v
	}
	if v := os.Getenv("QUOTE_API_URL"); v != "" {
		cfg.Quote.BaseURL = v
	}
	if v := os.Getenv("ORDER_QUOTE_TTL_SECONDS"); v != "" {
		cfg.Orders.QuoteTTLSeconds = atoi64Or(cfg.Orders.QuoteTTLSeconds, v)
	}
	if v := os.Getenv("FEE_BPS"); v != "" {
		cfg.Orders.FeeBps = atoi64Or(cfg.Orders.FeeBps, v)
	}
	if v := os.Getenv("WORKER_POLL_INTERVAL_MS"); v != "" {
		cfg.Worker.PollIntervalMS = atoi64Or(cfg.Worker.PollIntervalMS, v)
	}
	if v := os.Getenv("FULFILL_CONFIRM_TIMEOUT_MS"); v != "" {
		cfg.Worker.ConfirmTimeoutMS = atoi64Or(cfg.Worker.ConfirmTimeoutMS, v)
	}
	if v := os.Getenv("RESTOCK_CHECK_INTERVAL_MS"); v != "" {
		cfg.Worker.RestockCheckIntervalMS = atoi64Or(cfg.Worker.RestockCheckIntervalMS, v)
	}
	if v := os.Getenv("TICKET_RESERVE_TARGET"); v != "" {
		cfg.Reserve.Target = atoi64Or(cfg.Reserve.Target, v)
	}
	if v := os.Getenv("TICKET_RESERVE_MINIMUM"); v != "" {
		cfg.Reserve.Minimum = atoi64Or(cfg.Reserve.Minimum, v)
	}
	if v := os.Getenv("RESTOCK_SLIPPAGE"); v != "" {
		cfg.Reserve.Slippage = atofOr(cfg.Reserve.Slippage, v)
	}
}

func splitCommaList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func atoiOr(fallback int, v string) int {
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func atoi64Or(fallback int64, v string) int64 {
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func atofOr(fallback float64, v string) float64 {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
