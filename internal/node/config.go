package node

import (
	"fmt"
	"time"

	"bidmesh.com/internal/dispatch"
	"bidmesh.com/internal/inbound"
	"bidmesh.com/internal/transport"
	"bidmesh.com/internal/validator"
	"bidmesh.com/pkg/config"
	"bidmesh.com/pkg/orm"
	"bidmesh.com/pkg/trace"
	"bidmesh.com/pkg/xredis"
)

const ServiceName = "market-node"

type Config struct {
	Name    string `mapstructure:"name"`
	DataDir string `mapstructure:"data_dir"`

	Log struct {
		Level string `mapstructure:"level"`
		File  string `mapstructure:"file"`
	} `mapstructure:"log"`

	Identity struct {
		KeyFile string `mapstructure:"key_file"`
		KeyHex  string `mapstructure:"key_hex"`
	} `mapstructure:"identity"`

	Store StoreConfig `mapstructure:"store"`

	// Redis 为空则不连；listing 用 redis 或要选主跑 sweeper 时需要
	Redis *xredis.Config `mapstructure:"redis"`

	Listing ListingConfig `mapstructure:"listing"`

	Custody CustodyConfig `mapstructure:"custody"`

	Nats transport.NatsConfig `mapstructure:"nats"`

	Dispatch dispatch.Config `mapstructure:"dispatch"`
	Outbox   OutboxConfig    `mapstructure:"outbox"`
	Inbound  inbound.Config  `mapstructure:"inbound"`

	Policy struct {
		Signers []validator.SignerRule `mapstructure:"signers"`
	} `mapstructure:"policy"`

	Notify struct {
		Nats bool `mapstructure:"nats"`
	} `mapstructure:"notify"`

	Sweep struct {
		Interval time.Duration `mapstructure:"interval"`
		LockTTL  time.Duration `mapstructure:"lock_ttl"`
	} `mapstructure:"sweep"`

	Shards ShardConfig `mapstructure:"shards"`

	Trace trace.Config `mapstructure:"trace"`

	Metrics struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"metrics"`
}

type StoreConfig struct {
	// mem | journal | sqlite | mysql
	Driver string     `mapstructure:"driver"`
	Path   string     `mapstructure:"path"`
	MySQL  orm.Config `mapstructure:"mysql"`
}

type ListingConfig struct {
	// mem | redis
	Backend string        `mapstructure:"backend"`
	Prefix  string        `mapstructure:"prefix"`
	Seed    []ListingSeed `mapstructure:"seed"`
}

// CustodyConfig picks the custody ledger. Both parties of an order must
// reach the same ledger, otherwise the seller cannot refund what the buyer
// locked; mem only works inside one process.
type CustodyConfig struct {
	// mem | redis，配了 redis 时默认 redis
	Backend string `mapstructure:"backend"`
	Prefix  string `mapstructure:"prefix"`
}

// ListingSeed is a listing published at startup.
type ListingSeed struct {
	Hash     string `mapstructure:"hash"`
	Seller   string `mapstructure:"seller"`
	Price    string `mapstructure:"price"`
	Currency string `mapstructure:"currency"`
	Escrow   string `mapstructure:"escrow"`
	Closed   bool   `mapstructure:"closed"`
}

type OutboxConfig struct {
	Enabled   bool                     `mapstructure:"enabled"`
	Publisher dispatch.PublisherConfig `mapstructure:"publisher"`
}

// Load reads config/market-node.yaml, or path when given.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := config.LoadFile(ServiceName, path, cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) withDefaults() {
	if c.Name == "" {
		c.Name = ServiceName
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "mem"
	}
	if c.Listing.Backend == "" {
		c.Listing.Backend = "mem"
	}
	if c.Custody.Backend == "" {
		c.Custody.Backend = "mem"
		if c.redisEnabled() {
			c.Custody.Backend = "redis"
		}
	}
	if c.Sweep.Interval <= 0 {
		c.Sweep.Interval = 30 * time.Second
	}
	if c.Sweep.LockTTL <= 0 {
		c.Sweep.LockTTL = 3 * c.Sweep.Interval
	}
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "mem", "journal", "sqlite":
	case "mysql":
		if c.Store.MySQL.DSN == "" {
			return fmt.Errorf("store.mysql.dsn is required for the mysql driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Listing.Backend {
	case "mem":
	case "redis":
		if !c.redisEnabled() {
			return fmt.Errorf("listing backend redis needs redis.addr")
		}
	default:
		return fmt.Errorf("unknown listing backend %q", c.Listing.Backend)
	}
	switch c.Custody.Backend {
	case "mem":
	case "redis":
		if !c.redisEnabled() {
			return fmt.Errorf("custody backend redis needs redis.addr")
		}
	default:
		return fmt.Errorf("unknown custody backend %q", c.Custody.Backend)
	}
	if c.Identity.KeyFile == "" && c.Identity.KeyHex == "" {
		return fmt.Errorf("identity.key_file or identity.key_hex is required")
	}
	return nil
}

func (c *Config) redisEnabled() bool { return c.Redis != nil && c.Redis.Addr != "" }
