// Package config loads service configuration from defaults, an optional
// YAML file, BOUNTYZK_ environment variables and command line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g.
// BOUNTYZK_REDIS_ADDR for redis.addr.
const EnvPrefix = "BOUNTYZK"

type Server struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	LogLevel        string        `mapstructure:"log_level"`
	LogFormat       string        `mapstructure:"log_format"`
}

type Prover struct {
	ProvingKey   string        `mapstructure:"proving_key"`
	VerifyingKey string        `mapstructure:"verifying_key"`
	Workers      int           `mapstructure:"workers"`
	Timeout      time.Duration `mapstructure:"timeout"`
	// DevSetup runs an in-process setup instead of loading key files.
	DevSetup bool `mapstructure:"dev_setup"`
}

type Redis struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
	// Memory selects the in-process index instead of Redis.
	Memory bool `mapstructure:"memory"`
}

type Embedding struct {
	Provider        string        `mapstructure:"provider"` // openai or ollama
	APIKey          string        `mapstructure:"api_key"`
	BaseURL         string        `mapstructure:"base_url"`
	Model           string        `mapstructure:"model"`
	ClassifierModel string        `mapstructure:"classifier_model"`
	Dimensions      int           `mapstructure:"dimensions"`
	Timeout         time.Duration `mapstructure:"timeout"`
	CacheSize       int           `mapstructure:"cache_size"`
}

type Dedup struct {
	TopK           int     `mapstructure:"top_k"`
	MinVectorScore float64 `mapstructure:"min_vector_score"`
	Threshold      float64 `mapstructure:"threshold"`
}

type Chain struct {
	RPCURL            string        `mapstructure:"rpc_url"`
	ContractAddress   string        `mapstructure:"contract_address"`
	ReputationAddress string        `mapstructure:"reputation_address"`
	PrivateKey        string        `mapstructure:"private_key"`
	ChainID           int64         `mapstructure:"chain_id"`
	GasLimit          uint64        `mapstructure:"gas_limit"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	ConfirmTimeout    time.Duration `mapstructure:"confirm_timeout"`
	MaxAttempts       uint64        `mapstructure:"max_attempts"`
}

type Seal struct {
	Identity   string   `mapstructure:"identity"`
	Recipients []string `mapstructure:"recipients"`
}

type Disclosure struct {
	Enabled   bool          `mapstructure:"enabled"`
	Window    time.Duration `mapstructure:"window"`
	ChainHash string        `mapstructure:"chain_hash"`
	Genesis   int64         `mapstructure:"genesis"`
	Period    int64         `mapstructure:"period"`
	Endpoints []string      `mapstructure:"endpoints"`
}

type Receipts struct {
	SigningKey string `mapstructure:"signing_key"`
}

type Index struct {
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	RetryWorkers  int           `mapstructure:"retry_workers"`
}

// Config is the full service configuration.
type Config struct {
	Server     Server     `mapstructure:"server"`
	Prover     Prover     `mapstructure:"prover"`
	Redis      Redis      `mapstructure:"redis"`
	Embedding  Embedding  `mapstructure:"embedding"`
	Dedup      Dedup      `mapstructure:"dedup"`
	Chain      Chain      `mapstructure:"chain"`
	Seal       Seal       `mapstructure:"seal"`
	Disclosure Disclosure `mapstructure:"disclosure"`
	Receipts   Receipts   `mapstructure:"receipts"`
	Index      Index      `mapstructure:"index"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "json")

	v.SetDefault("prover.proving_key", "keys/pk.bin")
	v.SetDefault("prover.verifying_key", "keys/vk.bin")
	v.SetDefault("prover.workers", 2)
	v.SetDefault("prover.timeout", 45*time.Second)
	v.SetDefault("prover.dev_setup", false)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "bugs")
	v.SetDefault("redis.memory", false)

	v.SetDefault("embedding.provider", "openai")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.classifier_model", "gpt-4o-mini")
	v.SetDefault("embedding.dimensions", 1536)
	v.SetDefault("embedding.timeout", 30*time.Second)
	v.SetDefault("embedding.cache_size", 1024)

	v.SetDefault("dedup.top_k", 3)
	v.SetDefault("dedup.min_vector_score", 0.0)
	v.SetDefault("dedup.threshold", 0.8)

	v.SetDefault("chain.chain_id", 1)
	v.SetDefault("chain.poll_interval", time.Second)
	v.SetDefault("chain.confirm_timeout", 2*time.Minute)
	v.SetDefault("chain.max_attempts", 5)

	v.SetDefault("disclosure.enabled", false)
	v.SetDefault("disclosure.window", 90*24*time.Hour)
	v.SetDefault("disclosure.chain_hash", "52db9ba70e0cc0f6eaf7803dd07447a1f5477735fd3f661792ba94600c84e971")
	v.SetDefault("disclosure.genesis", 1692803367)
	v.SetDefault("disclosure.period", 3)
	v.SetDefault("disclosure.endpoints", []string{"https://api.drand.sh", "https://drand.cloudflare.com"})

	v.SetDefault("index.retry_interval", 5*time.Second)
	v.SetDefault("index.retry_workers", 4)

	// Keys without a real default are still registered so that Unmarshal
	// sees their environment variables.
	for _, key := range []string{
		"redis.password", "embedding.api_key", "embedding.base_url",
		"chain.rpc_url", "chain.contract_address", "chain.reputation_address", "chain.private_key",
		"seal.identity", "receipts.signing_key",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("chain.gas_limit", 0)
	v.SetDefault("seal.recipients", []string{})
}

// Flags registers the command line overrides on fs.
func Flags(fs *pflag.FlagSet) {
	fs.StringP("config", "c", "", "path to a YAML config file")
	fs.String("addr", "", "HTTP listen address")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.Bool("dev-setup", false, "run an in-process trusted setup instead of loading keys")
	fs.Bool("memory-index", false, "use the in-memory similarity index")
}

var flagKeys = map[string]string{
	"addr":         "server.addr",
	"log-level":    "server.log_level",
	"dev-setup":    "prover.dev_setup",
	"memory-index": "redis.memory",
}

// Load resolves the configuration. fs may be nil.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
		if f := fs.Lookup("config"); f != nil && f.Value.String() != "" {
			v.SetConfigFile(f.Value.String())
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Validate rejects configuration the service cannot start with.
func (c *Config) Validate() error {
	var errs []error

	if c.Prover.Workers < 1 {
		errs = append(errs, errors.New("prover.workers must be at least 1"))
	}
	if c.Prover.Timeout <= 0 {
		errs = append(errs, errors.New("prover.timeout must be positive"))
	}
	if !c.Prover.DevSetup && (c.Prover.ProvingKey == "" || c.Prover.VerifyingKey == "") {
		errs = append(errs, errors.New("prover key paths are required unless prover.dev_setup is set"))
	}

	switch c.Embedding.Provider {
	case "openai":
		if c.Embedding.APIKey == "" {
			errs = append(errs, errors.New("embedding.api_key is required for the openai provider"))
		}
	case "ollama":
		if c.Embedding.BaseURL == "" {
			errs = append(errs, errors.New("embedding.base_url is required for the ollama provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown embedding.provider %q", c.Embedding.Provider))
	}
	if c.Embedding.Dimensions < 1 {
		errs = append(errs, errors.New("embedding.dimensions must be positive"))
	}

	if c.Dedup.TopK < 1 {
		errs = append(errs, errors.New("dedup.top_k must be at least 1"))
	}
	if c.Dedup.Threshold <= 0 || c.Dedup.Threshold > 1 {
		errs = append(errs, errors.New("dedup.threshold must be in (0, 1]"))
	}

	if c.Chain.RPCURL == "" {
		errs = append(errs, errors.New("chain.rpc_url is required"))
	}
	if !common.IsHexAddress(c.Chain.ContractAddress) {
		errs = append(errs, errors.New("chain.contract_address must be a hex address"))
	}
	if c.Chain.ReputationAddress != "" && !common.IsHexAddress(c.Chain.ReputationAddress) {
		errs = append(errs, errors.New("chain.reputation_address must be a hex address"))
	}
	if c.Chain.PrivateKey == "" {
		errs = append(errs, errors.New("chain.private_key is required"))
	}
	if c.Chain.ChainID <= 0 {
		errs = append(errs, errors.New("chain.chain_id must be positive"))
	}

	if c.Disclosure.Enabled && c.Disclosure.Window <= 0 {
		errs = append(errs, errors.New("disclosure.window must be positive"))
	}

	if c.Index.RetryWorkers < 1 {
		errs = append(errs, errors.New("index.retry_workers must be at least 1"))
	}

	return errors.Join(errs...)
}
