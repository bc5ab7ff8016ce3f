package zaptunnel

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/goccy/go-yaml"
	flags "github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnd/build"
)

var (
	zapTunnelDataDir       = btcutil.AppDataDir("zap-tunnel", false)
	defaultConfigFilename  = "zap-tunnel.yaml"
	defaultLogFilename     = "zap-tunnel.log"
	defaultLogLevel        = "info"
	defaultDBFileName      = "db.sqlite"
	defaultCertFile        = filepath.Join(btcutil.AppDataDir("lnd", false), "tls.cert")
	defaultMacaroonFile    = filepath.Join(
		btcutil.AppDataDir("lnd", false), "data", "chain", "bitcoin",
		"mainnet", "admin.macaroon",
	)

	defaultDBPath = filepath.Join(zapTunnelDataDir, defaultDBFileName)
)

const (
	defaultLndHost        = "127.0.0.1"
	defaultLndPort        = 10009
	defaultNetwork        = "bitcoin"
	defaultBind           = "0.0.0.0"
	defaultPort           = 3000
	defaultBaseFeeMsat    = 1000
	defaultFeeRatePercent = 1.0
)

// Config is every operator-facing configuration field for the proxy: the
// Nostr identity, the proxy's fee schedule, the lnd connection it brokers
// payments through, the network it validates uploaded invoices against,
// and the address it serves HTTP on.
type Config struct {
	// Nsec is the proxy's Nostr private key, hex or bech32 (nsec1...),
	// used to sign kind-9735 zap receipts.
	Nsec string `long:"nsec" description:"Nostr private key (hex or bech32 nsec) used to sign zap receipts" yaml:"nsec"`

	// BaseFeeMsat and FeeRatePercent make up the broker's fee formula:
	// total_fee_msat = floor(base_fee_msat + fee_rate_percent/100 * incoming_msat).
	BaseFeeMsat    int64   `long:"basefeemsat" description:"Flat fee, in msat, charged on every payment" yaml:"base_fee_msat"`
	FeeRatePercent float64 `long:"feeratepercent" description:"Percentage fee charged on every payment" yaml:"fee_rate_percent"`

	// LndHost/LndPort/CertFile/MacaroonFile locate the lnd node the proxy
	// brokers payments through.
	LndHost      string `long:"lndhost" description:"Hostname of the lnd node to connect to" yaml:"lnd_host"`
	LndPort      int    `long:"lndport" description:"gRPC port of the lnd node to connect to" yaml:"lnd_port"`
	CertFile     string `long:"certfile" description:"Path to lnd's TLS certificate" yaml:"cert_file"`
	MacaroonFile string `long:"macaroonfile" description:"Path to lnd's macaroon" yaml:"macaroon_file"`

	// Network is the chain lnd is connected to; it bounds which invoices
	// AddInvoices will accept.
	Network string `long:"network" description:"The network lnd is connected to" choice:"bitcoin" choice:"testnet" choice:"signet" choice:"regtest" yaml:"network"`

	// DBPath is the SQLite database file backing the store.
	DBPath string `long:"dbpath" description:"Path to the SQLite database file" yaml:"db_path"`

	// Bind/Port/PublicURL configure the HTTP listener and the host name
	// embedded in LNURL-pay callback URLs and identifiers.
	Bind      string `long:"bind" description:"Address to bind the HTTP server to" yaml:"bind"`
	Port      int    `long:"port" description:"Port to bind the HTTP server to" yaml:"port"`
	PublicURL string `long:"publicurl" description:"Public hostname this proxy is reachable at" yaml:"public_url"`

	// ConfigFile points to an alternative YAML config file.
	ConfigFile string `long:"configfile" description:"Path to a YAML config file" yaml:"-"`

	// DebugLevel sets the log level for the proxy and its subsystems,
	// either uniformly or per subsystem (e.g. "info,BROK=debug").
	DebugLevel string `long:"debuglevel" description:"Logging level for the proxy and its subsystems" yaml:"debug_level"`
}

// NewConfig returns a Config populated with every default value.
func NewConfig() *Config {
	return &Config{
		BaseFeeMsat:    defaultBaseFeeMsat,
		FeeRatePercent: defaultFeeRatePercent,
		LndHost:        defaultLndHost,
		LndPort:        defaultLndPort,
		CertFile:       defaultCertFile,
		MacaroonFile:   defaultMacaroonFile,
		Network:        defaultNetwork,
		DBPath:         defaultDBPath,
		Bind:           defaultBind,
		Port:           defaultPort,
		DebugLevel:     defaultLogLevel,
	}
}

// validate checks that every field required to start the proxy is present.
func (c *Config) validate() error {
	if c.Nsec == "" {
		return fmt.Errorf("nsec is required")
	}
	if c.LndHost == "" {
		return fmt.Errorf("lndhost is required")
	}
	if c.CertFile == "" {
		return fmt.Errorf("certfile is required")
	}
	if c.MacaroonFile == "" {
		return fmt.Errorf("macaroonfile is required")
	}
	if c.PublicURL == "" {
		return fmt.Errorf("publicurl is required")
	}
	if c.BaseFeeMsat < 0 {
		return fmt.Errorf("basefeemsat must not be negative")
	}
	if c.FeeRatePercent < 0 {
		return fmt.Errorf("feeratepercent must not be negative")
	}

	return nil
}

// ListenAddr is the address the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Bind, c.Port)
}

// LndAddr is the host:port lndclient dials.
func (c *Config) LndAddr() string {
	return fmt.Sprintf("%s:%d", c.LndHost, c.LndPort)
}

// LoadConfig parses command line flags, layering them over defaults and
// over whatever YAML config file is found, following the same two-pass
// shape lnd's own config loader uses: flags are parsed once to discover
// -configfile, the YAML file (if any) is loaded as a base, and flags are
// re-applied on top so the command line always wins.
func LoadConfig() (*Config, error) {
	cfg := NewConfig()

	preCfg := *cfg
	if _, err := flags.NewParser(&preCfg, flags.Default).Parse(); err != nil {
		return nil, err
	}

	configFile := preCfg.ConfigFile
	if configFile == "" {
		configFile = filepath.Join(zapTunnelDataDir, defaultConfigFilename)
	}

	if b, err := os.ReadFile(configFile); err == nil {
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", configFile, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config file %s: %w", configFile, err)
	}

	if _, err := flags.NewParser(cfg, flags.Default).Parse(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// setupLogging initializes the rotating log writer and applies cfg's debug
// level.
func setupLogging(cfg *Config) error {
	logFile := filepath.Join(zapTunnelDataDir, defaultLogFilename)

	err := logWriter.InitLogRotator(logFile, 20, 3)
	if err != nil {
		return err
	}

	return build.ParseAndSetDebugLevels(cfg.DebugLevel, logWriter)
}
