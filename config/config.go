// Package config loads vaultd's operator-provided settings from a
// vaultd.conf file plus command-line overrides, following the same
// jessevdk/go-flags pattern the teacher's lnd.go uses for its own
// top-level configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/jessevdk/go-flags"

	"github.com/csknk/revault-go/vaultscript"
)

const (
	defaultConfigFilename    = "vaultd.conf"
	defaultDataDirname       = "data"
	defaultRPCPort           = 8432
	defaultFundsPollSeconds  = 5
	defaultSpendPollSeconds  = 3
	defaultWatchWindow       = 500
	defaultRefillThreshold   = 20
	defaultFeeBumpConfTarget = 6
)

var defaultHomeDir = btcutil.AppDataDir("vaultd", false)

// Config holds every setting an operator supplies to run one stakeholder's
// vaultd instance. Exactly one of MainNet/TestNet3/RegTest must be set, as
// in the teacher's own network-selection flags.
type Config struct {
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"b" long:"datadir" description:"Directory to store vault state"`

	MainNet  bool `long:"mainnet" description:"Use the main network"`
	TestNet3 bool `long:"testnet" description:"Use the test network"`
	RegTest  bool `long:"regtest" description:"Use the regression test network"`

	RPCHost     string `long:"rpchost" description:"Bitcoin node RPC host:port"`
	RPCUser     string `long:"rpcuser" description:"Bitcoin node RPC username"`
	RPCPass     string `long:"rpcpass" description:"Bitcoin node RPC password"`
	RPCDisableTLS bool `long:"rpcdisabletls" description:"Disable TLS for the node RPC connection (localhost/private networks only)"`

	// Xpubs is the four stakeholders' extended public keys, slot-ordered.
	// Must carry exactly vaultscript.NumStakeholders entries.
	Xpubs []string `long:"xpub" description:"Stakeholder extended pubkey, repeated once per slot in order"`
	// OurXpriv is this stakeholder's own extended private key.
	OurXpriv string `long:"ourxpriv" description:"This stakeholder's extended private key"`
	OurSlot  int    `long:"ourslot" description:"This stakeholder's slot, 1-4"`

	// EmergencyXpubs is the deep-cold emergency wallet's four pubkeys.
	// Must carry exactly vaultscript.NumStakeholders entries.
	EmergencyXpubs []string `long:"emergencyxpub" description:"Emergency wallet pubkey, repeated once per slot in order"`

	SigServerURL string `long:"sigserver" description:"Base URL of the signature-exchange server"`
	CosignerURL  string `long:"cosigner" description:"Base URL of the cosigning server"`

	// AckedAddresses lists spend-destination addresses pre-approved for
	// an automatic "accept" vote; anything else is refused outright.
	AckedAddresses []string `long:"ackaddress" description:"Pre-approved spend destination, may be repeated"`

	FundsPollInterval  time.Duration `long:"fundspollinterval" description:"How often to scan for newly funded vaults"`
	SpendsPollInterval time.Duration `long:"spendspollinterval" description:"How often to poll spend proposals and broadcasts"`
	WatchWindow        uint32        `long:"watchwindow" description:"Not-yet-funded addresses kept imported ahead of the current index"`
	RefillThreshold    uint32        `long:"refillthreshold" description:"Extend the watch window once no more than this many not-yet-funded addresses remain imported"`

	// StartIndex lets an operator resume a stakeholder mid-window — for
	// example when restoring from a backup that already handed out
	// addresses up to some known index. Only applied the first time this
	// instance ever runs; ignored on every subsequent restart.
	StartIndex uint32 `long:"startindex" description:"Starting BIP32 derivation index, for resuming a stakeholder mid-window"`
	// WalletBirthday is the unix time to pass to the node's watch-only
	// imports as the rescan start point. Zero lets the node default to now.
	WalletBirthday int64 `long:"walletbirthday" description:"Unix time the node should rescan from for watch-only imports; 0 defaults to now"`

	// FeeBumpConfTarget is the confirmation target used when checking the
	// node's recommended feerate before a revocation or emergency broadcast.
	FeeBumpConfTarget int64 `long:"feebumpconftarget" description:"Confirmation target for the feerate check ahead of a fee-bump"`

	RPCListen  string `long:"rpclisten" description:"host:port to serve the status websocket and /metrics on"`
	DebugLevel string `long:"debuglevel" description:"Logging level: trace, debug, info, warn, error, critical"`
}

// Default returns a Config populated with the same baseline values the
// teacher's loadConfig seeds before parsing the file and flags over them.
func Default() *Config {
	return &Config{
		ConfigFile:         filepath.Join(defaultHomeDir, defaultConfigFilename),
		DataDir:            filepath.Join(defaultHomeDir, defaultDataDirname),
		RPCListen:          fmt.Sprintf("localhost:%d", defaultRPCPort),
		FundsPollInterval:  defaultFundsPollSeconds * time.Second,
		SpendsPollInterval: defaultSpendPollSeconds * time.Second,
		WatchWindow:        defaultWatchWindow,
		RefillThreshold:    defaultRefillThreshold,
		FeeBumpConfTarget:  defaultFeeBumpConfTarget,
		DebugLevel:         "info",
	}
}

// Load parses a vaultd.conf file (if present) and then command-line flags
// over it, mirroring loadConfig's two-pass approach: the file sets
// defaults an operator wants to persist, flags override for one run.
func Load(args []string) (*Config, error) {
	preCfg := Default()
	if _, err := flags.NewParser(preCfg, flags.Default|flags.IgnoreUnknown).ParseArgs(args); err != nil {
		return nil, err
	}

	cfg := Default()
	cfg.ConfigFile = preCfg.ConfigFile
	if _, err := os.Stat(cfg.ConfigFile); err == nil {
		parser := flags.NewParser(cfg, flags.Default)
		if err := flags.NewIniParser(parser).ParseFile(cfg.ConfigFile); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", cfg.ConfigFile, err)
		}
	}

	parser := flags.NewParser(cfg, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	netCount := 0
	for _, set := range []bool{c.MainNet, c.TestNet3, c.RegTest} {
		if set {
			netCount++
		}
	}
	if netCount != 1 {
		return fmt.Errorf("config: exactly one of --mainnet, --testnet, --regtest is required")
	}
	if c.OurSlot < 1 || c.OurSlot > vaultscript.NumStakeholders {
		return fmt.Errorf("config: ourslot must be between 1 and %d", vaultscript.NumStakeholders)
	}
	if c.OurXpriv == "" {
		return fmt.Errorf("config: ourxpriv is required")
	}
	if len(c.Xpubs) != vaultscript.NumStakeholders {
		return fmt.Errorf("config: need exactly %d --xpub flags, got %d", vaultscript.NumStakeholders, len(c.Xpubs))
	}
	if len(c.EmergencyXpubs) != vaultscript.NumStakeholders {
		return fmt.Errorf("config: need exactly %d --emergencyxpub flags, got %d", vaultscript.NumStakeholders, len(c.EmergencyXpubs))
	}
	if c.SigServerURL == "" {
		return fmt.Errorf("config: sigserver is required")
	}
	if c.CosignerURL == "" {
		return fmt.Errorf("config: cosigner is required")
	}
	if c.RPCHost == "" {
		return fmt.Errorf("config: rpchost is required")
	}
	return nil
}

// XpubArray returns Xpubs as the fixed-size array keyring.New expects.
// validate has already checked the length.
func (c *Config) XpubArray() [vaultscript.NumStakeholders]string {
	var arr [vaultscript.NumStakeholders]string
	copy(arr[:], c.Xpubs)
	return arr
}

// EmergencyXpubArray is XpubArray's counterpart for the emergency wallet.
func (c *Config) EmergencyXpubArray() [vaultscript.NumStakeholders]string {
	var arr [vaultscript.NumStakeholders]string
	copy(arr[:], c.EmergencyXpubs)
	return arr
}

// NetParams resolves the chaincfg.Params matching the selected network
// flag.
func (c *Config) NetParams() *chaincfg.Params {
	switch {
	case c.TestNet3:
		return &chaincfg.TestNet3Params
	case c.RegTest:
		return &chaincfg.RegressionNetParams
	default:
		return &chaincfg.MainNetParams
	}
}
