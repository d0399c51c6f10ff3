// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/eventwallet/eventwallet/db"
	"github.com/eventwallet/eventwallet/errs"
	"github.com/eventwallet/eventwallet/feeest"
	"github.com/eventwallet/eventwallet/internal/cfgutil"
	"github.com/eventwallet/eventwallet/internal/prompt"
	"github.com/eventwallet/eventwallet/netparams"
	"github.com/eventwallet/eventwallet/walletmgr"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename  = "eventwalletd.conf"
	defaultLogLevel        = "info"
	defaultLogDirname      = "logs"
	defaultLogFilename     = "eventwalletd.log"
	defaultMaxLogRolls     = 8
	defaultDBBackend       = "bdb"
	defaultDBTimeout       = 60 * time.Second
	defaultMaxClients      = 32
	defaultMaxBodyBytes    = 1 << 20
	defaultCleanupInterval = 10 * time.Minute
	defaultFeePriority     = "medium"
	defaultWalletType      = "segwit"

	// vaultSecretEnv names the environment variable the key vault secret
	// is read from when --vaultsecret is not set.
	vaultSecretEnv = "EVENTWALLET_VAULT_SECRET"

	sqliteDBName = "eventwallet.sqlite"
)

var (
	eventwalletdHomeDir = btcutil.AppDataDir("eventwalletd", false)
	defaultConfigFile   = filepath.Join(eventwalletdHomeDir, defaultConfigFilename)
	defaultDataDir      = eventwalletdHomeDir
	defaultLogDir       = filepath.Join(eventwalletdHomeDir, defaultLogDirname)

	// defaultIndexerURLs are the indexer endpoints of networks that have
	// a public one.
	defaultIndexerURLs = map[string]string{
		netparams.MainNetParams.Name:  "https://api.blockcypher.com/v1/btc/main",
		netparams.TestNet3Params.Name: "https://api.blockcypher.com/v1/btc/test3",
	}
)

type config struct {
	// General application behavior
	ConfigFile  *cfgutil.ExplicitString `short:"C" long:"configfile" description:"Path to configuration file"`
	ShowVersion bool                    `short:"V" long:"version" description:"Display version information and exit"`
	DataDir     *cfgutil.ExplicitString `short:"A" long:"appdata" description:"Application data directory for the database"`
	LogDir      *cfgutil.ExplicitString `long:"logdir" description:"Directory to log output"`
	DebugLevel  string                  `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set log levels for individual subsystems -- Use show to list available subsystems"`
	MaxLogRolls int                     `long:"maxlogrolls" description:"Number of rolled log files to keep"`
	TestNet3    bool                    `long:"testnet" description:"Use the test Bitcoin network (version 3)"`
	RegTest     bool                    `long:"regtest" description:"Use the regression test network"`
	SimNet      bool                    `long:"simnet" description:"Use the simulation test network"`

	// Database options
	DBBackend   string        `long:"dbbackend" description:"Database backend" choice:"bdb" choice:"postgres" choice:"sqlite"`
	DBTimeout   time.Duration `long:"dbtimeout" description:"Timeout for opening the bdb database"`
	PostgresDSN string        `long:"postgresdsn" default-mask:"-" description:"PostgreSQL connection string, required with --dbbackend=postgres"`

	// Key vault options
	VaultSecret  string `long:"vaultsecret" default-mask:"-" description:"Secret the custodial keys are sealed with (default: $EVENTWALLET_VAULT_SECRET)"`
	PromptSecret bool   `long:"promptsecret" description:"Read the key vault secret from the terminal at startup"`
	VaultSalt    string `long:"vaultsalt" description:"Key derivation salt -- must never change for an existing database"`

	// Indexer options
	IndexerURL        string        `long:"indexerurl" description:"Base URL of the chain indexer API (default depends on the network)"`
	IndexerToken      string        `long:"indexertoken" default-mask:"-" description:"API token of the chain indexer"`
	IndexerRPS        float64       `long:"indexerrps" description:"Maximum indexer requests per second (0 selects the indexer default)"`
	CallbackURL       string        `long:"callbackurl" description:"Externally reachable base URL the indexer delivers webhooks to"`
	FinalityThreshold int32         `long:"finality" description:"Confirmations after which an incoming payment is final"`
	CleanupInterval   time.Duration `long:"cleanupinterval" description:"Interval between sweeps of settled webhook subscriptions"`

	// Settlement options
	CreationFee *cfgutil.AmountFlag `long:"creationfee" description:"Fee in BTC charged on top of the prize pool when an event is funded"`
	FeePriority string              `long:"feepriority" description:"Fee tier refunds are priced with" choice:"low" choice:"medium" choice:"high"`
	WalletType  string              `long:"wallettype" description:"Output type of new custodial wallets" choice:"segwit" choice:"taproot"`

	// Webhook server options
	Listeners    []string `long:"listen" description:"Listen for webhook deliveries on this interface/port (default port: 8650, testnet: 18650, regtest: 18651, simnet: 18652)"`
	MaxClients   int64    `long:"maxclients" description:"Max number of webhook deliveries processed concurrently"`
	MaxBodyBytes int64    `long:"maxbodybytes" description:"Max size of a webhook delivery"`

	// Operator options
	RedisURL      string `long:"redisurl" default-mask:"-" description:"Publish reconciliation anomalies to the Redis server at this URL"`
	AnomalyStream string `long:"anomalystream" description:"Redis stream anomalies are appended to"`

	// Resolved while loading the configuration.
	params      *netparams.Params
	dbPath      string
	feePriority feeest.Priority
	walletType  db.WalletType
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(eventwalletdHomeDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows cmd.exe-style
	// %VARIABLE%, but the variables can still be expanded via POSIX-style
	// $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

func defaultConfig() config {
	return config{
		ConfigFile:        cfgutil.NewExplicitString(defaultConfigFile),
		DataDir:           cfgutil.NewExplicitString(defaultDataDir),
		LogDir:            cfgutil.NewExplicitString(defaultLogDir),
		DebugLevel:        defaultLogLevel,
		MaxLogRolls:       defaultMaxLogRolls,
		DBBackend:         defaultDBBackend,
		DBTimeout:         defaultDBTimeout,
		FinalityThreshold: walletmgr.DefaultFinalityThreshold,
		CleanupInterval:   defaultCleanupInterval,
		CreationFee:       cfgutil.NewAmountFlag(0),
		FeePriority:       defaultFeePriority,
		WalletType:        defaultWalletType,
		MaxClients:        defaultMaxClients,
		MaxBodyBytes:      defaultMaxBodyBytes,
	}
}

// loadConfig initializes and parses the config using a config file and command
// line options, then initializes logging.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in eventwalletd functioning properly without any config
// settings while still allowing the user to override settings with config
// files and command line options.  Command line options always take
// precedence.
func loadConfig() (*config, error) {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		return nil, err
	}

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Initialize log rotation.  After log rotation has been initialized,
	// the logger variables may be used.
	initLogRotator(
		filepath.Join(cfg.LogDir.Value, defaultLogFilename),
		cfg.MaxLogRolls,
	)

	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("loadConfig: %v", err)
		fmt.Fprintln(os.Stderr, err)
		return nil, err
	}

	return cfg, nil
}

// parseConfig parses args on top of the configuration file and validates
// the result.  It has no side effects besides reading the file.
func parseConfig(args []string) (*config, error) {
	cfg := defaultConfig()

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.Default)
	_, err := preParser.ParseArgs(args)
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			preParser.WriteHelp(os.Stderr)
		}
		return nil, err
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", version())
		os.Exit(0)
	}

	// A config file in the data directory is used unless another one was
	// named explicitly.
	configFile := preCfg.ConfigFile.Value
	if !preCfg.ConfigFile.ExplicitlySet() && preCfg.DataDir.ExplicitlySet() {
		configFile = filepath.Join(
			cleanAndExpandPath(preCfg.DataDir.Value),
			defaultConfigFilename,
		)
	}

	// Load additional config from file.
	var configFileError error
	parser := flags.NewParser(&cfg, flags.Default)
	err = flags.NewIniParser(parser).ParseFile(cleanAndExpandPath(configFile))
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			fmt.Fprintln(os.Stderr, err)
			parser.WriteHelp(os.Stderr)
			return nil, err
		}
		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.ParseArgs(args)
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, err
	}
	if len(remainingArgs) > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", remainingArgs)
	}

	// Warn about missing config file after the final command line parse
	// succeeds.  This prevents the warning on help messages and invalid
	// options.
	if configFileError != nil && preCfg.ConfigFile.ExplicitlySet() {
		return nil, configFileError
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validate checks option combinations and resolves the derived settings.
func (cfg *config) validate() error {
	const funcName = "loadConfig"

	// Choose the active network params based on the selected network.
	// Multiple networks can't be selected simultaneously.
	cfg.params = &netparams.MainNetParams
	numNets := 0
	if cfg.TestNet3 {
		cfg.params = &netparams.TestNet3Params
		numNets++
	}
	if cfg.RegTest {
		cfg.params = &netparams.RegressionNetParams
		numNets++
	}
	if cfg.SimNet {
		cfg.params = &netparams.SimNetParams
		numNets++
	}
	if numNets > 1 {
		return fmt.Errorf("%s: the testnet, regtest and simnet params "+
			"can't be used together -- choose one", funcName)
	}

	// Namespace the data and log directories per network.
	cfg.DataDir.Value = filepath.Join(
		cleanAndExpandPath(cfg.DataDir.Value), cfg.params.Name,
	)
	if !cfg.LogDir.ExplicitlySet() && cfg.DataDir.ExplicitlySet() {
		cfg.LogDir.Value = filepath.Join(
			filepath.Dir(cfg.DataDir.Value), defaultLogDirname,
		)
	}
	cfg.LogDir.Value = filepath.Join(
		cleanAndExpandPath(cfg.LogDir.Value), cfg.params.Name,
	)

	switch cfg.DBBackend {
	case "bdb":
		cfg.dbPath = cfg.DataDir.Value
	case "sqlite":
		cfg.dbPath = filepath.Join(cfg.DataDir.Value, sqliteDBName)
	case "postgres":
		if cfg.PostgresDSN == "" {
			return errs.Errorf(errs.ErrConfiguration,
				"%s: --postgresdsn is required with the postgres "+
					"backend", funcName)
		}
	}
	if cfg.DBTimeout <= 0 {
		return errs.Errorf(errs.ErrConfiguration,
			"%s: --dbtimeout must be positive", funcName)
	}

	if cfg.IndexerURL == "" {
		cfg.IndexerURL = defaultIndexerURLs[cfg.params.Name]
	}
	if cfg.IndexerURL == "" {
		return errs.Errorf(errs.ErrConfiguration, "%s: --indexerurl is "+
			"required on %s", funcName, cfg.params.Name)
	}
	if cfg.IndexerRPS < 0 {
		return errs.Errorf(errs.ErrConfiguration,
			"%s: --indexerrps must not be negative", funcName)
	}

	if cfg.CallbackURL == "" {
		return errs.Errorf(errs.ErrConfiguration,
			"%s: --callbackurl is required", funcName)
	}
	u, err := url.Parse(cfg.CallbackURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") ||
		u.Host == "" {

		return errs.Errorf(errs.ErrConfiguration, "%s: invalid "+
			"callback url %q", funcName, cfg.CallbackURL)
	}

	if cfg.FinalityThreshold < 1 {
		return errs.Errorf(errs.ErrConfiguration,
			"%s: --finality must be at least 1", funcName)
	}
	if cfg.CleanupInterval <= 0 {
		return errs.Errorf(errs.ErrConfiguration,
			"%s: --cleanupinterval must be positive", funcName)
	}

	switch cfg.FeePriority {
	case "low":
		cfg.feePriority = feeest.PriorityLow
	case "medium":
		cfg.feePriority = feeest.PriorityMedium
	case "high":
		cfg.feePriority = feeest.PriorityHigh
	}
	switch cfg.WalletType {
	case "segwit":
		cfg.walletType = db.SegWit
	case "taproot":
		cfg.walletType = db.Taproot
	}

	// Listen on all interfaces by default.  The webhook endpoint is
	// usually placed behind a reverse proxy.
	if len(cfg.Listeners) == 0 {
		cfg.Listeners = []string{""}
	}
	cfg.Listeners, err = cfgutil.NormalizeAddresses(
		cfg.Listeners, cfg.params.WebhookPort,
	)
	if err != nil {
		return errs.E(errs.ErrConfiguration, "invalid --listen address",
			err)
	}

	return nil
}

// vaultSecret returns the key vault secret.  --vaultsecret takes precedence
// over the environment, which takes precedence over the terminal prompt.
// A missing secret is a configuration error.
func vaultSecret(cfg *config, lookupEnv func(string) (string, bool),
	stdin *bufio.Reader) ([]byte, error) {

	if cfg.VaultSecret != "" {
		return []byte(cfg.VaultSecret), nil
	}
	if s, ok := lookupEnv(vaultSecretEnv); ok && s != "" {
		return []byte(s), nil
	}
	if cfg.PromptSecret {
		secret, err := prompt.VaultSecret(stdin)
		if err != nil {
			return nil, errs.E(errs.ErrConfiguration,
				"read key vault secret", err)
		}
		return secret, nil
	}

	return nil, errs.Errorf(errs.ErrConfiguration, "no key vault secret: "+
		"set --vaultsecret, $%s or --promptsecret", vaultSecretEnv)
}
