// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/btcsuite/btclog"
	"github.com/eventwallet/eventwallet/db/kvdb"
	"github.com/eventwallet/eventwallet/db/sqldb"
	"github.com/eventwallet/eventwallet/feeest"
	"github.com/eventwallet/eventwallet/indexer"
	"github.com/eventwallet/eventwallet/keyvault"
	"github.com/eventwallet/eventwallet/ledger"
	"github.com/eventwallet/eventwallet/rpc/webhookrpc"
	"github.com/eventwallet/eventwallet/settlement"
	"github.com/eventwallet/eventwallet/txbuilder"
	"github.com/eventwallet/eventwallet/utxoindex"
	"github.com/eventwallet/eventwallet/walletmgr"
	"github.com/eventwallet/eventwallet/webhook"
	"github.com/jrick/logrotate/rotator"
)

// logWriter implements an io.Writer that outputs to both standard output and
// the write-end pipe of an initialized log rotator.
type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}
	return len(p), nil
}

// Loggers per subsystem.  A single backend logger is created and all subsytem
// loggers created from it will write to the backend.  When adding new
// subsystems, add the subsystem logger variable here and to the
// subsystemLoggers map.
//
// Loggers can not be used before the log rotator has been initialized with a
// log file.  This must be performed early during application startup by
// calling initLogRotator.
var (
	// backendLog is the logging backend used to create all subsystem
	// loggers.  The backend must not be used before the log rotator has
	// been initialized, or data races and/or nil pointer dereferences will
	// occur.
	backendLog = btclog.NewBackend(logWriter{})

	// logRotator is one of the logging outputs.  It should be closed on
	// application shutdown.
	logRotator *rotator.Rotator

	log      = backendLog.Logger("EVWD")
	kvltLog  = backendLog.Logger("KVLT")
	wmgrLog  = backendLog.Logger("WMGR")
	utxoLog  = backendLog.Logger("UTXO")
	feesLog  = backendLog.Logger("FEES")
	ldgrLog  = backendLog.Logger("LDGR")
	whksLog  = backendLog.Logger("WHKS")
	setlLog  = backendLog.Logger("SETL")
	idxrLog  = backendLog.Logger("IDXR")
	httpLog  = backendLog.Logger("HTTP")
	kvdbLog  = backendLog.Logger("KVDB")
	sqldLog  = backendLog.Logger("SQLD")
	txbldLog = backendLog.Logger("TXBD")
)

// Initialize package-global logger variables.
func init() {
	keyvault.UseLogger(kvltLog)
	walletmgr.UseLogger(wmgrLog)
	utxoindex.UseLogger(utxoLog)
	feeest.UseLogger(feesLog)
	ledger.UseLogger(ldgrLog)
	webhook.UseLogger(whksLog)
	settlement.UseLogger(setlLog)
	indexer.UseLogger(idxrLog)
	webhookrpc.UseLogger(httpLog)
	kvdb.UseLogger(kvdbLog)
	sqldb.UseLogger(sqldLog)
	txbuilder.UseLogger(txbldLog)
}

// subsystemLoggers maps each subsystem identifier to its associated logger.
var subsystemLoggers = map[string]btclog.Logger{
	"EVWD": log,
	"KVLT": kvltLog,
	"WMGR": wmgrLog,
	"UTXO": utxoLog,
	"FEES": feesLog,
	"LDGR": ldgrLog,
	"WHKS": whksLog,
	"SETL": setlLog,
	"IDXR": idxrLog,
	"HTTP": httpLog,
	"KVDB": kvdbLog,
	"SQLD": sqldLog,
	"TXBD": txbldLog,
}

// initLogRotator initializes the logging rotater to write logs to logFile and
// create roll files in the same directory.  It must be called before the
// package-global log rotater variables are used.
func initLogRotator(logFile string, maxRolls int) {
	logDir, _ := filepath.Split(logFile)
	err := os.MkdirAll(logDir, 0700)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n", err)
		os.Exit(1)
	}
	r, err := rotator.New(logFile, 10*1024, false, maxRolls)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create file rotator: %v\n", err)
		os.Exit(1)
	}

	logRotator = r
}

// setLogLevel sets the logging level for provided subsystem.  Invalid
// subsystems are ignored.
func setLogLevel(subsystemID string, logLevel string) {
	logger, ok := subsystemLoggers[subsystemID]
	if !ok {
		return
	}

	// Defaults to info if the log level is invalid.
	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// setLogLevels sets the log level for all subsystem loggers to the passed
// level.
func setLogLevels(logLevel string) {
	for subsystemID := range subsystemLoggers {
		setLogLevel(subsystemID, logLevel)
	}
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	_, ok := btclog.LevelFromString(logLevel)
	return ok
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}

	// Sort the subsytems for stable display.
	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) error {
	// When the specified string doesn't have any delimters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		if !validLogLevel(debugLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, debugLevel)
		}

		setLogLevels(debugLevel)
		return nil
	}

	// Split the specified string into subsystem/level pairs while detecting
	// issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			str := "the specified debug level contains an invalid " +
				"subsystem/level pair [%v]"
			return fmt.Errorf(str, logLevelPair)
		}

		fields := strings.Split(logLevelPair, "=")
		subsysID, logLevel := fields[0], fields[1]

		if _, exists := subsystemLoggers[subsysID]; !exists {
			str := "the specified subsystem [%v] is invalid -- " +
				"supported subsytems %v"
			return fmt.Errorf(str, subsysID, supportedSubsystems())
		}

		if !validLogLevel(logLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, logLevel)
		}

		setLogLevel(subsysID, logLevel)
	}

	return nil
}
