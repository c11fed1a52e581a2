// Package log wires a btclog.Backend to every subsystem's package-level
// logger, the same role lnd.go's initLogRotator/setLogLevels pair plays
// for the teacher's many subsystems.
package log

import (
	"os"

	"github.com/btcsuite/btclog"

	"github.com/csknk/revault-go/chainrpc"
	"github.com/csknk/revault-go/cosigner"
	"github.com/csknk/revault-go/feebump"
	"github.com/csknk/revault-go/keyring"
	"github.com/csknk/revault-go/sigserver"
	"github.com/csknk/revault-go/statushub"
	"github.com/csknk/revault-go/vaultdb"
	"github.com/csknk/revault-go/vaultengine"
	"github.com/csknk/revault-go/vaultscript"
	"github.com/csknk/revault-go/vaultsign"
	"github.com/csknk/revault-go/vaulttx"
)

// subsystems maps a short tag to the package-level UseLogger hook it
// configures, matching lnd.go's subsystemLoggers table.
var subsystems = map[string]func(btclog.Logger){
	"CHRP": chainrpc.UseLogger,
	"COSN": cosigner.UseLogger,
	"FEEB": feebump.UseLogger,
	"KEYR": keyring.UseLogger,
	"SIGS": sigserver.UseLogger,
	"STHB": statushub.UseLogger,
	"VDB":  vaultdb.UseLogger,
	"VENG": vaultengine.UseLogger,
	"VSCR": vaultscript.UseLogger,
	"VSGN": vaultsign.UseLogger,
	"VTX":  vaulttx.UseLogger,
}

// InitLogging points every subsystem at a single backend writing to
// stdout, at the given level, matching lnd.go's setLogLevels(level string).
func InitLogging(level string) {
	backend := btclog.NewBackend(os.Stdout)
	lvl, ok := btclog.LevelFromString(level)
	if !ok {
		lvl = btclog.LevelInfo
	}

	for tag, use := range subsystems {
		logger := backend.Logger(tag)
		logger.SetLevel(lvl)
		use(logger)
	}
}
