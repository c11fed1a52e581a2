// Command vaultcli is an operator's command-line tool for inspecting a
// stakeholder's vaults and driving the spend protocol, in the same shape
// as the teacher's cmd/lncli but talking to a vaultengine.Engine it builds
// in-process from the same configuration vaultd itself loads, rather than
// over an RPC connection.
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/urfave/cli"

	"github.com/csknk/revault-go/chainrpc"
	"github.com/csknk/revault-go/config"
	"github.com/csknk/revault-go/cosigner"
	"github.com/csknk/revault-go/keyring"
	"github.com/csknk/revault-go/log"
	"github.com/csknk/revault-go/sigserver"
	"github.com/csknk/revault-go/vaultdb"
	"github.com/csknk/revault-go/vaultengine"
	"github.com/csknk/revault-go/vaultmetrics"
)

func main() {
	app := cli.NewApp()
	app.Name = "vaultcli"
	app.Usage = "inspect and drive a stakeholder's vault engine"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "configfile", Usage: "path to vaultd.conf"},
	}
	app.Commands = []cli.Command{
		vaultsCommand,
		spendCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "[vaultcli] %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(ctx *cli.Context) (*config.Config, error) {
	args := os.Args[1:]
	if path := ctx.GlobalString("configfile"); path != "" {
		args = append([]string{"--configfile", path}, args...)
	}
	return config.Load(args)
}

var vaultsCommand = cli.Command{
	Name:  "vaults",
	Usage: "inspect known vaults",
	Subcommands: []cli.Command{
		{
			Name:  "list",
			Usage: "list every vault this stakeholder knows about",
			Action: func(ctx *cli.Context) error {
				cfg, err := loadConfig(ctx)
				if err != nil {
					return err
				}
				db, err := vaultdb.Open(cfg.DataDir)
				if err != nil {
					return err
				}
				defer db.Close()

				vaults, err := db.ListVaults()
				if err != nil {
					return err
				}
				for _, v := range vaults {
					fmt.Printf("%s\tvout=%d\tindex=%d\tamount=%d\tphase=%s\n",
						v.FundingTxid, v.FundingVout, v.Index, v.Amount, v.Phase)
				}
				return nil
			},
		},
	},
}

var spendCommand = cli.Command{
	Name:  "spend",
	Usage: "drive the two-trader-signature spend protocol for a vault",
	Subcommands: []cli.Command{
		{
			Name:      "initiate",
			Usage:     "sign the first half of a spend proposal",
			ArgsUsage: "<funding-txid> <addr1>=<amount1> [addr2=amount2 ...]",
			Action: func(ctx *cli.Context) error { return runSpendHalf(ctx, false) },
		},
		{
			Name:      "accept",
			Usage:     "sign the second half of a spend proposal",
			ArgsUsage: "<funding-txid> <addr1>=<amount1> [addr2=amount2 ...]",
			Action: func(ctx *cli.Context) error { return runSpendHalf(ctx, true) },
		},
		{
			Name:      "complete",
			Usage:     "combine both trader signatures, request the cosignature, and put the spend to a vote",
			ArgsUsage: "<funding-txid> <peer-pubkey-hex> <peer-sig-hex> <addr1>=<amount1> [addr2=amount2 ...]",
			Action:    runSpendComplete,
		},
	},
}

func runSpendHalf(ctx *cli.Context, accept bool) error {
	args := ctx.Args()
	if len(args) < 2 {
		return fmt.Errorf("expected <funding-txid> and at least one <addr>=<amount>")
	}

	engine, _, err := buildEngine(ctx)
	if err != nil {
		return err
	}
	defer engine.Stop()

	addresses, err := parseDestinations(args[1:])
	if err != nil {
		return err
	}

	var sig []byte
	if accept {
		sig, err = engine.AcceptSpend(args[0], addresses)
	} else {
		sig, err = engine.InitiateSpend(args[0], addresses)
	}
	if err != nil {
		return err
	}
	fmt.Println(hex.EncodeToString(sig))
	return nil
}

func runSpendComplete(ctx *cli.Context) error {
	args := ctx.Args()
	if len(args) < 4 {
		return fmt.Errorf("expected <funding-txid> <peer-pubkey-hex> <peer-sig-hex> and at least one <addr>=<amount>")
	}

	peerPubBytes, err := hex.DecodeString(args[1])
	if err != nil {
		return fmt.Errorf("parsing peer pubkey: %w", err)
	}
	peerPub, err := btcec.ParsePubKey(peerPubBytes)
	if err != nil {
		return fmt.Errorf("parsing peer pubkey: %w", err)
	}
	peerSig, err := hex.DecodeString(args[2])
	if err != nil {
		return fmt.Errorf("parsing peer signature: %w", err)
	}

	engine, _, err := buildEngine(ctx)
	if err != nil {
		return err
	}
	defer engine.Stop()

	addresses, err := parseDestinations(args[3:])
	if err != nil {
		return err
	}

	tx, accepted, err := engine.CompleteSpend(args[0], peerPub, peerSig, addresses)
	if err != nil {
		return err
	}
	fmt.Printf("accepted=%v txid=%s\n", accepted, tx.TxHash())
	return nil
}

func parseDestinations(pairs []string) (map[string]int64, error) {
	addresses := make(map[string]int64, len(pairs))
	for _, pair := range pairs {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed destination %q, expected addr=amount", pair)
		}
		amount, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed amount in %q: %w", pair, err)
		}
		addresses[parts[0]] = amount
	}
	return addresses, nil
}

func buildEngine(ctx *cli.Context) (*vaultengine.Engine, *config.Config, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, nil, err
	}
	log.InitLogging(cfg.DebugLevel)

	keychain, err := keyring.New(cfg.NetParams(), cfg.XpubArray(), cfg.OurXpriv, cfg.OurSlot-1)
	if err != nil {
		return nil, nil, fmt.Errorf("building keychain: %w", err)
	}
	emergencyPubkeys, err := keyring.DeriveEmergencyPubKeys(cfg.EmergencyXpubArray())
	if err != nil {
		return nil, nil, fmt.Errorf("deriving emergency pubkeys: %w", err)
	}
	chainClient, err := chainrpc.New(chainrpc.Config{
		Host:       cfg.RPCHost,
		User:       cfg.RPCUser,
		Pass:       cfg.RPCPass,
		DisableTLS: cfg.RPCDisableTLS,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("dialing node: %w", err)
	}
	db, err := vaultdb.Open(cfg.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("opening vault store: %w", err)
	}

	engine, err := vaultengine.New(vaultengine.Config{
		Keychain:           keychain,
		ChainRPC:           chainClient,
		SigServer:          sigserver.New(cfg.SigServerURL),
		Cosigner:           cosigner.New(cfg.CosignerURL),
		DB:                 db,
		EmergencyPubkeys:   emergencyPubkeys,
		FundsPollInterval:  cfg.FundsPollInterval,
		SpendsPollInterval: cfg.SpendsPollInterval,
		WatchWindow:        cfg.WatchWindow,
		Metrics:            vaultmetrics.NoOp(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("building engine: %w", err)
	}
	if err := engine.Start(); err != nil {
		return nil, nil, fmt.Errorf("starting engine: %w", err)
	}
	return engine, cfg, nil
}
