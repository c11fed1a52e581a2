package vaultengine

import (
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/csknk/revault-go/chainrpc"
	"github.com/csknk/revault-go/sigserver"
	"github.com/csknk/revault-go/statushub"
)

// fakeTicker is a manually-driven stand-in for ticker.Ticker: a test holds
// the send side of tick and pushes ticks on demand instead of waiting out
// a real interval.
type fakeTicker struct {
	tick chan time.Time
}

func newFakeTicker() *fakeTicker {
	return &fakeTicker{tick: make(chan time.Time, 1)}
}

func (f *fakeTicker) Resume()                {}
func (f *fakeTicker) Stop()                  {}
func (f *fakeTicker) Ticks() <-chan time.Time { return f.tick }
func (f *fakeTicker) fire()                  { f.tick <- time.Now() }

// fakeChainRPC is an in-memory stand-in for chainrpc.Client: vsizes via
// serialized size, tracks imported/watched addresses, and holds a fixed
// unspent set a test can mutate between polls.
type fakeChainRPC struct {
	mu        sync.Mutex
	unspent   []btcjson.ListUnspentResult
	imported  map[string]bool
	broadcast []*wire.MsgTx
}

func newFakeChainRPC() *fakeChainRPC {
	return &fakeChainRPC{imported: make(map[string]bool)}
}

func (f *fakeChainRPC) TxVSize(tx *wire.MsgTx) (int64, error) {
	return int64(tx.SerializeSize()), nil
}

func (f *fakeChainRPC) ImportAddress(address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.imported[address] = true
	return nil
}

func (f *fakeChainRPC) ImportMultiExtended(entries []chainrpc.ImportMultiEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range entries {
		f.imported[e.Address] = true
	}
	return nil
}

func (f *fakeChainRPC) ListUnspent(minConf int) ([]btcjson.ListUnspentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]btcjson.ListUnspentResult, len(f.unspent))
	copy(out, f.unspent)
	return out, nil
}

func (f *fakeChainRPC) addUnspent(txid, address string, vout uint32, amountBTC float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unspent = append(f.unspent, btcjson.ListUnspentResult{
		TxID:    txid,
		Vout:    vout,
		Address: address,
		Amount:  amountBTC,
	})
}

func (f *fakeChainRPC) GetRawTransaction(txid *chainhash.Hash) (*wire.MsgTx, error) {
	return nil, fmt.Errorf("fakeChainRPC: GetRawTransaction not implemented")
}

func (f *fakeChainRPC) SendRawTransaction(tx *wire.MsgTx) (*chainhash.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcast = append(f.broadcast, tx)
	hash := tx.TxHash()
	return &hash, nil
}

func (f *fakeChainRPC) TestMempoolAccept(tx *wire.MsgTx, maxFeeRate float64) (bool, string, error) {
	return true, "", nil
}

func (f *fakeChainRPC) GetFeeRate(confTarget int64) (btcutil.Amount, error) {
	return 1000, nil
}

// fakeSigServer is an in-memory sig-server: feerates are fixed, signatures
// published by one slot are immediately visible to GetSignature, and spend
// proposals/votes are tracked in maps a test can inspect.
type fakeSigServer struct {
	mu sync.Mutex

	feeRate int64

	sigs map[string]map[int]string // txid -> slot -> hex sig

	spends     map[string]map[string]int64 // txid -> address -> amount
	acceptedAt map[string]bool
	refusedAt  map[string]bool
}

func newFakeSigServer(feeRate int64) *fakeSigServer {
	return &fakeSigServer{
		feeRate:    feeRate,
		sigs:       make(map[string]map[int]string),
		spends:     make(map[string]map[string]int64),
		acceptedAt: make(map[string]bool),
		refusedAt:  make(map[string]bool),
	}
}

func (f *fakeSigServer) FeeRate(kind sigserver.FeeRateKind, txid string) (int64, error) {
	return f.feeRate, nil
}

func (f *fakeSigServer) SendSignature(txid string, slot int, sigHex string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sigs[txid] == nil {
		f.sigs[txid] = make(map[int]string)
	}
	f.sigs[txid][slot] = sigHex
	return nil
}

// putSignature lets a test seed the other stakeholders' signatures without
// going through SendSignature's slot-publishing caller identity.
func (f *fakeSigServer) putSignature(txid string, slot int, sigHex string) {
	f.SendSignature(txid, slot, sigHex)
}

func (f *fakeSigServer) GetSignature(txid string, slot int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sigs[txid][slot], nil
}

func (f *fakeSigServer) RequestSpend(vaultTxid string, addresses map[string]int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spends[vaultTxid] = addresses
	return nil
}

func (f *fakeSigServer) GetSpends() (map[string]map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]map[string]int64, len(f.spends))
	for k, v := range f.spends {
		out[k] = v
	}
	return out, nil
}

func (f *fakeSigServer) AcceptSpend(vaultTxid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acceptedAt[vaultTxid] = true
	return nil
}

func (f *fakeSigServer) RefuseSpend(vaultTxid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refusedAt[vaultTxid] = true
	return nil
}

func (f *fakeSigServer) SpendAccepted(vaultTxid string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acceptedAt[vaultTxid], nil
}

// fakeCosigner returns a fixed keypair's pubkey and a constant stub
// signature, since CompleteSpend only needs a well-formed byte string to
// slot into the witness in these tests.
type fakeCosigner struct {
	priv *btcec.PrivateKey
}

func newFakeCosigner(priv *btcec.PrivateKey) *fakeCosigner {
	return &fakeCosigner{priv: priv}
}

func (f *fakeCosigner) PubKey() (*btcec.PublicKey, error) {
	return f.priv.PubKey(), nil
}

func (f *fakeCosigner) Cosign(spendTxHex string) ([]byte, error) {
	return []byte{0xde, 0xad, 0xbe, 0xef}, nil
}

// fakeStatusPublisher records every transition published, for assertions
// on lifecycle ordering.
type fakeStatusPublisher struct {
	mu          sync.Mutex
	transitions []statushub.Transition
}

func (f *fakeStatusPublisher) Publish(t statushub.Transition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = append(f.transitions, t)
}

func (f *fakeStatusPublisher) phases() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.transitions))
	for i, t := range f.transitions {
		out[i] = t.Phase
	}
	return out
}
