// Command anchoringd runs one validator's Bitcoin anchoring node: a
// CometBFT consensus process whose ABCI application is
// pkg/abci.Application, backing the per-node pkg/service.AnchoringService
// state machine.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	dbm "github.com/cometbft/cometbft-db"
	cmtcfg "github.com/cometbft/cometbft/config"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/cometbft/cometbft/node"
	"github.com/cometbft/cometbft/p2p"
	"github.com/cometbft/cometbft/privval"
	"github.com/cometbft/cometbft/proxy"
	cmthttp "github.com/cometbft/cometbft/rpc/client/http"
	cmttypes "github.com/cometbft/cometbft/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/certen/btc-anchoring/pkg/abci"
	"github.com/certen/btc-anchoring/pkg/audit"
	"github.com/certen/btc-anchoring/pkg/bitcoin"
	"github.com/certen/btc-anchoring/pkg/config"
	"github.com/certen/btc-anchoring/pkg/kvdb"
	"github.com/certen/btc-anchoring/pkg/metrics"
	"github.com/certen/btc-anchoring/pkg/rpc"
	"github.com/certen/btc-anchoring/pkg/schema"
	"github.com/certen/btc-anchoring/pkg/service"
	"github.com/certen/btc-anchoring/pkg/txtypes"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		anchoringConfigPath = flag.String("config", "./anchoring.yaml", "path to the anchoring config YAML")
		cometHome           = flag.String("home", "./data/cometbft", "CometBFT node home directory")
		metricsAddr         = flag.String("metrics-addr", "", "address to serve /metrics on (overrides ANCHORING_METRICS_ADDR)")
		showHelp            = flag.Bool("help", false, "show help message")
	)
	flag.Parse()
	if *showHelp {
		flag.Usage()
		return
	}

	cfg := config.Load()
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}

	anchoringCfg, nodeCfg, err := config.LoadAnchoringDoc(*anchoringConfigPath)
	if err != nil {
		log.Fatalf("failed to load anchoring config: %v", err)
	}
	log.Printf("loaded anchoring config: network=%s validators=%d threshold=%d validator_id=%d",
		anchoringCfg.Network, anchoringCfg.NumValidators(), anchoringCfg.Threshold(), nodeCfg.ValidatorID)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	auditor := connectAuditor(cfg)
	if auditor != nil {
		log.Println("audit log connected")
	} else {
		log.Println("warning: audit log disabled, running without publication history")
	}

	rpcClient, err := rpc.NewBTCDClient(
		nodeCfg.BitcoinRPC.Host, nodeCfg.BitcoinRPC.User, nodeCfg.BitcoinRPC.Pass,
		nodeCfg.BitcoinRPC.DisableTLS, anchoringCfg.NetParams(),
	)
	if err != nil {
		log.Fatalf("failed to connect to bitcoin rpc: %v", err)
	}
	defer rpcClient.Shutdown()

	if err := rpcClient.ImportAddress(context.Background(), anchoringCfg.MultisigAddress().EncodeAddress(), "anchoring", false); err != nil {
		log.Printf("warning: import_address failed for multisig address: %v", err)
	}

	kvDB, err := dbm.NewDB("anchoring-schema", dbm.GoLevelDBBackend, filepath.Join(*cometHome, "data"))
	if err != nil {
		log.Fatalf("failed to open schema database: %v", err)
	}
	view := schema.New(kvdb.NewAdapter(kvDB))

	fundingRaw, err := hex.DecodeString(anchoringCfg.FundingTxHex)
	if err != nil {
		log.Fatalf("invalid funding_tx_hex: %v", err)
	}
	if _, err := bitcoin.ParseFundingTx(fundingRaw); err != nil {
		log.Fatalf("malformed funding tx: %v", err)
	}
	knownAddrs := []string{anchoringCfg.MultisigAddress().EncodeAddress()}
	if anchoringCfg.FollowingConfig != nil {
		knownAddrs = append(knownAddrs, anchoringCfg.FollowingConfig.MultisigAddress().EncodeAddress())
	}
	if err := schema.Genesis(view, anchoringCfg.NumValidators(), knownAddrs, fundingRaw); err != nil {
		log.Fatalf("genesis failed: %v", err)
	}

	verifier := abci.NewRegistryVerifier()
	app := abci.NewApplication(anchoringCfg, kvdb.NewAdapter(kvDB), verifier)

	broadcaster := &cometBroadcaster{}
	svc := service.New(nodeCfg, rpcClient, broadcaster, app, m)
	svc.SetAuditor(auditor)
	app.RegisterService(nodeCfg.ValidatorID, svc)

	cometNode, cometRPC, err := startCometBFT(*cometHome, app)
	if err != nil {
		log.Fatalf("failed to start cometbft node: %v", err)
	}
	broadcaster.client = cometRPC

	ctx, cancel := context.WithCancel(context.Background())
	go svc.RunLectRefreshLoop(ctx, anchoringCfg, nodeCfg.RPCTimeout.Duration())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	httpServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		log.Printf("metrics listening on %s", cfg.MetricsAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("metrics server failed: %v", err)
		}
	}()

	log.Println("anchoringd ready")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down anchoringd")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics server shutdown error: %v", err)
	}

	if err := cometNode.Stop(); err != nil {
		log.Printf("cometbft node stop error: %v", err)
	}
	if auditor != nil {
		if err := auditor.Close(); err != nil {
			log.Printf("audit log close error: %v", err)
		}
	}

	log.Println("anchoringd stopped")
}

// connectAuditor opens the optional Postgres publication log. Failure
// to connect is never fatal: anchoring itself has no dependency on it.
func connectAuditor(cfg *config.Config) *audit.Recorder {
	if cfg.DatabaseURL == "" {
		return nil
	}
	client, err := audit.NewClient(cfg)
	if err != nil {
		log.Printf("warning: audit database connection failed: %v", err)
		return nil
	}
	return audit.NewRecorder(client)
}

// cometBroadcaster submits Signature/UpdateLatest messages to this
// node's own CometBFT mempool, framed by pkg/abci's envelope. client
// is set once the node is running, since the node must exist before a
// local RPC client can be built over it.
type cometBroadcaster struct {
	client *cmthttp.HTTP
}

func (b *cometBroadcaster) BroadcastSignature(msg *txtypes.SignatureMsg) error {
	return b.broadcast(abci.EncodeTx(msg))
}

func (b *cometBroadcaster) BroadcastUpdateLatest(msg *txtypes.UpdateLatestMsg) error {
	return b.broadcast(abci.EncodeTx(msg))
}

func (b *cometBroadcaster) broadcast(tx []byte) error {
	if b.client == nil {
		return fmt.Errorf("cometbft node not yet started")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := b.client.BroadcastTxSync(ctx, tx)
	if err != nil {
		return fmt.Errorf("broadcast_tx_sync failed: %w", err)
	}
	if result.Code != 0 {
		return fmt.Errorf("broadcast_tx_sync rejected: %s", result.Log)
	}
	return nil
}

// startCometBFT brings up an embedded single-validator CometBFT node
// rooted at home, generating its node key, private validator, and
// genesis document on first run, and returns both the node and an RPC
// client bound to its local RPC listener for this process's own use
// (submitting Signature/UpdateLatest transactions).
func startCometBFT(home string, app *abci.Application) (*node.Node, *cmthttp.HTTP, error) {
	cometCfg := cmtcfg.DefaultConfig()
	cometCfg.SetRoot(home)
	cometCfg.Moniker = "anchoring-node"
	cometCfg.TxIndex.Indexer = "kv"
	cometCfg.RPC.ListenAddress = "tcp://127.0.0.1:26657"

	for _, dir := range []string{
		filepath.Dir(cometCfg.NodeKeyFile()),
		filepath.Dir(cometCfg.PrivValidatorKeyFile()),
		filepath.Dir(cometCfg.PrivValidatorStateFile()),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create cometbft dir %s: %w", dir, err)
		}
	}

	nodeKey, err := p2p.LoadOrGenNodeKey(cometCfg.NodeKeyFile())
	if err != nil {
		return nil, nil, fmt.Errorf("load or generate node key: %w", err)
	}
	pv := privval.LoadOrGenFilePV(cometCfg.PrivValidatorKeyFile(), cometCfg.PrivValidatorStateFile())

	if err := writeGenesisIfNeeded(cometCfg, pv); err != nil {
		return nil, nil, fmt.Errorf("write genesis: %w", err)
	}

	dbProvider := cmtcfg.DBProvider(func(ctx *cmtcfg.DBContext) (dbm.DB, error) {
		return dbm.NewDB(ctx.ID, dbm.BackendType(cometCfg.DBBackend), filepath.Join(cometCfg.RootDir, "data"))
	})
	tmLogger := cmtlog.NewTMLogger(cmtlog.NewSyncWriter(os.Stdout)).With("module", "cometbft")

	n, err := node.NewNode(
		cometCfg,
		pv,
		nodeKey,
		proxy.NewLocalClientCreator(app),
		node.DefaultGenesisDocProviderFunc(cometCfg),
		dbProvider,
		node.DefaultMetricsProvider(cometCfg.Instrumentation),
		tmLogger,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create cometbft node: %w", err)
	}
	if err := n.Start(); err != nil {
		return nil, nil, fmt.Errorf("start cometbft node: %w", err)
	}

	rpcClient, err := cmthttp.New(cometCfg.RPC.ListenAddress, "/websocket")
	if err != nil {
		return nil, nil, fmt.Errorf("create cometbft rpc client: %w", err)
	}
	if err := rpcClient.Start(); err != nil {
		return nil, nil, fmt.Errorf("start cometbft rpc client: %w", err)
	}
	return n, rpcClient, nil
}

// writeGenesisIfNeeded seeds a single-validator genesis document the
// first time this node runs; subsequent runs reuse the existing file.
func writeGenesisIfNeeded(cometCfg *cmtcfg.Config, pv *privval.FilePV) error {
	genFile := cometCfg.GenesisFile()
	if _, err := os.Stat(genFile); err == nil {
		return nil
	}

	pubKey, err := pv.GetPubKey()
	if err != nil {
		return fmt.Errorf("get validator pubkey: %w", err)
	}

	genesisDoc := &cmttypes.GenesisDoc{
		ChainID:         "anchoring-chain",
		GenesisTime:     time.Now(),
		InitialHeight:   1,
		ConsensusParams: cmttypes.DefaultConsensusParams(),
		Validators: []cmttypes.GenesisValidator{
			{Address: pubKey.Address(), PubKey: pubKey, Power: 1, Name: "anchoring-node"},
		},
		AppState: []byte(`{}`),
	}
	return genesisDoc.SaveAs(genFile)
}
