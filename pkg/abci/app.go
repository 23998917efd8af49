package abci

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log"
	"sync"

	abcitypes "github.com/cometbft/cometbft/abci/types"
	cryptoproto "github.com/cometbft/cometbft/proto/tendermint/crypto"

	"github.com/certen/btc-anchoring/pkg/config"
	"github.com/certen/btc-anchoring/pkg/kvdb"
	"github.com/certen/btc-anchoring/pkg/schema"
	"github.com/certen/btc-anchoring/pkg/service"
)

// Application is the ABCI application CometBFT drives: it dispatches
// committed Signature/UpdateLatest transactions into the replicated
// schema, then runs every locally-hosted AnchoringService's HandleCommit
// against the resulting view, per spec §4.4. One process may host more
// than one AnchoringService (e.g. a test harness simulating several
// validators against one chain); a production node hosts exactly one,
// keyed by its own validator_id.
type Application struct {
	mu sync.Mutex

	logger   *log.Logger
	cfg      *config.AnchoringConfig
	view     *schema.Schema
	verifier *RegistryVerifier
	services map[uint32]*service.AnchoringService

	height      int64
	appHash     []byte
	blockHashes map[uint64][32]byte

	pendingHeight    uint64
	pendingBlockHash [32]byte
}

// NewApplication builds an Application over a CometBFT-backed KV store.
// The schema is genesis-seeded by the caller before the first InitChain,
// matching the teacher's "restore or seed, then hand the store to the
// ABCI app" sequencing in cmd/anchoringd.
func NewApplication(cfg *config.AnchoringConfig, kv kvdb.KV, verifier *RegistryVerifier) *Application {
	return &Application{
		logger:      log.New(log.Writer(), "[abci] ", log.LstdFlags),
		cfg:         cfg,
		view:        schema.New(kv),
		verifier:    verifier,
		services:    make(map[uint32]*service.AnchoringService),
		blockHashes: make(map[uint64][32]byte),
	}
}

// RegisterService attaches a locally-hosted validator's AnchoringService,
// so Commit drives its HandleCommit against the committed view.
func (a *Application) RegisterService(validatorID uint32, svc *service.AnchoringService) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.services[validatorID] = svc
}

// BlockHashAt implements service.BlockHashSource by looking up the
// hash this application itself observed at that height during
// FinalizeBlock. It satisfies every AnchoringService registered above.
func (a *Application) BlockHashAt(height uint64) ([32]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	hash, ok := a.blockHashes[height]
	if !ok {
		return [32]byte{}, fmt.Errorf("abci: no observed block hash at height %d", height)
	}
	return hash, nil
}

func (a *Application) Info(ctx context.Context, req *abcitypes.RequestInfo) (*abcitypes.ResponseInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return &abcitypes.ResponseInfo{
		Data:             "bitcoin anchoring service",
		Version:          "1.0.0",
		AppVersion:       1,
		LastBlockHeight:  a.height,
		LastBlockAppHash: a.appHash,
	}, nil
}

func (a *Application) InitChain(ctx context.Context, req *abcitypes.RequestInitChain) (*abcitypes.ResponseInitChain, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, v := range req.Validators {
		var key [32]byte
		copy(key[:], validatorPubKeyBytes(v.PubKey))
		a.verifier.Register(uint32(i), key)
	}
	return &abcitypes.ResponseInitChain{}, nil
}

// validatorPubKeyBytes extracts the raw key bytes from CometBFT's
// oneof-wrapped public key, whichever variant the genesis file used.
func validatorPubKeyBytes(pub cryptoproto.PublicKey) []byte {
	switch k := pub.Sum.(type) {
	case *cryptoproto.PublicKey_Ed25519:
		return k.Ed25519
	case *cryptoproto.PublicKey_Secp256K1:
		return k.Secp256K1
	default:
		return nil
	}
}

func (a *Application) CheckTx(ctx context.Context, req *abcitypes.RequestCheckTx) (*abcitypes.ResponseCheckTx, error) {
	msg, err := DecodeTx(req.Tx)
	if err != nil {
		return &abcitypes.ResponseCheckTx{Code: 1, Log: err.Error()}, nil
	}
	if err := msg.Verify(a.cfg, a.view, a.verifier); err != nil {
		return &abcitypes.ResponseCheckTx{Code: 2, Log: err.Error()}, nil
	}
	return &abcitypes.ResponseCheckTx{Code: 0}, nil
}

func (a *Application) PrepareProposal(ctx context.Context, req *abcitypes.RequestPrepareProposal) (*abcitypes.ResponsePrepareProposal, error) {
	return &abcitypes.ResponsePrepareProposal{Txs: req.Txs}, nil
}

func (a *Application) ProcessProposal(ctx context.Context, req *abcitypes.RequestProcessProposal) (*abcitypes.ResponseProcessProposal, error) {
	return &abcitypes.ResponseProcessProposal{Status: abcitypes.ResponseProcessProposal_ACCEPT}, nil
}

// FinalizeBlock executes every Signature/UpdateLatest transaction in
// the block against the replicated schema, per spec §4.3's Verify/
// Execute split applied at the consensus boundary.
func (a *Application) FinalizeBlock(ctx context.Context, req *abcitypes.RequestFinalizeBlock) (*abcitypes.ResponseFinalizeBlock, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.pendingHeight = uint64(req.Height)
	copy(a.pendingBlockHash[:], req.Hash)
	a.blockHashes[a.pendingHeight] = a.pendingBlockHash

	txResults := make([]*abcitypes.ExecTxResult, len(req.Txs))
	for i, tx := range req.Txs {
		txResults[i] = &abcitypes.ExecTxResult{}
		msg, err := DecodeTx(tx)
		if err != nil {
			txResults[i].Code = 1
			txResults[i].Log = err.Error()
			continue
		}
		if err := msg.Verify(a.cfg, a.view, a.verifier); err != nil {
			txResults[i].Code = 2
			txResults[i].Log = err.Error()
			continue
		}
		if err := msg.Execute(a.cfg, a.view, a); err != nil {
			a.logger.Printf("warn: execute failed for %T at height %d: %v", msg, req.Height, err)
			txResults[i].Code = 3
			txResults[i].Log = err.Error()
			continue
		}
	}

	return &abcitypes.ResponseFinalizeBlock{
		TxResults: txResults,
		AppHash:   a.computeAppHash(),
	}, nil
}

// Commit runs every registered AnchoringService's HandleCommit against
// the just-finalized view, per spec §4.4, then persists the resulting
// app hash. State mutation by HandleCommit happens exclusively here,
// never in CheckTx or PrepareProposal, matching spec §5's ordering
// guarantee.
func (a *Application) Commit(ctx context.Context, req *abcitypes.RequestCommit) (*abcitypes.ResponseCommit, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for id, svc := range a.services {
		if err := svc.HandleCommit(ctx, a.cfg, a.pendingHeight, a.pendingBlockHash, a.view); err != nil {
			return nil, fmt.Errorf("abci: HandleCommit failed for validator %d at height %d: %w", id, a.pendingHeight, err)
		}
	}

	a.height++
	a.appHash = a.computeAppHash()

	return &abcitypes.ResponseCommit{}, nil
}

// computeAppHash hashes the committed height and block hash together
// with every validator's lects(v) Merkle root, so a replica that has
// diverged on the authenticated LECT lists themselves, not just on
// height and block hash, is also detected. The replicated schema's own
// durability comes from kvdb.Adapter's SetSync writes; the app hash
// only needs to let CometBFT detect that divergence, not serve as the
// schema's storage proof.
func (a *Application) computeAppHash() []byte {
	buf := make([]byte, 8+32, 8+32+a.cfg.NumValidators()*32)
	binary.BigEndian.PutUint64(buf[:8], a.pendingHeight)
	copy(buf[8:], a.pendingBlockHash[:])
	for v := 0; v < a.cfg.NumValidators(); v++ {
		root, err := a.view.LectsRoot(uint32(v))
		if err != nil || root == nil {
			continue
		}
		buf = append(buf, root...)
	}
	sum := sha256.Sum256(buf)
	return sum[:]
}

func (a *Application) Query(ctx context.Context, req *abcitypes.RequestQuery) (*abcitypes.ResponseQuery, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch req.Path {
	case "/height":
		return &abcitypes.ResponseQuery{Code: 0, Value: []byte(fmt.Sprintf("%d", a.height))}, nil
	default:
		return &abcitypes.ResponseQuery{Code: 1, Log: "unknown query path: " + req.Path}, nil
	}
}

func (a *Application) ExtendVote(ctx context.Context, req *abcitypes.RequestExtendVote) (*abcitypes.ResponseExtendVote, error) {
	return &abcitypes.ResponseExtendVote{}, nil
}

func (a *Application) VerifyVoteExtension(ctx context.Context, req *abcitypes.RequestVerifyVoteExtension) (*abcitypes.ResponseVerifyVoteExtension, error) {
	return &abcitypes.ResponseVerifyVoteExtension{Status: abcitypes.ResponseVerifyVoteExtension_ACCEPT}, nil
}

func (a *Application) ListSnapshots(ctx context.Context, req *abcitypes.RequestListSnapshots) (*abcitypes.ResponseListSnapshots, error) {
	return &abcitypes.ResponseListSnapshots{}, nil
}

func (a *Application) OfferSnapshot(ctx context.Context, req *abcitypes.RequestOfferSnapshot) (*abcitypes.ResponseOfferSnapshot, error) {
	return &abcitypes.ResponseOfferSnapshot{Result: abcitypes.ResponseOfferSnapshot_ABORT}, nil
}

func (a *Application) LoadSnapshotChunk(ctx context.Context, req *abcitypes.RequestLoadSnapshotChunk) (*abcitypes.ResponseLoadSnapshotChunk, error) {
	return &abcitypes.ResponseLoadSnapshotChunk{}, nil
}

func (a *Application) ApplySnapshotChunk(ctx context.Context, req *abcitypes.RequestApplySnapshotChunk) (*abcitypes.ResponseApplySnapshotChunk, error) {
	return &abcitypes.ResponseApplySnapshotChunk{Result: abcitypes.ResponseApplySnapshotChunk_ABORT}, nil
}
