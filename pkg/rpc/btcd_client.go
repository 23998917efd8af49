package rpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
)

// BTCDClient implements Client over a btcd/rpcclient connection to a
// Bitcoin full node.
type BTCDClient struct {
	rpc    *rpcclient.Client
	params *chaincfg.Params
}

// NewBTCDClient dials a Bitcoin full node's JSON-RPC endpoint.
func NewBTCDClient(host, user, pass string, disableTLS bool, params *chaincfg.Params) (*BTCDClient, error) {
	cfg := &rpcclient.ConnConfig{
		Host:         host,
		User:         user,
		Pass:         pass,
		HTTPPostMode: true,
		DisableTLS:   disableTLS,
	}
	client, err := rpcclient.New(cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to dial bitcoin rpc: %v", ErrUnavailable, err)
	}
	return &BTCDClient{rpc: client, params: params}, nil
}

// Shutdown tears down the underlying RPC connection.
func (c *BTCDClient) Shutdown() {
	c.rpc.Shutdown()
}

// runWithTimeout executes a blocking rpcclient call on a goroutine and
// honors ctx's deadline, since btcd/rpcclient predates context.Context
// and has no native cancellation hook per call.
func runWithTimeout[T any](ctx context.Context, call func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := call()
		ch <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	case r := <-ch:
		return r.val, r.err
	}
}

// ListUnspent implements Client.
func (c *BTCDClient) ListUnspent(ctx context.Context, address string) ([]UnspentOutput, error) {
	addr, err := btcutil.DecodeAddress(address, c.params)
	if err != nil {
		return nil, fmt.Errorf("invalid address %s: %w", address, err)
	}

	unspent, rpcErr := runWithTimeout(ctx, func() ([]btcjson.ListUnspentResult, error) {
		return c.rpc.ListUnspentMinMaxAddresses(0, 9999999, []btcutil.Address{addr})
	})
	if rpcErr != nil {
		return nil, fmt.Errorf("%w: list_unspent failed: %v", ErrUnavailable, rpcErr)
	}

	out := make([]UnspentOutput, 0, len(unspent))
	for _, u := range unspent {
		amountSat, err := btcutil.NewAmount(u.Amount)
		if err != nil {
			continue
		}
		out = append(out, UnspentOutput{
			TxID:          u.TxID,
			Vout:          u.Vout,
			Amount:        int64(amountSat),
			Confirmations: u.Confirmations,
		})
	}
	return out, nil
}

// GetRawTransaction implements Client.
func (c *BTCDClient) GetRawTransaction(ctx context.Context, txid chainhash.Hash) ([]byte, error) {
	tx, err := runWithTimeout(ctx, func() (*btcutil.Tx, error) {
		return c.rpc.GetRawTransaction(&txid)
	})
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return nil, err
		}
		// Bitcoin Core reports "No such mempool ..." and btcd reports
		// "No information available about transaction ..."; anything
		// else is a transport or server fault, not an unknown tx.
		msg := err.Error()
		if !strings.Contains(msg, "No such mempool") && !strings.Contains(msg, "No information available about transaction") {
			return nil, fmt.Errorf("%w: get_raw_transaction failed: %v", ErrUnavailable, err)
		}
		return nil, fmt.Errorf("%w: txid %s: %v", ErrNotFound, txid, err)
	}

	var buf bytes.Buffer
	if err := tx.MsgTx().Serialize(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize fetched tx: %w", err)
	}
	return buf.Bytes(), nil
}

// SendRawTransaction implements Client.
func (c *BTCDClient) SendRawTransaction(ctx context.Context, raw []byte) error {
	tx, err := decodeMsgTx(raw)
	if err != nil {
		return fmt.Errorf("failed to decode tx for broadcast: %w", err)
	}

	_, err = runWithTimeout(ctx, func() (*chainhash.Hash, error) {
		return c.rpc.SendRawTransaction(tx, false)
	})
	if err != nil && !isAlreadyKnown(err) {
		return fmt.Errorf("%w: send_raw_transaction failed: %v", ErrUnavailable, err)
	}
	return nil
}

// ImportAddress implements Client.
func (c *BTCDClient) ImportAddress(ctx context.Context, address string, label string, rescan bool) error {
	_, err := runWithTimeout(ctx, func() (struct{}, error) {
		return struct{}{}, c.rpc.ImportAddressRescan(address, label, rescan)
	})
	if err != nil {
		return fmt.Errorf("%w: import_address failed: %v", ErrUnavailable, err)
	}
	return nil
}

func isAlreadyKnown(err error) bool {
	// Bitcoin Core's sendrawtransaction returns "transaction already in
	// block chain" or "already have transaction" for duplicate submits;
	// per spec §4.5 these are tolerated, not treated as failures.
	msg := err.Error()
	for _, sub := range []string{"already have transaction", "already in block chain", "txn-already-known", "txn-already-in-mempool"} {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}

func decodeMsgTx(raw []byte) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return tx, nil
}
