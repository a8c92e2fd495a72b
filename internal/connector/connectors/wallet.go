package connectors

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mathia-chat/mathia/internal/apierr"
	"github.com/mathia-chat/mathia/internal/connector"
	"github.com/mathia-chat/mathia/internal/store"
)

const walletTxnListMax = 20

// Wallet implements the read-only balance/list_txns connector. It never
// initiates transfers from chat; it only reads balances and transactions.
type Wallet struct {
	wallets *store.WalletRepo
}

func NewWallet(wallets *store.WalletRepo) *Wallet {
	return &Wallet{wallets: wallets}
}

func (w *Wallet) Name() string { return "wallet" }

var walletActions = map[string]bool{"balance": true, "list_txns": true}

func (w *Wallet) Validate(req connector.Request) error {
	if !walletActions[req.Action] {
		return apierr.Newf(apierr.Unsupported, "wallet: unsupported action %q", req.Action)
	}
	if req.Action == "list_txns" {
		if limit, ok := toInt(req.Params["limit"]); ok && limit > walletTxnListMax {
			return apierr.Newf(apierr.Validation, "wallet: limit must be <= %d", walletTxnListMax)
		}
	}
	return nil
}

func (w *Wallet) Execute(ctx context.Context, req connector.Request) (connector.Result, error) {
	switch req.Action {
	case "balance":
		wallet, err := w.wallets.Get(ctx, req.UserID)
		if err != nil {
			if err == store.ErrNotFound {
				data, _ := json.Marshal(map[string]any{"balance_minor": 0, "currency": "USD"})
				return connector.Result{Status: connector.StatusOK, Data: data}, nil
			}
			return connector.Result{}, apierr.New(apierr.UpstreamFailure, err)
		}
		data, _ := json.Marshal(map[string]any{
			"balance_minor": wallet.BalanceMinor, "currency": wallet.Currency, "overdraft": wallet.Overdraft,
		})
		return connector.Result{Status: connector.StatusOK, Data: data}, nil
	case "list_txns":
		limit := walletTxnListMax
		if n, ok := toInt(req.Params["limit"]); ok && n > 0 {
			limit = n
		}
		txns, err := w.wallets.ListTxns(ctx, req.UserID, limit)
		if err != nil {
			return connector.Result{}, apierr.New(apierr.UpstreamFailure, err)
		}
		data, _ := json.Marshal(map[string]any{"txns": txns})
		return connector.Result{Status: connector.StatusOK, Data: data}, nil
	default:
		return connector.Result{}, apierr.Newf(apierr.Unsupported, "wallet: %s", req.Action)
	}
}

func (w *Wallet) CachePolicy() (time.Duration, connector.CacheScope) {
	return 10 * time.Second, connector.ScopePerUser
}

func (w *Wallet) RateLimit() (int, time.Duration) { return 100, time.Hour }
