package ledger

import (
	"context"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/Checker-Finance/exchange-connectors/pkg/model"
)

// DBExecutor is the subset of *pgxpool.Pool the writer needs.
type DBExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// TradeSyncWriter mirrors exchange executions into activity.t_exchange_trade.
type TradeSyncWriter struct {
	db     DBExecutor
	logger *zap.Logger
	source string
}

// NewTradeSyncWriter builds a writer. source identifies the writing service.
func NewTradeSyncWriter(db DBExecutor, logger *zap.Logger, source string) *TradeSyncWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TradeSyncWriter{db: db, logger: logger, source: source}
}

const upsertTrade = `
	INSERT INTO activity.t_exchange_trade (
		s_id_trade,
		s_exchange,
		s_id_account,
		s_id_order_external,
		s_id_transaction,
		dec_price,
		dec_quantity,
		dec_total,
		dec_fee,
		s_fee_asset,
		dt_executed,
		s_source
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (s_exchange, s_id_trade)
	DO UPDATE SET
		dec_price = EXCLUDED.dec_price,
		dec_quantity = EXCLUDED.dec_quantity,
		dec_total = EXCLUDED.dec_total,
		dec_fee = EXCLUDED.dec_fee,
		s_fee_asset = EXCLUDED.s_fee_asset,
		dt_executed = EXCLUDED.dt_executed;
`

// SyncTrade upserts one trade. Replays of the same execution are idempotent.
func (w *TradeSyncWriter) SyncTrade(ctx context.Context, t *model.UnifiedTrade) error {
	if t == nil || t.TradeID == "" {
		return nil
	}

	_, err := w.db.Exec(ctx, upsertTrade,
		t.TradeID,
		t.Exchange,
		t.AccountID,
		t.OrderID,
		t.TransactionID,
		t.Price,
		t.Quantity,
		t.Total,
		t.Fee,
		t.FeeAsset,
		t.Timestamp,
		w.source,
	)
	if err != nil {
		w.logger.Error("ledger.trade_sync_failed",
			zap.String("trade_id", t.TradeID),
			zap.String("exchange", t.Exchange),
			zap.String("account_id", t.AccountID),
			zap.Error(err))
		return err
	}

	w.logger.Info("ledger.trade_sync_upsert",
		zap.String("trade_id", t.TradeID),
		zap.String("order_id", t.OrderID),
		zap.String("exchange", t.Exchange),
		zap.Time("executed_at", t.Timestamp))
	return nil
}
