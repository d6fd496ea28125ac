package tradelog

// Prices are stored as decimal TEXT and only cast to REAL inside views.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS orders (
	order_id       INTEGER PRIMARY KEY,
	symbol         TEXT NOT NULL,
	side           TEXT NOT NULL,
	order_type     TEXT NOT NULL,
	product_type   TEXT NOT NULL DEFAULT '',
	qty            INTEGER NOT NULL DEFAULT 0,
	filled_qty     INTEGER NOT NULL DEFAULT 0,
	remaining_qty  INTEGER NOT NULL DEFAULT 0,
	price          TEXT,
	trigger_price  TEXT,
	avg_fill_price TEXT,
	status         TEXT NOT NULL DEFAULT '',
	order_tag      TEXT NOT NULL DEFAULT '',
	oco_group      TEXT NOT NULL DEFAULT '',
	parent_id      INTEGER,
	created_time   DATETIME NOT NULL,
	updated_time   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders(symbol);
CREATE INDEX IF NOT EXISTS idx_orders_created ON orders(created_time);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);

CREATE TABLE IF NOT EXISTS trades (
	trade_id     INTEGER PRIMARY KEY,
	order_id     INTEGER NOT NULL,
	symbol       TEXT NOT NULL DEFAULT '',
	qty          INTEGER NOT NULL DEFAULT 0,
	price        TEXT NOT NULL,
	created_time DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_order ON trades(order_id);
CREATE INDEX IF NOT EXISTS idx_trades_created ON trades(created_time);

-- one position per symbol; the backend does not always send an id
CREATE TABLE IF NOT EXISTS positions (
	symbol         TEXT PRIMARY KEY,
	position_id    INTEGER NOT NULL DEFAULT 0,
	qty            INTEGER NOT NULL DEFAULT 0,
	avg_price      TEXT NOT NULL DEFAULT '0',
	realized_pnl   TEXT NOT NULL DEFAULT '0',
	unrealized_pnl TEXT NOT NULL DEFAULT '0',
	sl_price       TEXT,
	tp_price       TEXT,
	synced_time    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
	entry_id     INTEGER PRIMARY KEY,
	order_id     INTEGER,
	action       TEXT NOT NULL,
	performed_by INTEGER,
	details      TEXT NOT NULL DEFAULT '',
	logged_time  DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_order ON audit_log(order_id);

CREATE VIEW IF NOT EXISTS v_trades AS
SELECT
	t.trade_id,
	t.order_id,
	COALESCE(NULLIF(t.symbol, ''), o.symbol, '') AS symbol,
	COALESCE(o.side, '') AS side,
	t.qty,
	t.price,
	t.created_time
FROM trades t
LEFT JOIN orders o ON o.order_id = t.order_id;

CREATE VIEW IF NOT EXISTS v_symbol_summary AS
SELECT
	symbol,
	SUM(CASE WHEN side = 'BUY' THEN qty ELSE 0 END) AS bought,
	SUM(CASE WHEN side = 'SELL' THEN qty ELSE 0 END) AS sold,
	SUM(CASE WHEN side = 'BUY' THEN -qty * CAST(price AS REAL)
	         WHEN side = 'SELL' THEN qty * CAST(price AS REAL)
	         ELSE 0 END) AS cash_flow,
	COUNT(*) AS trades
FROM v_trades
GROUP BY symbol;

CREATE VIEW IF NOT EXISTS v_daily_turnover AS
SELECT
	DATE(created_time) AS date,
	SUM(qty * CAST(price AS REAL)) AS turnover,
	SUM(qty) AS volume,
	COUNT(*) AS trades
FROM trades
GROUP BY DATE(created_time)
ORDER BY date;
`
