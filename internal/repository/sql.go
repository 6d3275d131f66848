package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"time"

	"nft-marketplace-api/internal/model"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// dialect captures what differs between the SQL backends.
type dialect struct {
	name         string
	dollarParams bool // $1, $2 ... instead of ?
	onConflict   func(keys []string, cols []string) string
	schema       []string
}

var (
	dialectSQLite = dialect{
		name:       "sqlite",
		onConflict: excludedUpsert,
		schema: append(baseSchema(""),
			`CREATE INDEX IF NOT EXISTS idx_events_asset ON events(asset, token_id)`),
	}
	dialectPostgres = dialect{
		name:         "postgres",
		dollarParams: true,
		onConflict:   excludedUpsert,
		schema: append(baseSchema(""),
			`CREATE INDEX IF NOT EXISTS idx_events_asset ON events(asset, token_id)`),
	}
	dialectMySQL = dialect{
		name:       "mysql",
		onConflict: duplicateKeyUpsert,
		schema:     baseSchema(",\n\t\tINDEX idx_events_asset (asset, token_id)"),
	}
)

// baseSchema returns the portable DDL. Amounts and token ids are stored as
// base-10 text because they exceed every native integer type.
func baseSchema(eventsExtra string) []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS listings (
		asset VARCHAR(42) NOT NULL,
		token_id VARCHAR(78) NOT NULL,
		price VARCHAR(78) NOT NULL,
		seller VARCHAR(42) NOT NULL,
		updated_at BIGINT NOT NULL,
		PRIMARY KEY (asset, token_id)
	)`,
		`CREATE TABLE IF NOT EXISTS proceeds (
		account VARCHAR(42) NOT NULL PRIMARY KEY,
		amount VARCHAR(78) NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
		`CREATE TABLE IF NOT EXISTS events (
		seq BIGINT NOT NULL PRIMARY KEY,
		event_type VARCHAR(32) NOT NULL,
		seller VARCHAR(42) NOT NULL,
		buyer VARCHAR(42) NOT NULL,
		asset VARCHAR(42) NOT NULL,
		token_id VARCHAR(78) NOT NULL,
		price VARCHAR(78) NOT NULL,
		created_at BIGINT NOT NULL` + eventsExtra + `
	)`,
		`CREATE TABLE IF NOT EXISTS metadata (
		name VARCHAR(64) NOT NULL PRIMARY KEY,
		value VARCHAR(255) NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	}
}

func excludedUpsert(keys []string, cols []string) string {
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = excluded.%s", c, c)
	}
	return fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", strings.Join(keys, ", "), strings.Join(sets, ", "))
}

func duplicateKeyUpsert(_ []string, cols []string) string {
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = VALUES(%s)", c, c)
	}
	return " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
}

// rebind rewrites ? placeholders for dialects that number them.
func (d dialect) rebind(query string) string {
	if !d.dollarParams {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// SQLStore implements Store on top of database/sql for SQLite, PostgreSQL
// and MySQL.
type SQLStore struct {
	db  *sql.DB
	d   dialect
	log logrus.FieldLogger

	upsertListing  string
	upsertProceeds string
	upsertMetadata string
}

func newSQLStore(db *sql.DB, d dialect) (*SQLStore, error) {
	s := &SQLStore{
		db:  db,
		d:   d,
		log: logrus.WithField("component", d.name+"_store"),
	}
	s.upsertListing = d.rebind(`INSERT INTO listings (asset, token_id, price, seller, updated_at) VALUES (?, ?, ?, ?, ?)` +
		d.onConflict([]string{"asset", "token_id"}, []string{"price", "seller", "updated_at"}))
	s.upsertProceeds = d.rebind(`INSERT INTO proceeds (account, amount, updated_at) VALUES (?, ?, ?)` +
		d.onConflict([]string{"account"}, []string{"amount", "updated_at"}))
	s.upsertMetadata = d.rebind(`INSERT INTO metadata (name, value, updated_at) VALUES (?, ?, ?)` +
		d.onConflict([]string{"name"}, []string{"value", "updated_at"}))

	if err := s.createTables(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLStore) createTables(ctx context.Context) error {
	for _, stmt := range s.d.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// GetListing returns the committed listing for key.
func (s *SQLStore) GetListing(ctx context.Context, key model.ListingKey) (model.Listing, error) {
	return getListing(ctx, s.db, s.d, key)
}

// GetProceeds returns the committed balance of account.
func (s *SQLStore) GetProceeds(ctx context.Context, account common.Address) (*big.Int, error) {
	return getProceeds(ctx, s.db, s.d, account)
}

// Begin starts a database transaction.
func (s *SQLStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &sqlTx{store: s, tx: tx}, nil
}

// ListEvents returns committed events after the given sequence number.
func (s *SQLStore) ListEvents(ctx context.Context, after uint64, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	// Sequence numbers are stored as signed 64-bit integers.
	if after > math.MaxInt64 {
		return []model.Event{}, nil
	}
	query := s.d.rebind(`SELECT seq, event_type, seller, buyer, asset, token_id, price, created_at
		FROM events WHERE seq > ? ORDER BY seq LIMIT ?`)

	rows, err := s.db.QueryContext(ctx, query, int64(after), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := make([]model.Event, 0, limit)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return events, nil
}

// LastEventSeq returns the newest committed sequence number.
func (s *SQLStore) LastEventSeq(ctx context.Context) (uint64, error) {
	return lastSeq(ctx, s.db)
}

// GetCursor returns the stored position for name, zero if unset.
func (s *SQLStore) GetCursor(ctx context.Context, name string) (uint64, error) {
	var value string
	err := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT value FROM metadata WHERE name = ?`), cursorKey(name)).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get cursor %s: %w", name, err)
	}
	seq, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt cursor %s: %w", name, err)
	}
	return seq, nil
}

// SetCursor stores the position for name.
func (s *SQLStore) SetCursor(ctx context.Context, name string, seq uint64) error {
	_, err := s.db.ExecContext(ctx, s.upsertMetadata, cursorKey(name), strconv.FormatUint(seq, 10), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to set cursor %s: %w", name, err)
	}
	return nil
}

func cursorKey(name string) string {
	return "cursor:" + name
}

// Stats returns statistics about the database.
func (s *SQLStore) Stats(ctx context.Context) (map[string]interface{}, error) {
	stats := map[string]interface{}{"backend": s.d.name}

	counts := []struct {
		key   string
		query string
	}{
		{"active_listings", "SELECT COUNT(*) FROM listings"},
		{"funded_accounts", "SELECT COUNT(*) FROM proceeds"},
		{"total_events", "SELECT COUNT(*) FROM events"},
	}
	for _, c := range counts {
		var n int64
		if err := s.db.QueryRowContext(ctx, c.query).Scan(&n); err != nil {
			return nil, err
		}
		stats[c.key] = n
	}

	last, err := lastSeq(ctx, s.db)
	if err != nil {
		return nil, err
	}
	stats["last_event_seq"] = last

	switch s.d.name {
	case "sqlite":
		var pageCount, pageSize int64
		if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
			return nil, fmt.Errorf("failed to read page count: %w", err)
		}
		if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
			return nil, fmt.Errorf("failed to read page size: %w", err)
		}
		stats["db_size_bytes"] = pageCount * pageSize
	case "postgres":
		var size int64
		if err := s.db.QueryRowContext(ctx, `SELECT pg_total_relation_size('events')`).Scan(&size); err == nil {
			stats["events_size_bytes"] = size
		}
	}

	dbStats := s.db.Stats()
	stats["connections"] = map[string]interface{}{
		"open":     dbStats.OpenConnections,
		"in_use":   dbStats.InUse,
		"idle":     dbStats.Idle,
		"max_open": dbStats.MaxOpenConnections,
	}
	return stats, nil
}

// Ping verifies the database connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

type sqlTx struct {
	store *SQLStore
	tx    *sql.Tx
	done  bool
}

func (t *sqlTx) GetListing(ctx context.Context, key model.ListingKey) (model.Listing, error) {
	if t.done {
		return model.Listing{}, ErrTxDone
	}
	return getListing(ctx, t.tx, t.store.d, key)
}

func (t *sqlTx) GetProceeds(ctx context.Context, account common.Address) (*big.Int, error) {
	if t.done {
		return nil, ErrTxDone
	}
	return getProceeds(ctx, t.tx, t.store.d, account)
}

func (t *sqlTx) PutListing(ctx context.Context, key model.ListingKey, listing model.Listing) error {
	if t.done {
		return ErrTxDone
	}
	_, err := t.tx.ExecContext(ctx, t.store.upsertListing,
		key.Asset.Hex(), key.TokenID.String(), listing.Price.String(), listing.Seller.Hex(), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to put listing %s: %w", key, err)
	}
	return nil
}

func (t *sqlTx) DeleteListing(ctx context.Context, key model.ListingKey) error {
	if t.done {
		return ErrTxDone
	}
	query := t.store.d.rebind(`DELETE FROM listings WHERE asset = ? AND token_id = ?`)
	if _, err := t.tx.ExecContext(ctx, query, key.Asset.Hex(), key.TokenID.String()); err != nil {
		return fmt.Errorf("failed to delete listing %s: %w", key, err)
	}
	return nil
}

func (t *sqlTx) SetProceeds(ctx context.Context, account common.Address, amount *big.Int) error {
	if t.done {
		return ErrTxDone
	}
	var err error
	if amount == nil || amount.Sign() == 0 {
		_, err = t.tx.ExecContext(ctx, t.store.d.rebind(`DELETE FROM proceeds WHERE account = ?`), account.Hex())
	} else {
		_, err = t.tx.ExecContext(ctx, t.store.upsertProceeds, account.Hex(), amount.String(), time.Now().UnixMilli())
	}
	if err != nil {
		return fmt.Errorf("failed to set proceeds of %s: %w", account.Hex(), err)
	}
	return nil
}

func (t *sqlTx) AppendEvent(ctx context.Context, ev *model.Event) error {
	if t.done {
		return ErrTxDone
	}
	last, err := lastSeq(ctx, t.tx)
	if err != nil {
		return err
	}
	ev.Seq = last + 1
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	price := ""
	if ev.Price != nil {
		price = ev.Price.String()
	}
	query := t.store.d.rebind(`INSERT INTO events (seq, event_type, seller, buyer, asset, token_id, price, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = t.tx.ExecContext(ctx, query,
		int64(ev.Seq), string(ev.Type), ev.Seller.Hex(), ev.Buyer.Hex(), ev.Asset.Hex(),
		ev.TokenID.String(), price, ev.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to append %s event: %w", ev.Type, err)
	}
	return nil
}

var savepointName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func (t *sqlTx) savepointExec(ctx context.Context, stmt, name string) error {
	if t.done {
		return ErrTxDone
	}
	if !savepointName.MatchString(name) {
		return fmt.Errorf("invalid savepoint name %q", name)
	}
	if _, err := t.tx.ExecContext(ctx, stmt+" "+name); err != nil {
		return fmt.Errorf("%s %s: %w", strings.ToLower(stmt), name, err)
	}
	return nil
}

func (t *sqlTx) Savepoint(ctx context.Context, name string) error {
	return t.savepointExec(ctx, "SAVEPOINT", name)
}

func (t *sqlTx) RollbackTo(ctx context.Context, name string) error {
	return t.savepointExec(ctx, "ROLLBACK TO SAVEPOINT", name)
}

func (t *sqlTx) Release(ctx context.Context, name string) error {
	return t.savepointExec(ctx, "RELEASE SAVEPOINT", name)
}

func (t *sqlTx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (t *sqlTx) Rollback() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("failed to roll back transaction: %w", err)
	}
	return nil
}

func getListing(ctx context.Context, q queryer, d dialect, key model.ListingKey) (model.Listing, error) {
	query := d.rebind(`SELECT price, seller FROM listings WHERE asset = ? AND token_id = ?`)

	var price, seller string
	err := q.QueryRowContext(ctx, query, key.Asset.Hex(), key.TokenID.String()).Scan(&price, &seller)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.AbsentListing(), nil
		}
		return model.Listing{}, fmt.Errorf("failed to get listing %s: %w", key, err)
	}

	p, err := parseStoredInt(price)
	if err != nil {
		return model.Listing{}, fmt.Errorf("corrupt price for %s: %w", key, err)
	}
	return model.Listing{Price: p, Seller: common.HexToAddress(seller)}, nil
}

func getProceeds(ctx context.Context, q queryer, d dialect, account common.Address) (*big.Int, error) {
	var amount string
	err := q.QueryRowContext(ctx, d.rebind(`SELECT amount FROM proceeds WHERE account = ?`), account.Hex()).Scan(&amount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return new(big.Int), nil
		}
		return nil, fmt.Errorf("failed to get proceeds of %s: %w", account.Hex(), err)
	}
	v, err := parseStoredInt(amount)
	if err != nil {
		return nil, fmt.Errorf("corrupt proceeds for %s: %w", account.Hex(), err)
	}
	return v, nil
}

func lastSeq(ctx context.Context, q queryer) (uint64, error) {
	var last int64
	if err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events`).Scan(&last); err != nil {
		return 0, fmt.Errorf("failed to read last event seq: %w", err)
	}
	return uint64(last), nil
}

func scanEvent(rows *sql.Rows) (model.Event, error) {
	var seq, createdAt int64
	var typ, seller, buyer, asset, tokenID, price string
	if err := rows.Scan(&seq, &typ, &seller, &buyer, &asset, &tokenID, &price, &createdAt); err != nil {
		return model.Event{}, fmt.Errorf("failed to scan event: %w", err)
	}

	id, err := parseStoredInt(tokenID)
	if err != nil {
		return model.Event{}, fmt.Errorf("corrupt token id in event %d: %w", seq, err)
	}
	ev := model.Event{
		Seq:       uint64(seq),
		Type:      model.EventType(typ),
		Seller:    common.HexToAddress(seller),
		Buyer:     common.HexToAddress(buyer),
		Asset:     common.HexToAddress(asset),
		TokenID:   id,
		CreatedAt: time.UnixMilli(createdAt).UTC(),
	}
	if price != "" {
		if ev.Price, err = parseStoredInt(price); err != nil {
			return model.Event{}, fmt.Errorf("corrupt price in event %d: %w", seq, err)
		}
	}
	return ev, nil
}

func parseStoredInt(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	return v, nil
}

// Ensure SQLStore implements Store
var _ Store = (*SQLStore)(nil)
