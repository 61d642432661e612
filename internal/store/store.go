// Package store persists tracker state in a single SQLite table of JSON
// documents keyed by item name. The schema mirrors a key/value layout:
// one row per logical item, upserted whole on every save.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"tracker.transitwatch.org/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS items (
	k          TEXT PRIMARY KEY,
	v          TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);`

// Item keys. Prediction groups and route-scoped items append their
// identifier to the prefix.
const (
	KeyVehicleStatus   = "vehicle_status"
	KeyVehicleScanner  = "vehicle_scanner"
	KeyAPICountTotal   = "api_count_total"
	KeyStopsSearch     = "stops_search"
	prefixPredictions  = "predictions_"
	prefixAPICount     = "api_count_"
	prefixStopsByRoute = "stops_route_"
	prefixRouteMap     = "map_"
)

// DB wraps the SQLite handle with typed accessors for each persisted item.
type DB struct {
	conn *sqlx.DB
}

// Open opens (and creates, if needed) the database at path and ensures the
// schema exists. Use ":memory:" for an ephemeral database.
func Open(path string) (*DB, error) {
	conn, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

type row struct {
	Key       string    `db:"k"`
	Value     string    `db:"v"`
	UpdatedAt time.Time `db:"updated_at"`
}

// load unmarshals the item stored under key into dst. The second return
// value reports whether the item existed.
func (db *DB) load(ctx context.Context, key string, dst any) (bool, error) {
	var r row
	err := db.conn.GetContext(ctx, &r, `SELECT k, v, updated_at FROM items WHERE k = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(r.Value), dst); err != nil {
		return false, fmt.Errorf("decoding %s: %w", key, err)
	}
	return true, nil
}

func (db *DB) save(ctx context.Context, key string, v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO items (k, v, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(k) DO UPDATE SET v = excluded.v, updated_at = excluded.updated_at`,
		key, string(buf), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("saving %s: %w", key, err)
	}
	return nil
}

func (db *DB) VehicleStatus(ctx context.Context) (models.VehicleStatusItem, bool, error) {
	var item models.VehicleStatusItem
	ok, err := db.load(ctx, KeyVehicleStatus, &item)
	return item, ok, err
}

func (db *DB) SaveVehicleStatus(ctx context.Context, item models.VehicleStatusItem) error {
	return db.save(ctx, KeyVehicleStatus, item)
}

func (db *DB) VehicleScanner(ctx context.Context) (models.VehicleScannerItem, bool, error) {
	var item models.VehicleScannerItem
	ok, err := db.load(ctx, KeyVehicleScanner, &item)
	return item, ok, err
}

func (db *DB) SaveVehicleScanner(ctx context.Context, item models.VehicleScannerItem) error {
	return db.save(ctx, KeyVehicleScanner, item)
}

func (db *DB) PredictionGroup(ctx context.Context, groupID int) (models.PredictionItem, bool, error) {
	var item models.PredictionItem
	ok, err := db.load(ctx, fmt.Sprintf("%s%d", prefixPredictions, groupID), &item)
	return item, ok, err
}

func (db *DB) SavePredictionGroup(ctx context.Context, item models.PredictionItem) error {
	return db.save(ctx, fmt.Sprintf("%s%d", prefixPredictions, item.ID), item)
}

// PredictionGroups loads every stored prediction group, keyed by group id.
func (db *DB) PredictionGroups(ctx context.Context) (map[int]models.PredictionItem, error) {
	var rows []row
	err := db.conn.SelectContext(ctx, &rows,
		`SELECT k, v, updated_at FROM items WHERE k LIKE ?`, prefixPredictions+"%")
	if err != nil {
		return nil, fmt.Errorf("loading prediction groups: %w", err)
	}
	groups := make(map[int]models.PredictionItem, len(rows))
	for _, r := range rows {
		var item models.PredictionItem
		if err := json.Unmarshal([]byte(r.Value), &item); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", r.Key, err)
		}
		groups[item.ID] = item
	}
	return groups, nil
}

func (db *DB) APICountTotal(ctx context.Context) (models.APICountTotal, bool, error) {
	var item models.APICountTotal
	ok, err := db.load(ctx, KeyAPICountTotal, &item)
	return item, ok, err
}

func (db *DB) SaveAPICountTotal(ctx context.Context, item models.APICountTotal) error {
	return db.save(ctx, KeyAPICountTotal, item)
}

// SaveAPICountRecord stores a dated call record under a key derived from the
// recorded timestamp, so history accumulates rather than overwrites.
func (db *DB) SaveAPICountRecord(ctx context.Context, rec models.APICountRecord) error {
	key := prefixAPICount + rec.Recorded.UTC().Format("2006-01-02T15:04:05.000")
	return db.save(ctx, key, rec)
}

func (db *DB) StopsForRoute(ctx context.Context, routeID string) ([]models.Stop, bool, error) {
	var stops []models.Stop
	ok, err := db.load(ctx, prefixStopsByRoute+routeID, &stops)
	return stops, ok, err
}

func (db *DB) SaveStopsForRoute(ctx context.Context, routeID string, stops []models.Stop) error {
	return db.save(ctx, prefixStopsByRoute+routeID, stops)
}

func (db *DB) StopsSearch(ctx context.Context) (map[string]models.Stop, bool, error) {
	var stops map[string]models.Stop
	ok, err := db.load(ctx, KeyStopsSearch, &stops)
	return stops, ok, err
}

func (db *DB) SaveStopsSearch(ctx context.Context, stops map[string]models.Stop) error {
	return db.save(ctx, KeyStopsSearch, stops)
}

func (db *DB) RouteMap(ctx context.Context, routeID string) (models.RouteMap, bool, error) {
	var m models.RouteMap
	ok, err := db.load(ctx, prefixRouteMap+routeID, &m)
	return m, ok, err
}

// RouteMaps loads every stored route map, keyed by route id.
func (db *DB) RouteMaps(ctx context.Context) (map[string]models.RouteMap, error) {
	var rows []row
	err := db.conn.SelectContext(ctx, &rows,
		`SELECT k, v, updated_at FROM items WHERE k LIKE ?`, prefixRouteMap+"%")
	if err != nil {
		return nil, fmt.Errorf("loading route maps: %w", err)
	}
	maps := make(map[string]models.RouteMap, len(rows))
	for _, r := range rows {
		var m models.RouteMap
		if err := json.Unmarshal([]byte(r.Value), &m); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", r.Key, err)
		}
		maps[m.RouteID] = m
	}
	return maps, nil
}

func (db *DB) SaveRouteMap(ctx context.Context, m models.RouteMap) error {
	return db.save(ctx, prefixRouteMap+m.RouteID, m)
}
