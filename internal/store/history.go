package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"fleet-telemetry-agent/internal/model"
)

var historySchema = []string{
	`CREATE TABLE IF NOT EXISTS ticks(
		id TEXT PRIMARY KEY,
		node_id TEXT,
		ts REAL,
		snapshot TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS ticks_ts ON ticks(ts)`,
	`CREATE TABLE IF NOT EXISTS system_samples(
		tick_id TEXT PRIMARY KEY,
		ts REAL,
		source TEXT,
		gpu_usage REAL,
		cpu_usage REAL,
		accelerator_usage REAL,
		temperature REAL,
		memory_used INTEGER,
		memory_total INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS system_samples_ts ON system_samples(ts)`,
	`CREATE TABLE IF NOT EXISTS server_samples(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tick_id TEXT,
		ts REAL,
		server_id TEXT,
		status TEXT,
		pid INTEGER,
		memory_bytes INTEGER,
		cpu_percent REAL
	)`,
	`CREATE INDEX IF NOT EXISTS server_samples_server_ts ON server_samples(server_id, ts)`,
	`CREATE TABLE IF NOT EXISTS requests(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		server_id TEXT,
		ts REAL,
		method TEXT,
		endpoint TEXT,
		client_ip TEXT,
		status_code INTEGER,
		user_message TEXT,
		tokens_in INTEGER,
		tokens_out INTEGER,
		response_ms INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS requests_server_ts ON requests(server_id, ts)`,
}

// History is the sqlite-backed time series of ticks and the request log.
type History struct {
	db *sql.DB
}

type SystemSample struct {
	TickID           string              `json:"tick_id"`
	Timestamp        time.Time           `json:"timestamp"`
	Source           model.MetricsSource `json:"source"`
	GPUUsage         *float64            `json:"gpu_usage,omitempty"`
	CPUUsage         *float64            `json:"cpu_usage,omitempty"`
	AcceleratorUsage *float64            `json:"accelerator_usage,omitempty"`
	Temperature      *float64            `json:"temperature,omitempty"`
	MemoryUsed       uint64              `json:"memory_used"`
	MemoryTotal      uint64              `json:"memory_total"`
}

type ServerSample struct {
	TickID      string                `json:"tick_id"`
	Timestamp   time.Time             `json:"timestamp"`
	ServerID    string                `json:"server_id"`
	Status      model.CompositeStatus `json:"status"`
	PID         *int                  `json:"pid,omitempty"`
	MemoryBytes *uint64               `json:"memory_bytes,omitempty"`
	CPUPercent  *float64              `json:"cpu_percent,omitempty"`
}

func OpenHistory(path string) (*History, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	// One writer connection avoids SQLITE_BUSY between tailers and ticks.
	db.SetMaxOpenConns(1)
	for _, stmt := range historySchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init history schema: %w", err)
		}
	}
	return &History{db: db}, nil
}

func (h *History) Close() error { return h.db.Close() }

func (h *History) Ping(ctx context.Context) error { return h.db.PingContext(ctx) }

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(v float64) time.Time {
	return time.Unix(0, int64(v*1e9))
}

// RecordTick stores a whole tick in one transaction.
func (h *History) RecordTick(ctx context.Context, snap model.TickSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode tick: %w", err)
	}
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tick tx: %w", err)
	}
	defer tx.Rollback()

	ts := unixSeconds(snap.Timestamp)
	if _, err := tx.ExecContext(ctx, `INSERT INTO ticks(id, node_id, ts, snapshot) VALUES(?,?,?,?)`,
		snap.ID, snap.NodeID, ts, string(payload)); err != nil {
		return fmt.Errorf("insert tick: %w", err)
	}
	if sys := snap.System; sys != nil {
		if _, err := tx.ExecContext(ctx, `INSERT INTO system_samples(
			tick_id, ts, source, gpu_usage, cpu_usage, accelerator_usage, temperature, memory_used, memory_total)
			VALUES(?,?,?,?,?,?,?,?,?)`,
			snap.ID, unixSeconds(sys.Timestamp), string(sys.Source),
			nullFloat(sys.GPUUsage), nullFloat(sys.CPUUsage), nullFloat(sys.AcceleratorUsage), nullFloat(sys.Temperature),
			int64(sys.MemoryUsed), int64(sys.MemoryTotal)); err != nil {
			return fmt.Errorf("insert system sample: %w", err)
		}
	}
	for _, srv := range snap.Servers {
		var (
			mem sql.NullInt64
			cpu sql.NullFloat64
		)
		if p := srv.Process; p != nil {
			if p.MemoryBytes != nil {
				mem = sql.NullInt64{Int64: int64(*p.MemoryBytes), Valid: true}
			}
			cpu = nullFloat(p.CPUPercent)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO server_samples(
			tick_id, ts, server_id, status, pid, memory_bytes, cpu_percent) VALUES(?,?,?,?,?,?,?)`,
			snap.ID, ts, srv.Record.ID, string(srv.Status), nullInt(srv.Record.PID), mem, cpu); err != nil {
			return fmt.Errorf("insert server sample %s: %w", srv.Record.ID, err)
		}
	}
	return tx.Commit()
}

// WriteEntry appends one consolidated request to the request log.
func (h *History) WriteEntry(ctx context.Context, e model.CompactLogEntry) error {
	_, err := h.db.ExecContext(ctx, `INSERT INTO requests(
		server_id, ts, method, endpoint, client_ip, status_code, user_message, tokens_in, tokens_out, response_ms)
		VALUES(?,?,?,?,?,?,?,?,?,?)`,
		e.ServerID, unixSeconds(e.Timestamp), e.Method, e.Endpoint, e.ClientIP, e.StatusCode,
		e.UserMessage, e.TokensIn, e.TokensOut, e.ResponseTimeMs)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

// RecentRequests returns up to limit requests for a server, oldest first.
func (h *History) RecentRequests(ctx context.Context, serverID string, limit int) ([]model.CompactLogEntry, error) {
	rows, err := h.db.QueryContext(ctx, `SELECT server_id, ts, method, endpoint, client_ip, status_code,
		user_message, tokens_in, tokens_out, response_ms
		FROM requests WHERE server_id = ? ORDER BY ts DESC, id DESC LIMIT ?`, serverID, limit)
	if err != nil {
		return nil, fmt.Errorf("query requests: %w", err)
	}
	defer rows.Close()

	var out []model.CompactLogEntry
	for rows.Next() {
		var (
			e  model.CompactLogEntry
			ts float64
		)
		if err := rows.Scan(&e.ServerID, &ts, &e.Method, &e.Endpoint, &e.ClientIP, &e.StatusCode,
			&e.UserMessage, &e.TokensIn, &e.TokensOut, &e.ResponseTimeMs); err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		e.Timestamp = fromUnixSeconds(ts)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

// RecentSystemSamples returns up to limit host samples, oldest first.
func (h *History) RecentSystemSamples(ctx context.Context, limit int) ([]SystemSample, error) {
	rows, err := h.db.QueryContext(ctx, `SELECT tick_id, ts, source, gpu_usage, cpu_usage, accelerator_usage,
		temperature, memory_used, memory_total FROM system_samples ORDER BY ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query system samples: %w", err)
	}
	defer rows.Close()

	var out []SystemSample
	for rows.Next() {
		var (
			s                     SystemSample
			ts                    float64
			source                string
			gpu, cpu, accel, temp sql.NullFloat64
			used, total           int64
		)
		if err := rows.Scan(&s.TickID, &ts, &source, &gpu, &cpu, &accel, &temp, &used, &total); err != nil {
			return nil, fmt.Errorf("scan system sample: %w", err)
		}
		s.Timestamp = fromUnixSeconds(ts)
		s.Source = model.MetricsSource(source)
		s.GPUUsage = floatPtr(gpu)
		s.CPUUsage = floatPtr(cpu)
		s.AcceleratorUsage = floatPtr(accel)
		s.Temperature = floatPtr(temp)
		s.MemoryUsed = uint64(used)
		s.MemoryTotal = uint64(total)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

// RecentServerSamples returns up to limit samples for one server, oldest first.
func (h *History) RecentServerSamples(ctx context.Context, serverID string, limit int) ([]ServerSample, error) {
	rows, err := h.db.QueryContext(ctx, `SELECT tick_id, ts, server_id, status, pid, memory_bytes, cpu_percent
		FROM server_samples WHERE server_id = ? ORDER BY ts DESC, id DESC LIMIT ?`, serverID, limit)
	if err != nil {
		return nil, fmt.Errorf("query server samples: %w", err)
	}
	defer rows.Close()

	var out []ServerSample
	for rows.Next() {
		var (
			s      ServerSample
			ts     float64
			status string
			pid    sql.NullInt64
			mem    sql.NullInt64
			cpu    sql.NullFloat64
		)
		if err := rows.Scan(&s.TickID, &ts, &s.ServerID, &status, &pid, &mem, &cpu); err != nil {
			return nil, fmt.Errorf("scan server sample: %w", err)
		}
		s.Timestamp = fromUnixSeconds(ts)
		s.Status = model.CompositeStatus(status)
		if pid.Valid {
			v := int(pid.Int64)
			s.PID = &v
		}
		if mem.Valid {
			v := uint64(mem.Int64)
			s.MemoryBytes = &v
		}
		s.CPUPercent = floatPtr(cpu)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

// Prune deletes everything older than cutoff.
func (h *History) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	ts := unixSeconds(cutoff)
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var total int64
	for _, table := range []string{"ticks", "system_samples", "server_samples", "requests"} {
		res, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE ts < ?`, ts)
		if err != nil {
			return 0, fmt.Errorf("prune %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, tx.Commit()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
