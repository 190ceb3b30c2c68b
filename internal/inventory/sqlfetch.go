package inventory

import (
	"context"
	"database/sql"
	"fmt"

	// Database drivers — register with database/sql
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// SQLFetcher loads device records from a relational inventory backend.
// Expected schema:
//
//	devices(hostname, alias, username, password, vendor, role, model, ip)
//	device_ips(hostname, name, addr, mgmt)  -- preference-ordered by rowid
type SQLFetcher struct {
	db *sql.DB
	// placeholder renders the nth query parameter: "?" for mysql,
	// "$n" for pgx.
	placeholder func(n int) string
}

// NewSQLFetcher opens the inventory database. driver is "mysql" or "pgx".
func NewSQLFetcher(driver, dsn string) (*SQLFetcher, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open inventory db: %w", err)
	}
	db.SetMaxOpenConns(4)

	placeholder := func(int) string { return "?" }
	if driver == "pgx" {
		placeholder = func(n int) string { return fmt.Sprintf("$%d", n) }
	}
	return &SQLFetcher{db: db, placeholder: placeholder}, nil
}

// Close releases the database handle.
func (f *SQLFetcher) Close() error { return f.db.Close() }

// Fetch implements Fetcher. A non-empty filter restricts to one hostname.
func (f *SQLFetcher) Fetch(ctx context.Context, filter string) ([]Record, error) {
	query := `SELECT hostname, alias, username, password, vendor, role, model, ip FROM devices`
	args := []any{}
	if filter != "" {
		query += fmt.Sprintf(` WHERE hostname = %s OR alias = %s`,
			f.placeholder(1), f.placeholder(2))
		args = append(args, filter, filter)
	}

	rows, err := f.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var records []Record
	index := make(map[string]int)
	for rows.Next() {
		var r Record
		var alias, username, password, role, model, ip sql.NullString
		if err := rows.Scan(&r.Hostname, &alias, &username, &password,
			&r.Vendor, &role, &model, &ip); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		r.Alias = alias.String
		r.Username = username.String
		r.Password = password.String
		r.Role = role.String
		r.Model = model.String
		r.IP = ip.String
		index[r.Hostname] = len(records)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}

	if err := f.fetchIPs(ctx, filter, index, records); err != nil {
		return nil, err
	}
	return records, nil
}

func (f *SQLFetcher) fetchIPs(ctx context.Context, filter string, index map[string]int, records []Record) error {
	query := `SELECT hostname, name, addr, mgmt FROM device_ips`
	args := []any{}
	if filter != "" {
		query += fmt.Sprintf(` WHERE hostname = %s`, f.placeholder(1))
		args = append(args, filter)
	}

	rows, err := f.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query device ips: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var hostname string
		var ip IP
		var name sql.NullString
		if err := rows.Scan(&hostname, &name, &ip.Addr, &ip.Mgmt); err != nil {
			return fmt.Errorf("scan device ip: %w", err)
		}
		ip.Name = name.String
		if i, ok := index[hostname]; ok {
			records[i].PrefIPs = append(records[i].PrefIPs, ip)
		}
	}
	return rows.Err()
}
