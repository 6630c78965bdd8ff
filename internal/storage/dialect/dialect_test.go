package dialect

import "testing"

func TestFromDriverName(t *testing.T) {
	tests := []struct {
		driver  string
		want    string
		wantErr bool
	}{
		{driver: "sqlite", want: "sqlite"},
		{driver: "sqlite3", want: "sqlite"},
		{driver: "postgres", want: "postgres"},
		{driver: "PGX", want: "postgres"},
		{driver: "mysql", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			d, err := FromDriverName(tt.driver)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("FromDriverName(%q) error = %v", tt.driver, err)
			}
			if d.Name() != tt.want {
				t.Errorf("Name() = %q, want %q", d.Name(), tt.want)
			}
		})
	}
}

func TestPostgresDialect_Rebind(t *testing.T) {
	d, _ := New(Postgres)

	tests := []struct {
		in   string
		want string
	}{
		{in: "SELECT * FROM pipeline_runs WHERE id = ?", want: "SELECT * FROM pipeline_runs WHERE id = $1"},
		{in: "INSERT INTO t (a, b, c) VALUES (?, ?, ?)", want: "INSERT INTO t (a, b, c) VALUES ($1, $2, $3)"},
		{in: "SELECT '?' FROM t WHERE a = ?", want: "SELECT '?' FROM t WHERE a = $1"},
		{in: "SELECT 1", want: "SELECT 1"},
	}

	for _, tt := range tests {
		if got := d.Rebind(tt.in); got != tt.want {
			t.Errorf("Rebind(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSQLiteDialect_Rebind(t *testing.T) {
	d, _ := New(SQLite)
	q := "SELECT * FROM run_events WHERE run_id = ?"
	if got := d.Rebind(q); got != q {
		t.Errorf("Rebind() = %q, want unchanged", got)
	}
}

func TestUpsertClause(t *testing.T) {
	sqlite, _ := New(SQLite)
	pg, _ := New(Postgres)

	tests := []struct {
		name    string
		d       Dialect
		columns []string
		want    string
	}{
		{name: "sqlite update", d: sqlite, columns: []string{"status", "updated_at"}, want: "ON CONFLICT(id) DO UPDATE SET status=excluded.status, updated_at=excluded.updated_at"},
		{name: "sqlite nothing", d: sqlite, want: "ON CONFLICT(id) DO NOTHING"},
		{name: "postgres update", d: pg, columns: []string{"status"}, want: "ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status"},
		{name: "postgres nothing", d: pg, want: "ON CONFLICT (id) DO NOTHING"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.d.UpsertClause("id", tt.columns); got != tt.want {
				t.Errorf("UpsertClause() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDialect_Pool(t *testing.T) {
	sqlite, _ := New(SQLite)
	pg, _ := New(Postgres)

	if !sqlite.SingleWriter() || len(sqlite.PragmaStatements()) == 0 {
		t.Error("sqlite should be single-writer with pragmas")
	}
	if pg.SingleWriter() || pg.PragmaStatements() != nil {
		t.Error("postgres should allow a pool and need no pragmas")
	}
	if pg.DriverName() != "pgx" {
		t.Errorf("postgres driver = %q, want pgx", pg.DriverName())
	}
}
