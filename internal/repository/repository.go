package repository

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

//go:embed schema.sql
var schema string

func Connect(conn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("mysql", conn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*2)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

// Sponsorship is the MySQL backed ledger store.
type Sponsorship struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewSponsorship(db *sqlx.DB) *Sponsorship {
	return &Sponsorship{db: db, now: time.Now}
}

// EnsureSchema creates the ledger tables if they are missing.
func (s *Sponsorship) EnsureSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if stmt = strings.TrimSpace(stmt); stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("EnsureSchema: %w", err)
		}
	}
	return nil
}
