package policy

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Schema creates the rule table read by PostgresSource.
const Schema = `
CREATE TABLE IF NOT EXISTS geo_region_rules (
	id           BIGSERIAL PRIMARY KEY,
	action       TEXT    NOT NULL CHECK (action IN ('block', 'allow')),
	country_code CHAR(2) NOT NULL,
	state_code   TEXT,
	enabled      BOOLEAN NOT NULL DEFAULT TRUE,
	note         TEXT
)`

const (
	actionBlock = "block"
	actionAllow = "allow"
)

// PostgresSource reads enabled rows from geo_region_rules once at startup.
// "allow" rows populate the country allow-list and must not carry a state.
type PostgresSource struct {
	db *sql.DB
}

// NewPostgresSource constructs a PostgreSQL-backed rule source.
func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

func (s *PostgresSource) Name() string {
	return "postgres geo_region_rules"
}

func (s *PostgresSource) Rules(ctx context.Context) (Rules, error) {
	query := `
		SELECT action, country_code, state_code
		FROM geo_region_rules
		WHERE enabled
		ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return Rules{}, fmt.Errorf("query region rules: %w", err)
	}
	defer rows.Close()

	var rules Rules
	for rows.Next() {
		var (
			action  string
			country string
			state   sql.NullString
		)
		if err := rows.Scan(&action, &country, &state); err != nil {
			return Rules{}, fmt.Errorf("scan region rule: %w", err)
		}

		stateCode := ""
		if state.Valid {
			stateCode = strings.TrimSpace(state.String)
		}

		switch strings.ToLower(action) {
		case actionBlock:
			if stateCode == "" {
				rules.BlockedCountries = append(rules.BlockedCountries, country)
				continue
			}
			r, err := ParseRule(country + "-" + stateCode)
			if err != nil {
				return Rules{}, err
			}
			rules.BlockedRegions = append(rules.BlockedRegions, r)
		case actionAllow:
			if stateCode != "" {
				return Rules{}, fmt.Errorf("allow rule %s-%s: allow-list entries are whole countries", country, stateCode)
			}
			rules.AllowedCountries = append(rules.AllowedCountries, country)
		default:
			return Rules{}, fmt.Errorf("unknown rule action %q", action)
		}
	}
	if err := rows.Err(); err != nil {
		return Rules{}, fmt.Errorf("iterate region rules: %w", err)
	}
	return rules, nil
}
