package store

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Guard limits for agent-issued queries.
const (
	queryLimitDefault = 100
	queryLimitMax     = 1000
)

// executeWhitelist is the closed set of tables db.execute may touch.
var executeWhitelist = map[string]bool{
	"agent_interactions": true,
	"prompt_templates":   true,
	"command_cards":      true,
	"command_card_runs":  true,
}

var writeKeywords = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "MERGE": true,
	"DROP": true, "ALTER": true, "CREATE": true, "TRUNCATE": true,
	"GRANT": true, "REVOKE": true, "COPY": true, "VACUUM": true,
	"REINDEX": true, "CLUSTER": true, "SET": true, "RESET": true,
	"CALL": true, "DO": true, "LOCK": true, "LISTEN": true, "NOTIFY": true,
}

var dmlKeywords = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "MERGE": true,
}

// QueryResult is the shape handed back to the db tool.
type QueryResult struct {
	Columns  []string `json:"columns"`
	Rows     [][]any  `json:"rows"`
	RowCount int      `json:"row_count"`
}

// stripSQLText removes string literals and comments so keyword scanning cannot
// be fooled by quoted text.
func stripSQLText(sql string) string {
	var sb strings.Builder
	i := 0
	for i < len(sql) {
		switch {
		case sql[i] == '\'':
			i++
			for i < len(sql) {
				if sql[i] == '\'' {
					if i+1 < len(sql) && sql[i+1] == '\'' {
						i += 2
						continue
					}
					i++
					break
				}
				i++
			}
			sb.WriteByte(' ')
		case sql[i] == '"':
			i++
			for i < len(sql) && sql[i] != '"' {
				i++
			}
			if i < len(sql) {
				i++
			}
			sb.WriteByte(' ')
		case strings.HasPrefix(sql[i:], "--"):
			for i < len(sql) && sql[i] != '\n' {
				i++
			}
		case strings.HasPrefix(sql[i:], "/*"):
			end := strings.Index(sql[i+2:], "*/")
			if end < 0 {
				i = len(sql)
			} else {
				i += 2 + end + 2
			}
			sb.WriteByte(' ')
		default:
			sb.WriteByte(sql[i])
			i++
		}
	}
	return sb.String()
}

var sqlWordPattern = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)

func firstKeyword(stripped string) string {
	w := sqlWordPattern.FindString(stripped)
	return strings.ToUpper(w)
}

// singleStatement reports whether the stripped SQL contains exactly one
// statement (a trailing semicolon is tolerated).
func singleStatement(stripped string) bool {
	trimmed := strings.TrimRight(strings.TrimSpace(stripped), ";")
	return !strings.Contains(trimmed, ";")
}

// GuardQuery validates agent-issued read SQL: single statement, SELECT/WITH
// only, no write keywords anywhere in the string-stripped text.
func GuardQuery(sql string) error {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return fmt.Errorf("empty query")
	}
	stripped := stripSQLText(trimmed)
	if !singleStatement(stripped) {
		return fmt.Errorf("multiple statements are not allowed")
	}
	kw := firstKeyword(stripped)
	if kw != "SELECT" && kw != "WITH" {
		return fmt.Errorf("query must start with SELECT or WITH, got %s", kw)
	}
	for _, w := range sqlWordPattern.FindAllString(stripped, -1) {
		if writeKeywords[strings.ToUpper(w)] {
			return fmt.Errorf("write keyword %s is not allowed in a read query", strings.ToUpper(w))
		}
	}
	return nil
}

var dmlTargetPattern = regexp.MustCompile(`(?i)\b(?:INSERT\s+INTO|UPDATE|DELETE\s+FROM|MERGE\s+INTO)\s+([A-Za-z_][A-Za-z0-9_.]*)`)

// GuardExecute validates agent-issued write SQL: single statement, DML first
// keyword (or WITH containing DML), every target table whitelisted.
func GuardExecute(sql string) error {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return fmt.Errorf("empty statement")
	}
	stripped := stripSQLText(trimmed)
	if !singleStatement(stripped) {
		return fmt.Errorf("multiple statements are not allowed")
	}

	kw := firstKeyword(stripped)
	switch {
	case dmlKeywords[kw]:
	case kw == "WITH":
		hasDML := false
		for _, w := range sqlWordPattern.FindAllString(stripped, -1) {
			if dmlKeywords[strings.ToUpper(w)] {
				hasDML = true
				break
			}
		}
		if !hasDML {
			return fmt.Errorf("WITH statement must contain a DML clause")
		}
	default:
		return fmt.Errorf("statement must start with INSERT/UPDATE/DELETE/MERGE/WITH, got %s", kw)
	}

	for _, w := range sqlWordPattern.FindAllString(stripped, -1) {
		upper := strings.ToUpper(w)
		if writeKeywords[upper] && !dmlKeywords[upper] && upper != "WITH" {
			return fmt.Errorf("keyword %s is not allowed", upper)
		}
	}

	targets := dmlTargetPattern.FindAllStringSubmatch(stripped, -1)
	if len(targets) == 0 {
		return fmt.Errorf("no DML target table found")
	}
	for _, m := range targets {
		table := strings.ToLower(m[1])
		if idx := strings.LastIndex(table, "."); idx >= 0 {
			table = table[idx+1:]
		}
		if !executeWhitelist[table] {
			return fmt.Errorf("table %s is not writable through db.execute", table)
		}
	}
	return nil
}

func clampQueryLimit(limit int) int {
	if limit <= 0 {
		return queryLimitDefault
	}
	if limit > queryLimitMax {
		return queryLimitMax
	}
	return limit
}

// GuardedQuery runs read SQL through GuardQuery, wraps it in a LIMIT
// subquery, and executes it inside a read-only transaction.
func (s *Store) GuardedQuery(ctx context.Context, sqlText string, limit int) (*QueryResult, error) {
	if err := GuardQuery(sqlText); err != nil {
		return nil, err
	}
	limit = clampQueryLimit(limit)
	wrapped := fmt.Sprintf("SELECT * FROM (%s) AS t LIMIT %d", strings.TrimRight(strings.TrimSpace(sqlText), ";"), limit)

	tx, err := s.ReadOnlyTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin read-only tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, wrapped)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}

	result := &QueryResult{Columns: cols, Rows: [][]any{}}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate: %w", err)
	}
	result.RowCount = len(result.Rows)
	return result, nil
}

// GuardedExecute runs write SQL through GuardExecute and reports the affected
// row count. Callers gate it behind the agent-db-execute flag.
func (s *Store) GuardedExecute(ctx context.Context, sqlText string) (int64, error) {
	if err := GuardExecute(sqlText); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, strings.TrimRight(strings.TrimSpace(sqlText), ";"))
	if err != nil {
		return 0, fmt.Errorf("execute: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
