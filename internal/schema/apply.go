package schema

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/backydb/backydb/internal/errs"
)

// ApplyOptions tunes artifact ingestion.
type ApplyOptions struct {
	// DropExisting tears down every object in the target schema before the
	// first statement runs.
	DropExisting bool
	// BestEffort records non-fatal statement failures instead of aborting.
	// Syntax errors and constraint violations stay fatal.
	BestEffort bool
}

// SkippedStatement records a statement passed over in best-effort mode.
type SkippedStatement struct {
	Statement string
	Err       error
}

// ApplyReport summarizes one Apply run.
type ApplyReport struct {
	Executed int
	Skipped  []SkippedStatement
}

// SplitStatements reads a dump stream and calls fn once per statement.
// Statements end at a line whose trailing token is the active delimiter;
// DELIMITER directives switch it, which is how routine and trigger bodies
// carry embedded semicolons. Standalone comment lines are dropped.
func SplitStatements(r io.Reader, fn func(stmt string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	delimiter := ";"
	var current strings.Builder

	flush := func() error {
		stmt := strings.TrimSpace(current.String())
		current.Reset()
		stmt = strings.TrimSuffix(stmt, delimiter)
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			return nil
		}
		return fn(stmt)
	}

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if current.Len() == 0 {
			if trimmed == "" || strings.HasPrefix(trimmed, "--") {
				continue
			}
			if rest, ok := cutPrefixFold(trimmed, "DELIMITER "); ok {
				delimiter = strings.TrimSpace(rest)
				continue
			}
		}

		current.WriteString(line)
		current.WriteString("\n")

		if strings.HasSuffix(strings.TrimSpace(current.String()), delimiter) {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return errs.Wrap(errs.Internal, "schema.split", err)
	}
	// Trailing statement without a terminator still executes.
	return flush()
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):], true
	}
	return "", false
}

// stmtKindRe finds the object kind of a CREATE/ALTER statement; non-greedy
// matching skips DEFINER and ALGORITHM clauses and stops at the first kind
// keyword, before any object name could contain one.
var stmtKindRe = regexp.MustCompile(`(?is)^\s*(?:CREATE|ALTER)\b.*?\b(TABLE|VIEW|FUNCTION|PROCEDURE|TRIGGER|EVENT)\b`)

// ClassifyStatement maps a dump statement to the category whose apply rank
// governs it: inserts are data, CREATE/ALTER statements follow their object
// kind, and anything else runs with the table DDL group.
func ClassifyStatement(stmt string) Category {
	head := stmt
	if len(head) > 512 {
		head = head[:512]
	}
	trimmed := strings.TrimSpace(head)
	if len(trimmed) >= 6 && strings.EqualFold(trimmed[:6], "INSERT") {
		return Data
	}
	if len(trimmed) >= 7 && strings.EqualFold(trimmed[:7], "REPLACE") {
		return Data
	}
	if m := stmtKindRe.FindStringSubmatch(head); m != nil {
		switch strings.ToUpper(m[1]) {
		case "TABLE":
			return Tables
		case "VIEW":
			return Views
		case "FUNCTION":
			return Functions
		case "PROCEDURE":
			return Procedures
		case "TRIGGER":
			return Triggers
		case "EVENT":
			return Events
		}
	}
	return Tables
}

// Apply ingests an artifact stream within a single transaction, executing
// statements in stream order. The first fatal statement error aborts with a
// rollback and surfaces the offending statement verbatim.
func (e *Engine) Apply(ctx context.Context, r io.Reader, opts ApplyOptions) (*ApplyReport, error) {
	var stmts []string
	if err := SplitStatements(r, func(stmt string) error {
		stmts = append(stmts, stmt)
		return nil
	}); err != nil {
		return nil, err
	}
	return e.applyStatements(ctx, stmts, opts)
}

// ApplyOrdered ingests a concatenated dump whose statements span several
// categories, re-serializing execution into apply-rank order: table and view
// DDL first, then functions and procedures, data after all of them, triggers
// and events last. Order within a category is preserved.
func (e *Engine) ApplyOrdered(ctx context.Context, r io.Reader, opts ApplyOptions) (*ApplyReport, error) {
	groups := map[Category][]string{}
	if err := SplitStatements(r, func(stmt string) error {
		cat := ClassifyStatement(stmt)
		groups[cat] = append(groups[cat], stmt)
		return nil
	}); err != nil {
		return nil, err
	}
	var stmts []string
	for _, cat := range ApplyOrder {
		stmts = append(stmts, groups[cat]...)
	}
	return e.applyStatements(ctx, stmts, opts)
}

func (e *Engine) applyStatements(ctx context.Context, stmts []string, opts ApplyOptions) (*ApplyReport, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapMySQLError("schema.apply", err, "")
	}

	if opts.DropExisting {
		if err := e.dropAll(ctx, tx); err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	report := &ApplyReport{}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			mapped := mapMySQLError("schema.apply", err, stmt)
			if opts.BestEffort && !fatalApplyError(mapped) {
				report.Skipped = append(report.Skipped, SkippedStatement{Statement: stmt, Err: mapped})
				e.log.Warn().Err(mapped).Msg("statement skipped")
				continue
			}
			tx.Rollback()
			return nil, mapped
		}
		report.Executed++
	}

	if err := tx.Commit(); err != nil {
		return nil, mapMySQLError("schema.apply", err, "")
	}
	return report, nil
}

func fatalApplyError(err error) bool {
	switch errs.KindOf(err) {
	case errs.SyntaxError, errs.ConstraintViolation, errs.Cancelled:
		return true
	}
	return false
}

// dropAll removes every object category in dependency order: events,
// triggers, procedures, functions, views, then tables with FK checks off.
func (e *Engine) dropAll(ctx context.Context, tx *sql.Tx) error {
	type objectSet struct {
		kind  string
		names []string
	}
	var sets []objectSet

	events, err := e.queryStrings(ctx, "SHOW EVENTS WHERE Db = ?", e.dbName)
	if err != nil {
		return err
	}
	sets = append(sets, objectSet{"EVENT", column(events, 1)})

	triggers, err := e.queryStrings(ctx, "SHOW TRIGGERS")
	if err != nil {
		return err
	}
	sets = append(sets, objectSet{"TRIGGER", column(triggers, 0)})

	procedures, err := e.queryStrings(ctx, "SHOW PROCEDURE STATUS WHERE Db = ?", e.dbName)
	if err != nil {
		return err
	}
	sets = append(sets, objectSet{"PROCEDURE", column(procedures, 1)})

	functions, err := e.queryStrings(ctx, "SHOW FUNCTION STATUS WHERE Db = ?", e.dbName)
	if err != nil {
		return err
	}
	sets = append(sets, objectSet{"FUNCTION", column(functions, 1)})

	views, err := e.queryStrings(ctx, "SHOW FULL TABLES WHERE Table_type = 'VIEW'")
	if err != nil {
		return err
	}
	sets = append(sets, objectSet{"VIEW", column(views, 0)})

	tables, err := e.queryStrings(ctx, `
		SELECT TABLE_NAME
		FROM INFORMATION_SCHEMA.TABLES
		WHERE TABLE_SCHEMA = ? AND TABLE_TYPE = 'BASE TABLE'
		ORDER BY TABLE_NAME`, e.dbName)
	if err != nil {
		return err
	}
	sets = append(sets, objectSet{"TABLE", column(tables, 0)})

	if _, err := tx.ExecContext(ctx, "SET FOREIGN_KEY_CHECKS = 0"); err != nil {
		return mapMySQLError("schema.drop", err, "")
	}
	for _, set := range sets {
		for _, name := range set.names {
			stmt := fmt.Sprintf("DROP %s IF EXISTS `%s`", set.kind, name)
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return mapMySQLError("schema.drop", err, stmt)
			}
		}
	}
	if _, err := tx.ExecContext(ctx, "SET FOREIGN_KEY_CHECKS = 1"); err != nil {
		return mapMySQLError("schema.drop", err, "")
	}
	return nil
}

func column(rows [][]string, idx int) []string {
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		if idx < len(row) {
			out = append(out, row[idx])
		}
	}
	return out
}

var syntaxLineRe = regexp.MustCompile(`at line (\d+)`)

// mapMySQLError folds server error numbers into the pipeline's kinds. The
// offending statement travels inside the wrapped error verbatim.
func mapMySQLError(op string, err error, stmt string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.Cancelled, op, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return errs.Wrap(errs.ConnectFailed, op, err)
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		annotated := err
		if stmt != "" {
			annotated = fmt.Errorf("%w\nstatement: %s", err, stmt)
		}
		switch myErr.Number {
		case 1064, 1149:
			line := 0
			if m := syntaxLineRe.FindStringSubmatch(myErr.Message); m != nil {
				line, _ = strconv.Atoi(m[1])
			}
			return errs.Wrap(errs.SyntaxError, fmt.Sprintf("%s (line %d, col 0)", op, line), annotated)
		case 1048, 1062, 1216, 1217, 1451, 1452, 3819:
			return errs.Wrap(errs.ConstraintViolation, op, annotated)
		case 1044, 1045, 1142, 1227, 1370:
			return errs.Wrap(errs.PermissionDenied, op, annotated)
		case 1040, 1049, 1129, 1130, 2002, 2003, 2005, 2006, 2013:
			return errs.Wrap(errs.ConnectFailed, op, annotated)
		default:
			return errs.Wrap(errs.Internal, op, annotated)
		}
	}

	if errors.Is(err, mysql.ErrInvalidConn) || errors.Is(err, sql.ErrConnDone) {
		return errs.Wrap(errs.ConnectFailed, op, err)
	}
	return errs.Wrap(errs.Internal, op, err)
}
