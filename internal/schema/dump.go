package schema

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"
)

const insertBatchRows = 1000

// dumpWriter accumulates the first write error so the builders can emit
// without checking every call.
type dumpWriter struct {
	w   io.Writer
	err error
}

func (d *dumpWriter) writeString(s string) {
	if d.err == nil {
		_, d.err = io.WriteString(d.w, s)
	}
}

func (d *dumpWriter) printf(format string, args ...any) {
	if d.err == nil {
		_, d.err = fmt.Fprintf(d.w, format, args...)
	}
}

// queryStrings runs a catalog query and returns every row as strings. NULL
// columns come back empty.
func (e *Engine) queryStrings(ctx context.Context, query string, args ...any) ([][]string, error) {
	qctx, cancel := context.WithTimeout(ctx, e.queryTimeout)
	defer cancel()

	rows, err := e.db.QueryContext(qctx, query, args...)
	if err != nil {
		return nil, mapMySQLError("schema.query", err, query)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, mapMySQLError("schema.query", err, query)
	}

	var out [][]string
	for rows.Next() {
		vals := make([]sql.NullString, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, mapMySQLError("schema.query", err, query)
		}
		row := make([]string, len(cols))
		for i, v := range vals {
			row[i] = v.String
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, mapMySQLError("schema.query", err, query)
	}
	return out, nil
}

// tablesSorted lists base tables ordered so foreign-key parents precede
// their children.
func (e *Engine) tablesSorted(ctx context.Context) ([]string, error) {
	rows, err := e.queryStrings(ctx, `
		SELECT TABLE_NAME
		FROM INFORMATION_SCHEMA.TABLES
		WHERE TABLE_SCHEMA = ? AND TABLE_TYPE = 'BASE TABLE'
		ORDER BY TABLE_NAME`, e.dbName)
	if err != nil {
		return nil, err
	}
	deps := map[string][]string{}
	for _, row := range rows {
		deps[row[0]] = nil
	}
	if len(deps) == 0 {
		return nil, nil
	}

	fks, err := e.queryStrings(ctx, `
		SELECT TABLE_NAME, REFERENCED_TABLE_NAME
		FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE
		WHERE TABLE_SCHEMA = ? AND REFERENCED_TABLE_NAME IS NOT NULL`, e.dbName)
	if err != nil {
		return nil, err
	}
	for _, fk := range fks {
		child, parent := fk[0], fk[1]
		if child == parent {
			continue // self-references do not constrain ordering
		}
		deps[child] = append(deps[child], parent)
	}
	return topoSort(deps), nil
}

// viewsSorted lists views ordered so referenced views precede the views
// built on them. Dependencies are detected by scanning each definition for
// the other view names, the only signal the catalog offers.
func (e *Engine) viewsSorted(ctx context.Context) ([]string, error) {
	rows, err := e.queryStrings(ctx, "SHOW FULL TABLES WHERE Table_type = 'VIEW'")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(rows))
	for _, row := range rows {
		names = append(names, row[0])
	}
	if len(names) == 0 {
		return nil, nil
	}

	definitions := map[string]string{}
	for _, name := range names {
		def, err := e.queryStrings(ctx, fmt.Sprintf("SHOW CREATE VIEW `%s`", name))
		if err != nil {
			return nil, err
		}
		if len(def) == 0 || len(def[0]) < 2 {
			continue
		}
		definitions[name] = strings.ToLower(def[0][1])
	}

	deps := map[string][]string{}
	for _, name := range names {
		deps[name] = nil
	}
	for name, stmt := range definitions {
		for _, other := range names {
			if other == name {
				continue
			}
			if strings.Contains(stmt, "`"+strings.ToLower(other)+"`") {
				deps[name] = append(deps[name], other)
			}
		}
	}
	return topoSort(deps), nil
}

// routinesSorted lists functions or procedures; functions additionally get
// definition-reference ordering.
func (e *Engine) routinesSorted(ctx context.Context, kind string, orderByDeps bool) ([]string, error) {
	rows, err := e.queryStrings(ctx, fmt.Sprintf("SHOW %s STATUS WHERE Db = ?", kind), e.dbName)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(rows))
	for _, row := range rows {
		if len(row) > 1 {
			names = append(names, row[1])
		}
	}
	if !orderByDeps || len(names) < 2 {
		return names, nil
	}

	definitions := map[string]string{}
	for _, name := range names {
		def, err := e.queryStrings(ctx, fmt.Sprintf("SHOW CREATE %s `%s`", kind, name))
		if err != nil {
			return nil, err
		}
		if len(def) == 0 || len(def[0]) < 3 {
			continue
		}
		definitions[name] = strings.ToLower(def[0][2])
	}
	deps := map[string][]string{}
	for _, name := range names {
		deps[name] = nil
	}
	for name, stmt := range definitions {
		for _, other := range names {
			if other == name {
				continue
			}
			if strings.Contains(stmt, "`"+strings.ToLower(other)+"`") {
				deps[name] = append(deps[name], other)
			}
		}
	}
	return topoSort(deps), nil
}

func banner(name, kind string) string {
	return fmt.Sprintf("-- Create %s %s\n", capitalize(name), kind)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// writeTableStatements emits CREATE TABLE DDL in FK-topology order.
// AUTO_INCREMENT counters arrive verbatim inside SHOW CREATE TABLE output
// and are preserved.
func (e *Engine) writeTableStatements(ctx context.Context, w io.Writer) error {
	tables, err := e.tablesSorted(ctx)
	if err != nil {
		return err
	}
	dw := &dumpWriter{w: w}
	for _, table := range tables {
		rows, err := e.queryStrings(ctx, fmt.Sprintf("SHOW CREATE TABLE `%s`", table))
		if err != nil {
			return err
		}
		if len(rows) == 0 || len(rows[0]) < 2 {
			continue
		}
		dw.writeString(banner(table, "Table"))
		dw.writeString(rows[0][1])
		dw.writeString(";\n\n")
	}
	return dw.err
}

// writeDataStatements emits multi-row inserts per table, tables in FK order,
// rows ordered by primary key ascending. Batches flush straight into the
// pipe, so a table of any size costs one batch of resident memory, and
// heartbeats are logged while the unbounded extraction runs.
func (e *Engine) writeDataStatements(ctx context.Context, w io.Writer) error {
	tables, err := e.tablesSorted(ctx)
	if err != nil {
		return err
	}

	stop := e.heartbeat("data extraction")
	defer stop()

	for _, table := range tables {
		if err := e.dumpTableData(ctx, table, w); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) dumpTableData(ctx context.Context, table string, w io.Writer) error {
	orderBy, err := e.primaryKeyOrder(ctx, table)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("SELECT * FROM `%s`%s", table, orderBy)

	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		return mapMySQLError("schema.data", err, query)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return mapMySQLError("schema.data", err, query)
	}
	dbTypes := make([]string, len(cols))
	if colTypes, err := rows.ColumnTypes(); err == nil {
		for i, ct := range colTypes {
			dbTypes[i] = ct.DatabaseTypeName()
		}
	}

	dw := &dumpWriter{w: w}
	batch := make([]string, 0, insertBatchRows)
	wroteBanner := false
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if !wroteBanner {
			dw.writeString(banner(table, "Data"))
			wroteBanner = true
		}
		dw.printf("INSERT IGNORE INTO `%s` VALUES\n\t%s;\n", table, strings.Join(batch, ",\n\t"))
		batch = batch[:0]
	}

	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return mapMySQLError("schema.data", err, query)
		}
		batch = append(batch, "("+rowValues(vals, dbTypes)+")")
		if len(batch) == insertBatchRows {
			flush()
			if dw.err != nil {
				return dw.err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return mapMySQLError("schema.data", err, query)
	}
	flush()
	if wroteBanner {
		dw.writeString("\n")
	}
	return dw.err
}

// primaryKeyOrder builds an ORDER BY clause over the table's primary key,
// or "" when the table has none.
func (e *Engine) primaryKeyOrder(ctx context.Context, table string) (string, error) {
	rows, err := e.queryStrings(ctx, `
		SELECT COLUMN_NAME
		FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? AND CONSTRAINT_NAME = 'PRIMARY'
		ORDER BY ORDINAL_POSITION`, e.dbName, table)
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", nil
	}
	cols := make([]string, len(rows))
	for i, row := range rows {
		cols[i] = "`" + row[0] + "`"
	}
	return " ORDER BY " + strings.Join(cols, ", "), nil
}

func (e *Engine) writeViewStatements(ctx context.Context, w io.Writer) error {
	views, err := e.viewsSorted(ctx)
	if err != nil {
		return err
	}
	dw := &dumpWriter{w: w}
	for _, view := range views {
		rows, err := e.queryStrings(ctx, fmt.Sprintf("SHOW CREATE VIEW `%s`", view))
		if err != nil {
			return err
		}
		if len(rows) == 0 || len(rows[0]) < 2 {
			continue
		}
		dw.writeString(banner(view, "View"))
		dw.writeString(rows[0][1])
		dw.writeString(";\n\n")
	}
	return dw.err
}

func (e *Engine) writeFunctionStatements(ctx context.Context, w io.Writer) error {
	return e.writeRoutineStatements(ctx, w, "FUNCTION", true)
}

func (e *Engine) writeProcedureStatements(ctx context.Context, w io.Writer) error {
	return e.writeRoutineStatements(ctx, w, "PROCEDURE", false)
}

// writeRoutineStatements emits routines wrapped in block delimiters since
// their bodies contain semicolons.
func (e *Engine) writeRoutineStatements(ctx context.Context, w io.Writer, kind string, orderByDeps bool) error {
	names, err := e.routinesSorted(ctx, kind, orderByDeps)
	if err != nil {
		return err
	}
	dw := &dumpWriter{w: w}
	for _, name := range names {
		rows, err := e.queryStrings(ctx, fmt.Sprintf("SHOW CREATE %s `%s`", kind, name))
		if err != nil {
			return err
		}
		if len(rows) == 0 || len(rows[0]) < 3 {
			continue
		}
		dw.writeString(banner(name, capitalize(strings.ToLower(kind))))
		dw.writeString("DELIMITER ;;\n")
		dw.writeString(rows[0][2])
		dw.writeString(";;\nDELIMITER ;\n\n")
	}
	return dw.err
}

func (e *Engine) writeTriggerStatements(ctx context.Context, w io.Writer) error {
	rows, err := e.queryStrings(ctx, "SHOW TRIGGERS")
	if err != nil {
		return err
	}
	dw := &dumpWriter{w: w}
	for _, row := range rows {
		name := row[0]
		def, err := e.queryStrings(ctx, fmt.Sprintf("SHOW CREATE TRIGGER `%s`", name))
		if err != nil {
			return err
		}
		if len(def) == 0 || len(def[0]) < 3 {
			continue
		}
		dw.writeString(banner(name, "Trigger"))
		dw.writeString("DELIMITER ;;\n")
		dw.writeString(def[0][2])
		dw.writeString(";;\nDELIMITER ;\n\n")
	}
	return dw.err
}

var enableRe = regexp.MustCompile(`\bENABLE\b`)

// writeEventStatements emits events disabled, with a trailer re-enabling
// the ones that were enabled at dump time, so nothing fires mid-restore.
func (e *Engine) writeEventStatements(ctx context.Context, w io.Writer) error {
	rows, err := e.queryStrings(ctx, "SHOW EVENTS WHERE Db = ?", e.dbName)
	if err != nil {
		return err
	}
	dw := &dumpWriter{w: w}
	var originallyEnabled []string
	for _, row := range rows {
		if len(row) < 7 {
			continue
		}
		name, status := row[1], row[6]
		def, err := e.queryStrings(ctx, fmt.Sprintf("SHOW CREATE EVENT `%s`", name))
		if err != nil {
			return err
		}
		if len(def) == 0 || len(def[0]) < 4 {
			continue
		}
		stmt := def[0][3]
		if strings.EqualFold(status, "ENABLED") {
			originallyEnabled = append(originallyEnabled, name)
		}
		stmt = replaceFirst(stmt, enableRe, "DISABLE")

		dw.writeString(banner(name, "Event"))
		dw.writeString("DELIMITER ;;\n")
		dw.writeString(stmt)
		dw.writeString(";;\nDELIMITER ;\n\n")
	}
	if len(originallyEnabled) > 0 {
		dw.writeString("-- Re-enable originally enabled events\n")
		for _, name := range originallyEnabled {
			dw.printf("ALTER EVENT `%s` ENABLE;\n", name)
		}
		dw.writeString("\n")
	}
	return dw.err
}

func replaceFirst(s string, re *regexp.Regexp, repl string) string {
	loc := re.FindStringIndex(s)
	if loc == nil {
		return s
	}
	return s[:loc[0]] + repl + s[loc[1]:]
}

// heartbeat logs progress every 10 seconds until the returned stop func runs.
func (e *Engine) heartbeat(what string) func() {
	ticker := time.NewTicker(10 * time.Second)
	done := make(chan struct{})
	start := time.Now()
	go func() {
		for {
			select {
			case <-ticker.C:
				e.log.Info().Str("phase", what).Dur("elapsed", time.Since(start)).Msg("extraction in progress")
			case <-done:
				return
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}
