package app

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backydb/backydb/internal/config"
	"github.com/backydb/backydb/internal/errs"
	"github.com/backydb/backydb/internal/manifest"
	"github.com/backydb/backydb/internal/schema"
	"github.com/backydb/backydb/internal/storage"
)

func testSettings(t *testing.T) *config.Settings {
	t.Helper()
	return &config.Settings{
		Global: config.GlobalConfig{
			LockFile:         filepath.Join(t.TempDir(), "backy.lock"),
			OperationTimeout: time.Minute,
			KMSTimeout:       5 * time.Second,
			StorageTimeout:   time.Minute,
			FanOut:           4,
		},
		Database: config.DatabaseConfig{
			Host:     "localhost",
			Port:     3306,
			User:     "root",
			DBName:   "shop",
			Features: schema.Features{Tables: true, Data: true},
		},
		Storage: config.StorageConfig{Type: "local"},
	}
}

func newTestApp(t *testing.T, cfg *config.Settings) (*App, sqlmock.Sqlmock, string) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	dir := t.TempDir()
	cfg.Storage.Local.Path = dir
	store, err := storage.New(cfg.Storage)
	require.NoError(t, err)

	eng := schema.NewEngine(db, cfg.Database.DBName, 0, zerolog.Nop())
	a := New(cfg, eng, store, zerolog.Nop())
	a.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return a, mock, dir
}

func expectVersion(mock sqlmock.Sqlmock) {
	mock.ExpectQuery("SELECT VERSION").
		WillReturnRows(sqlmock.NewRows([]string{"VERSION()"}).AddRow("8.0.36"))
}

func expectTablesSorted(mock sqlmock.Sqlmock) {
	mock.ExpectQuery("INFORMATION_SCHEMA.TABLES").
		WithArgs("shop").
		WillReturnRows(sqlmock.NewRows([]string{"TABLE_NAME"}).
			AddRow("departments").
			AddRow("employees"))
	mock.ExpectQuery("REFERENCED_TABLE_NAME IS NOT NULL").
		WithArgs("shop").
		WillReturnRows(sqlmock.NewRows([]string{"TABLE_NAME", "REFERENCED_TABLE_NAME"}).
			AddRow("employees", "departments"))
}

// expectSeedExtraction wires the queries behind a tables+data extraction of
// the departments/employees seed.
func expectSeedExtraction(mock sqlmock.Sqlmock) {
	expectTablesSorted(mock)
	mock.ExpectQuery("SHOW CREATE TABLE `departments`").
		WillReturnRows(sqlmock.NewRows([]string{"Table", "Create Table"}).
			AddRow("departments", "CREATE TABLE `departments` (`id` int NOT NULL, `name` varchar(64), PRIMARY KEY (`id`))"))
	mock.ExpectQuery("SHOW CREATE TABLE `employees`").
		WillReturnRows(sqlmock.NewRows([]string{"Table", "Create Table"}).
			AddRow("employees", "CREATE TABLE `employees` (`id` int NOT NULL, `dept_id` int, PRIMARY KEY (`id`))"))

	expectTablesSorted(mock)
	mock.ExpectQuery("CONSTRAINT_NAME = 'PRIMARY'").
		WithArgs("shop", "departments").
		WillReturnRows(sqlmock.NewRows([]string{"COLUMN_NAME"}).AddRow("id"))
	mock.ExpectQuery("SELECT \\* FROM `departments` ORDER BY `id`").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).
			AddRow(int64(1), "Engineering").
			AddRow(int64(2), "Sales").
			AddRow(int64(3), "Support"))
	mock.ExpectQuery("CONSTRAINT_NAME = 'PRIMARY'").
		WithArgs("shop", "employees").
		WillReturnRows(sqlmock.NewRows([]string{"COLUMN_NAME"}).AddRow("id"))
	mock.ExpectQuery("SELECT \\* FROM `employees` ORDER BY `id`").
		WillReturnRows(sqlmock.NewRows([]string{"id", "dept_id"}).
			AddRow(int64(1), int64(1)).
			AddRow(int64(2), int64(1)).
			AddRow(int64(3), int64(2)))
}

func readManifestFile(t *testing.T, dir, prefix string) *manifest.Manifest {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(prefix), "manifest.json"))
	require.NoError(t, err)
	m, err := manifest.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	return m
}

func TestBackupRawSingleFile(t *testing.T) {
	cfg := testSettings(t)
	a, mock, dir := newTestApp(t, cfg)

	expectVersion(mock)
	expectSeedExtraction(mock)

	res, err := a.Backup(t.Context())
	require.NoError(t, err)
	require.Len(t, res.Outputs, 1)
	assert.True(t, strings.HasSuffix(res.Outputs[0], "dump.sql"), "raw mode keeps the .sql extension")

	entries, err := os.ReadDir(filepath.Join(dir, filepath.FromSlash(res.Prefix)))
	require.NoError(t, err)
	names := []string{}
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"dump.sql", "manifest.json"}, names)

	dump, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(res.Prefix), "dump.sql"))
	require.NoError(t, err)
	assert.Contains(t, string(dump), "CREATE TABLE `departments`")
	assert.Less(t,
		bytes.Index(dump, []byte("CREATE TABLE `employees`")),
		bytes.Index(dump, []byte("INSERT IGNORE INTO `departments`")))

	m := readManifestFile(t, dir, res.Prefix)
	assert.Empty(t, m.Transforms)
	require.Len(t, m.Artifacts, 1)
	assert.Equal(t, "dump.sql", m.Artifacts[0].Name)
	sum := sha256.Sum256(dump)
	assert.Equal(t, hex.EncodeToString(sum[:]), m.Artifacts[0].SHA256)
	assert.Equal(t, int64(len(dump)), m.Artifacts[0].Size)
	assert.Equal(t, "8.0.36", m.Engine.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBackupTarEncryptedHMAC(t *testing.T) {
	cfg := testSettings(t)
	cfg.Compression = config.CompressionConfig{Enabled: true, Type: "tar"}
	cfg.Security = config.SecurityConfig{
		Encryption:         true,
		Type:               "keystore",
		Provider:           "local",
		KeySize:            2048,
		PrivateKeyPassword: "hunter2",
		LocalKeyStorePath:  t.TempDir(),
	}
	cfg.Integrity = config.IntegrityConfig{Enabled: true, Type: "hmac", Password: "tag-secret"}
	a, mock, dir := newTestApp(t, cfg)

	expectVersion(mock)
	expectSeedExtraction(mock)

	res, err := a.Backup(t.Context())
	require.NoError(t, err)
	require.Len(t, res.Outputs, 1)
	assert.True(t, strings.HasSuffix(res.Outputs[0], "dump.backy"))

	m := readManifestFile(t, dir, res.Prefix)
	require.Len(t, m.Transforms, 2)
	assert.Equal(t, "compress", m.Transforms[0].Op, "compression precedes encryption")
	assert.Equal(t, "tar", m.Transforms[0].Type)
	assert.Equal(t, "encrypt", m.Transforms[1].Op)
	assert.Equal(t, 1, m.Transforms[1].AlgID)
	assert.Equal(t, "local", m.Transforms[1].KeyProvider)
	assert.Equal(t, "hmac", m.Integrity.Type)
	assert.NotEmpty(t, m.Integrity.Value)
	require.Len(t, m.Artifacts, 1)
	assert.Equal(t, "dump.sql", m.Artifacts[0].Name)

	// the stored blob is an envelope, not plaintext
	blob, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(res.Prefix), "dump.backy"))
	require.NoError(t, err)
	assert.Equal(t, "BKY1", string(blob[:4]))
	assert.NotContains(t, string(blob), "CREATE TABLE")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRestoreTamperedBlobAbortsBeforeDB(t *testing.T) {
	cfg := testSettings(t)
	cfg.Compression = config.CompressionConfig{Enabled: true, Type: "tar"}
	cfg.Security = config.SecurityConfig{
		Encryption:         true,
		Type:               "keystore",
		Provider:           "local",
		KeySize:            2048,
		PrivateKeyPassword: "hunter2",
		LocalKeyStorePath:  t.TempDir(),
	}
	cfg.Integrity = config.IntegrityConfig{Enabled: true, Type: "hmac", Password: "tag-secret"}
	a, mock, dir := newTestApp(t, cfg)

	expectVersion(mock)
	expectSeedExtraction(mock)
	res, err := a.Backup(t.Context())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	// flip byte 100 of the stored blob
	blobPath := filepath.Join(dir, filepath.FromSlash(res.Prefix), "dump.backy")
	blob, err := os.ReadFile(blobPath)
	require.NoError(t, err)
	blob[100] ^= 0xFF
	require.NoError(t, os.WriteFile(blobPath, blob, 0o600))

	cfg.Restore.BackupPath = res.Prefix
	err = a.Restore(t.Context())
	require.Error(t, err)
	assert.Equal(t, errs.IntegrityFailure, errs.KindOf(err))
	// no DB statement ran: every remaining expectation is still unmet only
	// if new ones existed; none were registered, so the mock stays clean.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBackupRestoreRawRoundTrip(t *testing.T) {
	cfg := testSettings(t)
	a, mock, dir := newTestApp(t, cfg)

	expectVersion(mock)
	expectSeedExtraction(mock)
	res, err := a.Backup(t.Context())
	require.NoError(t, err)

	dump, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(res.Prefix), "dump.sql"))
	require.NoError(t, err)

	// restore: version probe, then one transaction with the drop pass and
	// every dump statement
	expectVersion(mock)
	mock.ExpectBegin()
	mock.ExpectQuery("SHOW EVENTS WHERE Db = ?").WithArgs("shop").
		WillReturnRows(sqlmock.NewRows([]string{"Db", "Name"}))
	mock.ExpectQuery("SHOW TRIGGERS").
		WillReturnRows(sqlmock.NewRows([]string{"Trigger"}))
	mock.ExpectQuery("SHOW PROCEDURE STATUS").WithArgs("shop").
		WillReturnRows(sqlmock.NewRows([]string{"Db", "Name"}))
	mock.ExpectQuery("SHOW FUNCTION STATUS").WithArgs("shop").
		WillReturnRows(sqlmock.NewRows([]string{"Db", "Name"}))
	mock.ExpectQuery("SHOW FULL TABLES WHERE Table_type = 'VIEW'").
		WillReturnRows(sqlmock.NewRows([]string{"Tables_in_shop", "Table_type"}))
	mock.ExpectQuery("INFORMATION_SCHEMA.TABLES").WithArgs("shop").
		WillReturnRows(sqlmock.NewRows([]string{"TABLE_NAME"}))
	mock.ExpectExec("SET FOREIGN_KEY_CHECKS = 0").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SET FOREIGN_KEY_CHECKS = 1").WillReturnResult(sqlmock.NewResult(0, 0))

	statements := 0
	require.NoError(t, schema.SplitStatements(bytes.NewReader(dump), func(stmt string) error {
		statements++
		mock.ExpectExec(regexpQuote(firstLine(stmt))).WillReturnResult(sqlmock.NewResult(0, 1))
		return nil
	}))
	require.Equal(t, 4, statements, "two creates and two inserts")
	mock.ExpectCommit()

	cfg.Restore.BackupPath = res.Prefix
	require.NoError(t, a.Restore(t.Context()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBackupMultiFileEncrypted(t *testing.T) {
	cfg := testSettings(t)
	cfg.Database.MultipleFiles = true
	cfg.Security = config.SecurityConfig{
		Encryption:         true,
		Type:               "keystore",
		Provider:           "local",
		KeySize:            2048,
		PrivateKeyPassword: "hunter2",
		LocalKeyStorePath:  t.TempDir(),
	}
	a, mock, dir := newTestApp(t, cfg)

	expectVersion(mock)
	expectSeedExtraction(mock)

	res, err := a.Backup(t.Context())
	require.NoError(t, err)
	require.Len(t, res.Outputs, 2)

	entries, err := os.ReadDir(filepath.Join(dir, filepath.FromSlash(res.Prefix)))
	require.NoError(t, err)
	names := []string{}
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"tables.backy", "data.backy", "manifest.json"}, names)

	m := readManifestFile(t, dir, res.Prefix)
	require.Len(t, m.Artifacts, 2)
	assert.Equal(t, "tables.sql", m.Artifacts[0].Name)
	assert.Equal(t, "data.sql", m.Artifacts[1].Name)
	assert.True(t, m.MultipleFiles)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBackupFailureLeavesNoPartialOutputs(t *testing.T) {
	cfg := testSettings(t)
	cfg.Database.MultipleFiles = true
	a, mock, dir := newTestApp(t, cfg)

	expectVersion(mock)
	// tables category succeeds, data category fails at the catalog query
	expectTablesSorted(mock)
	mock.ExpectQuery("SHOW CREATE TABLE `departments`").
		WillReturnRows(sqlmock.NewRows([]string{"Table", "Create Table"}).
			AddRow("departments", "CREATE TABLE `departments` (`id` int)"))
	mock.ExpectQuery("SHOW CREATE TABLE `employees`").
		WillReturnRows(sqlmock.NewRows([]string{"Table", "Create Table"}).
			AddRow("employees", "CREATE TABLE `employees` (`id` int)"))
	mock.ExpectQuery("INFORMATION_SCHEMA.TABLES").WithArgs("shop").
		WillReturnError(assertableErr("catalog exploded"))

	_, err := a.Backup(t.Context())
	require.Error(t, err)

	// the whole prefix was cleaned up
	var leftover []string
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			leftover = append(leftover, path)
		}
		return nil
	})
	assert.Empty(t, leftover, "failed backup must remove partial outputs")
}

func TestOutputNames(t *testing.T) {
	m := &manifest.Manifest{
		Artifacts: []manifest.Artifact{{Name: "tables.sql"}, {Name: "data.sql"}},
	}
	assert.Equal(t, []string{"tables.sql", "data.sql"}, outputNames(m))

	m.Transforms = []manifest.Transform{{Op: "encrypt", AlgID: 1}}
	assert.Equal(t, []string{"tables.backy", "data.backy"}, outputNames(m))

	m.Transforms = []manifest.Transform{{Op: "compress", Type: "zip"}, {Op: "encrypt", AlgID: 1}}
	assert.Equal(t, []string{"dump.backy"}, outputNames(m))
}

func TestCategoryOf(t *testing.T) {
	assert.Equal(t, schema.Views, categoryOf("views.sql"))
	assert.Equal(t, schema.Tables, categoryOf("dump.sql"))
}

// helpers

type assertableErr string

func (e assertableErr) Error() string { return string(e) }

func firstLine(stmt string) string {
	line, _, _ := strings.Cut(stmt, "\n")
	return line
}

func regexpQuote(s string) string {
	replacer := strings.NewReplacer(
		`(`, `\(`, `)`, `\)`, `*`, `\*`, `+`, `\+`, `?`, `\?`,
		`[`, `\[`, `]`, `\]`, `.`, `\.`, `$`, `\$`, `^`, `\^`,
	)
	return replacer.Replace(s)
}
