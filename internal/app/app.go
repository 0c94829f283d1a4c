package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/backydb/backydb/internal/config"
	"github.com/backydb/backydb/internal/errs"
	"github.com/backydb/backydb/internal/keyprov"
	"github.com/backydb/backydb/internal/manifest"
	"github.com/backydb/backydb/internal/schema"
	"github.com/backydb/backydb/internal/storage"
	"github.com/backydb/backydb/internal/util"
)

// App composes the schema engine, crypto envelope, archiver, integrity layer
// and storage into the backup and restore pipelines.
type App struct {
	Cfg    *config.Settings
	Engine *schema.Engine
	Store  storage.Storage
	Log    zerolog.Logger

	now func() time.Time
}

func New(cfg *config.Settings, engine *schema.Engine, store storage.Storage, log zerolog.Logger) *App {
	return &App{Cfg: cfg, Engine: engine, Store: store, Log: log, now: time.Now}
}

// state names mirror the backup/restore state machines for logging.
const (
	stateValidated         = "validated"
	stateSchemaExtracting  = "schema_extracting"
	stateCompressing       = "compressing"
	stateEncrypting        = "encrypting"
	stateStoring           = "storing"
	stateManifesting       = "manifesting"
	stateFetching          = "fetching"
	stateIntegrityChecking = "integrity_checking"
	stateDecrypting        = "decrypting"
	stateDecompressing     = "decompressing"
	stateApplying          = "applying"
	stateDone              = "done"
	stateFailed            = "failed"
)

func (a *App) enter(state string) {
	a.Log.Info().Str("state", state).Msg("pipeline state")
}

func (a *App) fail(err error) error {
	a.Log.Error().Err(err).Str("state", stateFailed).Str("kind", string(errs.KindOf(err))).Msg("pipeline failed")
	return err
}

// keyProvider builds the configured provider wrapped with the KMS retry
// policy: transient failures retried 3x with exponential backoff capped at 8s.
func (a *App) keyProvider(ctx context.Context) (keyprov.Provider, error) {
	prov, err := keyprov.New(ctx, a.Cfg.Security)
	if err != nil {
		return nil, err
	}
	return &retryingProvider{inner: prov, timeout: a.Cfg.Global.KMSTimeout}, nil
}

type retryingProvider struct {
	inner   keyprov.Provider
	timeout time.Duration
}

func (p *retryingProvider) ID() string             { return p.inner.ID() }
func (p *retryingProvider) Params() keyprov.Params { return p.inner.Params() }

func (p *retryingProvider) Wrap(ctx context.Context, dataKey []byte) ([]byte, error) {
	var out []byte
	err := util.RetryBackoff(ctx, 4, time.Second, 8*time.Second, errs.IsTransient, func() error {
		callCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		var err error
		out, err = p.inner.Wrap(callCtx, dataKey)
		return err
	})
	return out, err
}

func (p *retryingProvider) Unwrap(ctx context.Context, wrapped []byte) ([]byte, error) {
	var out []byte
	err := util.RetryBackoff(ctx, 4, time.Second, 8*time.Second, errs.IsTransient, func() error {
		callCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		var err error
		out, err = p.inner.Unwrap(callCtx, wrapped)
		return err
	})
	return out, err
}

// hashingReader tees raw artifact bytes into a SHA-256 as they stream by.
type hashingReader struct {
	r io.Reader
	h hash.Hash
	n int64
}

func newHashingReader(r io.Reader) *hashingReader {
	return &hashingReader{r: r, h: sha256.New()}
}

func (h *hashingReader) Read(p []byte) (int, error) {
	n, err := h.r.Read(p)
	if n > 0 {
		h.h.Write(p[:n])
		h.n += int64(n)
	}
	return n, err
}

func (h *hashingReader) Sum() string { return hex.EncodeToString(h.h.Sum(nil)) }
func (h *hashingReader) Size() int64 { return h.n }

// outputName maps an artifact name to its stored file name per the mode
// matrix: any transform switches the extension to .backy.
func outputName(artifactName string, transformed bool) string {
	if !transformed {
		return artifactName
	}
	return strings.TrimSuffix(artifactName, ".sql") + ".backy"
}

// outputNames derives the stored file names a manifest describes. With
// compression everything lives in one archive; with encryption alone each
// artifact has its own envelope; raw artifacts store as-is.
func outputNames(m *manifest.Manifest) []string {
	compressed := m.FindTransform("compress") != nil
	encrypted := m.FindTransform("encrypt") != nil
	if compressed {
		return []string{"dump.backy"}
	}
	names := make([]string, 0, len(m.Artifacts))
	for _, art := range m.Artifacts {
		names = append(names, outputName(art.Name, encrypted))
	}
	return names
}

// verifyEngineCompatibility refuses restores across major server versions;
// dump syntax (EVENT bodies in particular) is not stable across them.
func (a *App) verifyEngineCompatibility(ctx context.Context, m *manifest.Manifest) error {
	current, err := a.Engine.ServerVersion(ctx)
	if err != nil {
		return err
	}
	if schema.MajorVersion(current) != schema.MajorVersion(m.Engine.Version) {
		return errs.New(errs.ConfigInvalid, "app.restore",
			"backup was taken on %s %s, target server is %s; major versions must match",
			m.Engine.Type, m.Engine.Version, current)
	}
	return nil
}
