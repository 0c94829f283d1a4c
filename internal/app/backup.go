package app

import (
	"bytes"
	"context"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/backydb/backydb/internal/archive"
	"github.com/backydb/backydb/internal/envelope"
	"github.com/backydb/backydb/internal/integrity"
	"github.com/backydb/backydb/internal/keyprov"
	"github.com/backydb/backydb/internal/lock"
	"github.com/backydb/backydb/internal/manifest"
	"github.com/backydb/backydb/internal/schema"
	"github.com/backydb/backydb/internal/util"
	"github.com/backydb/backydb/internal/version"
)

// BackupResult reports where a completed backup landed.
type BackupResult struct {
	Prefix   string
	Outputs  []string
	Manifest *manifest.Manifest
}

// Backup drives Validated -> SchemaExtracting -> (Compressing?) ->
// (Encrypting?) -> Storing -> Manifesting -> Done. Compression always
// precedes encryption; the manifest is written only after every referenced
// output is durable, and any failure removes the partial outputs.
func (a *App) Backup(ctx context.Context) (*BackupResult, error) {
	guard, err := lock.Acquire(a.Cfg.Global.LockFile, "backup")
	if err != nil {
		return nil, a.fail(err)
	}
	defer guard.Release()

	a.enter(stateValidated)

	engineVersion, err := a.Engine.ServerVersion(ctx)
	if err != nil {
		return nil, a.fail(err)
	}

	var prov keyprov.Provider
	if a.Cfg.Security.Encryption {
		prov, err = a.keyProvider(ctx)
		if err != nil {
			return nil, a.fail(err)
		}
	}

	started := a.now()
	prefix := util.BuildBackupPrefix(a.Cfg.Storage.Prefix, a.Cfg.Database.DBName, started)
	m := manifest.New(version.Version, "mysql", engineVersion,
		a.Cfg.Database.Features, a.Cfg.Database.MultipleFiles, started)
	if a.Cfg.Compression.Enabled {
		m.Transforms = append(m.Transforms, manifest.Transform{Op: "compress", Type: a.Cfg.Compression.Type})
	}
	if a.Cfg.Security.Encryption {
		m.Transforms = append(m.Transforms, manifest.Transform{
			Op: "encrypt", AlgID: envelope.AlgAESGCM, KeyProvider: prov.ID(),
		})
	}

	a.enter(stateSchemaExtracting)
	iter := a.Engine.Extract(a.Cfg.Database.Features, a.Cfg.Database.MultipleFiles)

	outputs, entries, err := a.runBackupPipeline(ctx, prefix, iter, prov)
	if err != nil {
		a.cleanupPrefix(prefix)
		return nil, a.fail(err)
	}
	m.Artifacts = entries

	a.enter(stateManifesting)
	if a.Cfg.Integrity.Enabled {
		if err := a.sealManifest(ctx, m, outputs); err != nil {
			a.cleanupPrefix(prefix)
			return nil, a.fail(err)
		}
	}
	if err := a.writeManifest(ctx, prefix, m); err != nil {
		a.cleanupPrefix(prefix)
		return nil, a.fail(err)
	}

	a.enter(stateDone)
	a.Log.Info().Str("prefix", prefix).Int("outputs", len(outputs)).Str("backup_id", m.BackupID).Msg("backup completed")
	return &BackupResult{Prefix: prefix, Outputs: outputs, Manifest: m}, nil
}

// runBackupPipeline streams every artifact through the configured transform
// chain into storage and returns the stored keys plus raw manifest entries.
func (a *App) runBackupPipeline(ctx context.Context, prefix string, iter *schema.Iterator, prov keyprov.Provider) ([]string, []manifest.Artifact, error) {
	if a.Cfg.Compression.Enabled {
		return a.storeArchive(ctx, prefix, iter, prov)
	}
	return a.storeArtifacts(ctx, prefix, iter, prov)
}

// storeArtifacts handles the uncompressed modes: each artifact becomes its
// own output, optionally enveloped. Per-artifact pipelines run in parallel
// up to the configured fan-out; extraction stays a single producer.
func (a *App) storeArtifacts(ctx context.Context, prefix string, iter *schema.Iterator, prov keyprov.Provider) ([]string, []manifest.Artifact, error) {
	encrypted := prov != nil
	if encrypted {
		a.enter(stateEncrypting)
	}
	a.enter(stateStoring)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(a.Cfg.Global.FanOut)

	var mu sync.Mutex
	keys := map[int]string{}
	entries := map[int]manifest.Artifact{}

	idx := 0
	for {
		art, err := iter.Next(egCtx)
		if err != nil {
			eg.Go(func() error { return err }) // cancel in-flight pipelines
			_ = eg.Wait()
			return nil, nil, err
		}
		if art == nil {
			break
		}
		i := idx
		idx++

		hr := newHashingReader(art.Reader)
		key := util.ObjectKey(prefix, outputName(art.Name, encrypted))
		eg.Go(func() error {
			defer closeArtifact(art)
			if err := a.putStream(egCtx, key, hr, prov); err != nil {
				return err
			}
			mu.Lock()
			keys[i] = key
			entries[i] = manifest.Artifact{Name: art.Name, SHA256: hr.Sum(), Size: hr.Size()}
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, nil, err
	}

	// Manifest entries keep extraction (dependency-rank) order regardless of
	// which pipeline finished first.
	orderedKeys := make([]string, idx)
	orderedEntries := make([]manifest.Artifact, idx)
	for i := 0; i < idx; i++ {
		orderedKeys[i] = keys[i]
		orderedEntries[i] = entries[i]
	}
	return orderedKeys, orderedEntries, nil
}

// closeArtifact releases a pipe-backed artifact reader so an abandoned
// producer goroutine unblocks on failure paths.
func closeArtifact(art *schema.Artifact) {
	if c, ok := art.Reader.(io.Closer); ok {
		c.Close()
	}
}

// putStream ships one artifact stream to storage, optionally through the
// envelope. Stages connect with pipes so nothing is materialized twice.
func (a *App) putStream(ctx context.Context, key string, src io.Reader, prov keyprov.Provider) error {
	if prov == nil {
		return a.Store.Put(ctx, key, src, -1)
	}

	pr, pw := io.Pipe()
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		defer pr.Close()
		return a.Store.Put(egCtx, key, pr, -1)
	})
	eg.Go(func() error {
		_, err := envelope.Encrypt(egCtx, pw, src, prov)
		pw.CloseWithError(err)
		return err
	})
	return eg.Wait()
}

// storeArchive handles the compressed modes: every artifact becomes a member
// of one archive, which is optionally enveloped into a single output.
func (a *App) storeArchive(ctx context.Context, prefix string, iter *schema.Iterator, prov keyprov.Provider) ([]string, []manifest.Artifact, error) {
	a.enter(stateCompressing)
	if prov != nil {
		a.enter(stateEncrypting)
	}
	a.enter(stateStoring)

	key := util.ObjectKey(prefix, "dump.backy")
	entries := []manifest.Artifact{}

	pr, pw := io.Pipe()
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		defer pr.Close()
		if prov == nil {
			return a.Store.Put(egCtx, key, pr, -1)
		}
		return a.putStream(egCtx, key, pr, prov)
	})

	eg.Go(func() error {
		aw, err := archive.NewWriter(a.Cfg.Compression.Type, pw, a.now())
		if err != nil {
			pw.CloseWithError(err)
			return err
		}
		for {
			art, err := iter.Next(egCtx)
			if err != nil {
				pw.CloseWithError(err)
				return err
			}
			if art == nil {
				break
			}
			hr := newHashingReader(art.Reader)
			if err := aw.Add(art.Name, hr); err != nil {
				closeArtifact(art)
				pw.CloseWithError(err)
				return err
			}
			closeArtifact(art)
			entries = append(entries, manifest.Artifact{Name: art.Name, SHA256: hr.Sum(), Size: hr.Size()})
		}
		if err := aw.Close(); err != nil {
			pw.CloseWithError(err)
			return err
		}
		return pw.Close()
	})

	if err := eg.Wait(); err != nil {
		return nil, nil, err
	}
	return []string{key}, entries, nil
}

// sealManifest computes the integrity tag over the canonical manifest (tag
// blank) plus every stored output, then inserts it.
func (a *App) sealManifest(ctx context.Context, m *manifest.Manifest, outputs []string) error {
	calc, err := integrity.New(a.Cfg.Integrity.Type, a.Cfg.Integrity.Password)
	if err != nil {
		return err
	}
	m.Integrity.Type = calc.Type()

	signing, err := m.CanonicalForSigning()
	if err != nil {
		return err
	}

	readers := make([]io.Reader, 0, len(outputs))
	closers := make([]io.Closer, 0, len(outputs))
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()
	for _, key := range outputs {
		rc, err := a.Store.Get(ctx, key)
		if err != nil {
			return err
		}
		closers = append(closers, rc)
		readers = append(readers, rc)
	}

	tag, err := calc.Tag(signing, readers)
	if err != nil {
		return err
	}
	m.Integrity.Value = tag
	return nil
}

func (a *App) writeManifest(ctx context.Context, prefix string, m *manifest.Manifest) error {
	var buf bytes.Buffer
	if err := m.Encode(&buf); err != nil {
		return err
	}
	putCtx, cancel := context.WithTimeout(ctx, a.Cfg.Global.StorageTimeout)
	defer cancel()
	return a.Store.Put(putCtx, util.ObjectKey(prefix, manifest.FileName), &buf, int64(buf.Len()))
}

// cleanupPrefix removes every object stored under a failed job's prefix so
// no partial backup is ever observable. Best effort on an already-failed
// path, and deliberately not bound to the possibly-cancelled job context.
func (a *App) cleanupPrefix(prefix string) {
	ctx, cancel := context.WithTimeout(context.Background(), a.Cfg.Global.StorageTimeout)
	defer cancel()
	objects, err := a.Store.List(ctx, prefix)
	if err != nil {
		a.Log.Warn().Err(err).Str("prefix", prefix).Msg("cleanup listing failed")
		return
	}
	for _, obj := range objects {
		if err := a.Store.Delete(ctx, obj.Key); err != nil {
			a.Log.Warn().Err(err).Str("key", obj.Key).Msg("cleanup delete failed")
		}
	}
}
