package app

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sort"

	"github.com/backydb/backydb/internal/archive"
	"github.com/backydb/backydb/internal/envelope"
	"github.com/backydb/backydb/internal/errs"
	"github.com/backydb/backydb/internal/integrity"
	"github.com/backydb/backydb/internal/keyprov"
	"github.com/backydb/backydb/internal/lock"
	"github.com/backydb/backydb/internal/manifest"
	"github.com/backydb/backydb/internal/schema"
	"github.com/backydb/backydb/internal/util"
)

// Restore drives Validated -> Fetching -> IntegrityChecking -> (Decrypting?)
// -> (Decompressing?) -> Applying -> Done. The manifest is read first and its
// transform chain is authoritative; integrity is verified over the stored
// bytes before the crypto layer sees anything.
func (a *App) Restore(ctx context.Context) error {
	guard, err := lock.Acquire(a.Cfg.Global.LockFile, "restore")
	if err != nil {
		return a.fail(err)
	}
	defer guard.Release()

	a.enter(stateValidated)
	prefix := a.Cfg.Restore.BackupPath
	if prefix == "" {
		return a.fail(errs.New(errs.ConfigInvalid, "app.restore", "restore.backup_path is required"))
	}

	a.enter(stateFetching)
	m, err := a.readManifest(ctx, prefix)
	if err != nil {
		return a.fail(err)
	}

	outputs := outputNames(m)

	a.enter(stateIntegrityChecking)
	if m.Integrity.Type != "" {
		if err := a.verifyIntegrity(ctx, prefix, m, outputs); err != nil {
			return a.fail(err)
		}
	}

	artifacts, err := a.recoverArtifacts(ctx, prefix, m, outputs)
	if err != nil {
		return a.fail(err)
	}

	if a.Cfg.Restore.DryRun {
		a.Log.Info().Str("prefix", prefix).Int("artifacts", len(artifacts)).Msg("dry run restore verified")
		a.enter(stateDone)
		return nil
	}

	// The first statement to touch the database is the version probe, and it
	// only runs once the stored bytes have checked out.
	if err := a.verifyEngineCompatibility(ctx, m); err != nil {
		return a.fail(err)
	}

	a.enter(stateApplying)
	if err := a.applyArtifacts(ctx, m, artifacts); err != nil {
		return a.fail(err)
	}

	a.enter(stateDone)
	a.Log.Info().Str("prefix", prefix).Str("backup_id", m.BackupID).Msg("restore completed")
	return nil
}

func (a *App) readManifest(ctx context.Context, prefix string) (*manifest.Manifest, error) {
	getCtx, cancel := context.WithTimeout(ctx, a.Cfg.Global.StorageTimeout)
	defer cancel()
	rc, err := a.Store.Get(getCtx, util.ObjectKey(prefix, manifest.FileName))
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return manifest.Decode(rc)
}

// verifyIntegrity recomputes the tag over the canonical manifest (tag blank)
// and the stored outputs, in manifest order. Runs before any decryption.
func (a *App) verifyIntegrity(ctx context.Context, prefix string, m *manifest.Manifest, outputs []string) error {
	calc, err := integrity.New(m.Integrity.Type, a.Cfg.Integrity.Password)
	if err != nil {
		return err
	}
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
	for _, name := range outputs {
		rc, err := a.Store.Get(ctx, util.ObjectKey(prefix, name))
		if err != nil {
			return err
		}
		closers = append(closers, rc)
		readers = append(readers, rc)
	}
	return calc.Verify(signing, readers, m.Integrity.Value)
}

// recoveredArtifact is an artifact pulled back through the reversed
// transform chain, verified against its manifest entry.
type recoveredArtifact struct {
	name    string
	content []byte
}

// recoverArtifacts fetches every output and applies the transform chain in
// reverse: decrypt, then decompress. Each recovered artifact must hash back
// to the manifest's raw SHA-256.
func (a *App) recoverArtifacts(ctx context.Context, prefix string, m *manifest.Manifest, outputs []string) ([]recoveredArtifact, error) {
	compress := m.FindTransform("compress")
	encrypt := m.FindTransform("encrypt")

	var prov keyprov.Provider
	if encrypt != nil {
		if encrypt.AlgID != envelope.AlgAESGCM {
			return nil, errs.New(errs.KeyAlgorithmUnsupported, "app.restore",
				"manifest names unknown alg_id %d", encrypt.AlgID)
		}
		var err error
		prov, err = a.keyProvider(ctx)
		if err != nil {
			return nil, err
		}
	}

	recovered := []recoveredArtifact{}
	for _, name := range outputs {
		payload, err := a.fetchOutput(ctx, prefix, name, prov)
		if err != nil {
			return nil, err
		}

		if compress != nil {
			a.enter(stateDecompressing)
			members, err := unpackArchive(compress.Type, payload)
			if err != nil {
				return nil, err
			}
			recovered = append(recovered, members...)
		} else {
			artifactName := m.Artifacts[len(recovered)].Name
			recovered = append(recovered, recoveredArtifact{name: artifactName, content: payload})
		}
	}

	if len(recovered) != len(m.Artifacts) {
		return nil, errs.New(errs.IntegrityFailure, "app.restore",
			"manifest lists %d artifacts, outputs yielded %d", len(m.Artifacts), len(recovered))
	}
	for _, art := range recovered {
		entry := m.FindArtifact(art.name)
		if entry == nil {
			return nil, errs.New(errs.IntegrityFailure, "app.restore",
				"recovered artifact %q has no manifest entry", art.name)
		}
		sum := sha256.Sum256(art.content)
		if hex.EncodeToString(sum[:]) != entry.SHA256 {
			return nil, errs.New(errs.IntegrityFailure, "app.restore",
				"artifact %q does not hash back to its manifest entry", art.name)
		}
		if int64(len(art.content)) != entry.Size {
			return nil, errs.New(errs.IntegrityFailure, "app.restore",
				"artifact %q size %d differs from manifest %d", art.name, len(art.content), entry.Size)
		}
	}
	return recovered, nil
}

func (a *App) fetchOutput(ctx context.Context, prefix, name string, prov keyprov.Provider) ([]byte, error) {
	rc, err := a.Store.Get(ctx, util.ObjectKey(prefix, name))
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	if prov == nil {
		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, errs.Wrap(errs.StorageUnavailable, "app.restore", err)
		}
		return data, nil
	}

	a.enter(stateDecrypting)
	var plain bytes.Buffer
	if err := envelope.Decrypt(ctx, &plain, rc, prov); err != nil {
		return nil, err
	}
	return plain.Bytes(), nil
}

func unpackArchive(kind string, payload []byte) ([]recoveredArtifact, error) {
	ar, err := archive.NewReader(kind, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	members := []recoveredArtifact{}
	for {
		name, body, err := ar.Next()
		if err == io.EOF {
			return members, nil
		}
		if err != nil {
			return nil, err
		}
		content, err := io.ReadAll(body)
		if err != nil {
			return nil, errs.Wrap(errs.CorruptArchive, "app.restore", err)
		}
		members = append(members, recoveredArtifact{name: name, content: content})
	}
}

// applyArtifacts re-serializes execution in apply-rank order regardless of
// recovery order, then ingests everything in one transaction with a
// destructive drop pass first. Multi-file backups are ordered by sorting
// the per-category artifacts; a single concatenated dump carries all
// categories in emit order, so its statements are regrouped instead.
func (a *App) applyArtifacts(ctx context.Context, m *manifest.Manifest, artifacts []recoveredArtifact) error {
	opts := schema.ApplyOptions{
		DropExisting: true,
		BestEffort:   a.Cfg.Database.BestEffort,
	}

	var report *schema.ApplyReport
	var err error
	if m.MultipleFiles {
		ordered := make([]recoveredArtifact, len(artifacts))
		copy(ordered, artifacts)
		sort.SliceStable(ordered, func(i, j int) bool {
			return schema.ApplyRank(categoryOf(ordered[i].name)) < schema.ApplyRank(categoryOf(ordered[j].name))
		})
		readers := make([]io.Reader, len(ordered))
		for i, art := range ordered {
			readers[i] = bytes.NewReader(art.content)
		}
		report, err = a.Engine.Apply(ctx, io.MultiReader(readers...), opts)
	} else {
		readers := make([]io.Reader, len(artifacts))
		for i, art := range artifacts {
			readers[i] = bytes.NewReader(art.content)
		}
		report, err = a.Engine.ApplyOrdered(ctx, io.MultiReader(readers...), opts)
	}
	if err != nil {
		return err
	}
	a.Log.Info().Int("executed", report.Executed).Int("skipped", len(report.Skipped)).Msg("artifacts applied")
	return nil
}

// categoryOf maps a per-category artifact name ("views.sql") back to its
// category.
func categoryOf(name string) schema.Category {
	for _, c := range schema.EmitOrder {
		if name == string(c)+".sql" {
			return c
		}
	}
	return schema.Tables
}
