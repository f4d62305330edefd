// Package export produces portable dataset bundles: a gzipped tar
// holding the verification manifest and the canonical value bytes. A
// bundle is self-describing — the manifest carries the digest pair, so
// a recipient can re-verify content without access to the store.
package export

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/dsdb-io/dsdb/internal/canon"
	"github.com/dsdb-io/dsdb/internal/dataset"
)

// Extension is the conventional bundle filename suffix.
const Extension = ".dataset.tar.gz"

// Manifest is the bundle's verification envelope.
type Manifest struct {
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	Kind         string    `json:"kind"`
	FastDigest   string    `json:"fast_digest"`
	StrongDigest string    `json:"strong_digest"`
	Created      time.Time `json:"created"`
	ExportedAt   time.Time `json:"exported_at"`
}

// Write retrieves the named dataset (digest-verified) and writes its
// bundle to out.
func Write(ctx context.Context, db *dataset.Database, name string, out io.Writer) error {
	ds, err := db.Get(ctx, name)
	if err != nil {
		return err
	}
	info := ds.Info()

	manifest, err := json.MarshalIndent(Manifest{
		Name:         info.Name,
		Description:  info.Description,
		Kind:         string(info.Kind),
		FastDigest:   info.Digests.Fast,
		StrongDigest: info.Digests.Strong,
		Created:      info.Created,
		ExportedAt:   time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("export %q: marshal manifest: %w", name, err)
	}

	data, err := canon.Marshal(ds.Value())
	if err != nil {
		return fmt.Errorf("export %q: %w", name, err)
	}

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	for _, entry := range []struct {
		name string
		body []byte
	}{
		{"manifest.json", manifest},
		{"data.json", data},
	} {
		if err := tw.WriteHeader(&tar.Header{
			Name:    entry.name,
			Mode:    0o644,
			Size:    int64(len(entry.body)),
			ModTime: info.Created,
		}); err != nil {
			return fmt.Errorf("export %q: write %s header: %w", name, entry.name, err)
		}
		if _, err := tw.Write(entry.body); err != nil {
			return fmt.Errorf("export %q: write %s: %w", name, entry.name, err)
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("export %q: close tar: %w", name, err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("export %q: close gzip: %w", name, err)
	}
	return nil
}

// Read parses a bundle, re-verifies the strong digest against the
// embedded value, and returns the manifest and value.
func Read(r io.Reader) (*Manifest, canon.Value, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, nil, fmt.Errorf("read bundle: %w", err)
	}
	defer gz.Close()

	var (
		manifest *Manifest
		data     []byte
	)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read bundle: %w", err)
		}
		body, err := io.ReadAll(tr)
		if err != nil {
			return nil, nil, fmt.Errorf("read bundle: %s: %w", hdr.Name, err)
		}
		switch hdr.Name {
		case "manifest.json":
			manifest = &Manifest{}
			if err := json.Unmarshal(body, manifest); err != nil {
				return nil, nil, fmt.Errorf("read bundle: manifest: %w", err)
			}
		case "data.json":
			data = body
		}
	}
	if manifest == nil || data == nil {
		return nil, nil, fmt.Errorf("read bundle: incomplete (manifest=%v data=%v)",
			manifest != nil, data != nil)
	}

	v, err := canon.Unmarshal(data)
	if err != nil {
		return nil, nil, fmt.Errorf("read bundle: %w", err)
	}
	return manifest, v, nil
}
