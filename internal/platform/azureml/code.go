package azureml

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/seantiz/pipetrigger/internal/platform"
)

// DefaultCodeDatastore is the workspace datastore step snapshots are
// uploaded to.
const DefaultCodeDatastore = "workspaceblobstore"

const (
	storageScope     = "https://storage.azure.com/.default"
	blobAPIVersion   = "2021-08-06"
	maxSnapshotBytes = 64 << 20
)

type codeVersion struct {
	ID         string         `json:"id,omitempty"`
	Properties codeProperties `json:"properties"`
}

type codeProperties struct {
	CodeURI string `json:"codeUri"`
}

type snapshotFile struct {
	path string
	data []byte
}

// snapshot reads the regular files under dir in lexical order, skipping
// hidden files and directories, and returns them with a version derived
// from their paths and content.
func snapshot(dir string) ([]snapshotFile, string, error) {
	var (
		files []snapshotFile
		total int
	)
	h := sha256.New()
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p != dir && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		total += len(data)
		if total > maxSnapshotBytes {
			return fmt.Errorf("source directory %s exceeds %d bytes", dir, maxSnapshotBytes)
		}
		rel = filepath.ToSlash(rel)
		fmt.Fprintf(h, "%s\x00%d\x00", rel, len(data))
		h.Write(data)
		files = append(files, snapshotFile{path: rel, data: data})
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("snapshot %s: %w", dir, err)
	}
	if len(files) == 0 {
		return nil, "", fmt.Errorf("snapshot %s: no files", dir)
	}
	sum := h.Sum(nil)
	return files, hex.EncodeToString(sum[:8]), nil
}

// ensureCode registers the content of dir as a code version named name and
// returns its ID. A version that already exists is reused without
// uploading.
func (c *Client) ensureCode(ctx context.Context, name, dir string) (string, error) {
	files, version, err := snapshot(dir)
	if err != nil {
		return "", err
	}
	path := fmt.Sprintf("/codes/%s/versions/%s", name, version)

	var existing codeVersion
	err = c.get(ctx, c.resourceURL(path), &existing)
	switch {
	case err == nil:
		return c.codeID(existing.ID, path), nil
	case !errors.Is(err, platform.ErrNotFound):
		return "", fmt.Errorf("get code %s:%s: %w", name, version, err)
	}

	ds, err := c.GetDatastore(ctx, c.codeDatastore)
	if err != nil {
		return "", fmt.Errorf("code datastore %q: %w", c.codeDatastore, err)
	}
	if ds.AccountName == "" || ds.ContainerName == "" {
		return "", fmt.Errorf("code datastore %q has no blob container", c.codeDatastore)
	}

	prefix := "LocalUpload/" + name + "/" + version
	for _, f := range files {
		blob := c.blobURL(ds.AccountName, ds.ContainerName, prefix+"/"+f.path)
		if err := c.putBlob(ctx, blob, f.data); err != nil {
			return "", fmt.Errorf("upload %s: %w", f.path, err)
		}
	}

	body := codeVersion{Properties: codeProperties{CodeURI: c.blobURL(ds.AccountName, ds.ContainerName, prefix)}}
	var res codeVersion
	if err := c.put(ctx, c.resourceURL(path), body, &res, nil); err != nil {
		return "", fmt.Errorf("register code %s:%s: %w", name, version, err)
	}
	return c.codeID(res.ID, path), nil
}

func (c *Client) codeID(id, path string) string {
	if id != "" {
		return id
	}
	return c.ws.ID() + path
}

// blobURL addresses a blob. With a custom blob endpoint the account is the
// first path segment, as on the storage emulator.
func (c *Client) blobURL(account, container, blob string) string {
	segs := strings.Split(blob, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	blob = strings.Join(segs, "/")
	if c.blobEndpoint != "" {
		return fmt.Sprintf("%s/%s/%s/%s", c.blobEndpoint, account, container, blob)
	}
	return fmt.Sprintf("https://%s.blob.core.windows.net/%s/%s", account, container, blob)
}

func (c *Client) putBlob(ctx context.Context, target string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("x-ms-blob-type", "BlockBlob")
	req.Header.Set("x-ms-version", blobAPIVersion)
	return c.doWith(c.storage, req, nil)
}
