package checkpoint

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/evolving-machines-lab/evolve/core"
)

// Archive extraction applies the same security policy in-memory and
// on-disk: only regular files and directories are materialized, and no
// resolved path may escape the extraction root. Everything else is a
// hard failure, not a skip, so a hostile archive cannot half-apply.

// secureEntryPath normalizes one tar member name and rejects anything
// that would land outside the extraction root.
func secureEntryPath(name string) (string, error) {
	normalized := strings.ReplaceAll(name, `\`, "/")
	if strings.HasPrefix(normalized, "/") {
		return "", fmt.Errorf("absolute entry %q: %w", name, core.ErrUnsafePath)
	}
	cleaned := path.Clean(normalized)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("entry %q: %w", name, core.ErrUnsafePath)
	}
	if cleaned == "." {
		return "", nil
	}
	return cleaned, nil
}

func checkEntryType(hdr *tar.Header) error {
	switch hdr.Typeflag {
	case tar.TypeReg, tar.TypeDir:
		return nil
	default:
		return fmt.Errorf("entry %q type %q: %w", hdr.Name, hdr.Typeflag, core.ErrUnsupportedEntryType)
	}
}

// walkArchive streams a gzipped tar, applying the security policy and
// calling visit for each regular file and directory.
func walkArchive(r io.Reader, visit func(cleanPath string, hdr *tar.Header, content io.Reader) error) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading archive: %w", err)
		}
		// PAX global headers carry no payload and no path.
		if hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}
		if err := checkEntryType(hdr); err != nil {
			return err
		}
		cleaned, err := secureEntryPath(hdr.Name)
		if err != nil {
			return err
		}
		if cleaned == "" {
			continue
		}
		if err := visit(cleaned, hdr, tr); err != nil {
			return err
		}
	}
}

// ExtractToFileMap streams archive entries in-memory, returning file
// contents keyed by archive-relative path. filter may be nil.
func ExtractToFileMap(r io.Reader, filter func(path string) bool) (core.FileMap, error) {
	files := make(core.FileMap)
	err := walkArchive(r, func(cleanPath string, hdr *tar.Header, content io.Reader) error {
		if hdr.Typeflag == tar.TypeDir {
			return nil
		}
		if filter != nil && !filter(cleanPath) {
			// Unselected payloads must still be drained to advance the
			// tar stream.
			_, err := io.Copy(io.Discard, content)
			return err
		}
		data, err := io.ReadAll(content)
		if err != nil {
			return fmt.Errorf("reading entry %q: %w", cleanPath, err)
		}
		files[cleanPath] = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// ExtractToDir extracts the archive under root on the local filesystem.
func ExtractToDir(r io.Reader, root string) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	return walkArchive(r, func(cleanPath string, hdr *tar.Header, content io.Reader) error {
		target := filepath.Join(absRoot, filepath.FromSlash(cleanPath))
		// Join after Clean cannot escape; re-check the joined prefix.
		// The check is lexical: symlinks already on disk under root are
		// not resolved.
		if target != absRoot && !strings.HasPrefix(target, absRoot+string(os.PathSeparator)) {
			return fmt.Errorf("entry %q: %w", cleanPath, core.ErrUnsafePath)
		}
		if hdr.Typeflag == tar.TypeDir {
			return os.MkdirAll(target, 0o755)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, content); err != nil {
			f.Close()
			return fmt.Errorf("writing %q: %w", cleanPath, err)
		}
		return f.Close()
	})
}
