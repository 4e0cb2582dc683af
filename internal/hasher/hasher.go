// Package hasher computes the content identity and transport checksum of
// deployable files.
package hasher

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Sums holds both digests for one file. Hash identifies the source content
// and MD5 checks the bytes actually transmitted.
type Sums struct {
	Hash string
	MD5  string
}

// ContentHash returns the lowercase hex SHA-256 of the file at path.
func ContentHash(path string) (string, error) {
	h := sha256.New()
	if err := digest(path, h); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Checksum returns the lowercase hex MD5 of the file at path.
func Checksum(path string) (string, error) {
	h := md5.New()
	if err := digest(path, h); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Pair hashes source and checksums transport. When both name the same file
// it is read once.
func Pair(source, transport string) (Sums, error) {
	if source != transport {
		sum, err := ContentHash(source)
		if err != nil {
			return Sums{}, err
		}
		check, err := Checksum(transport)
		if err != nil {
			return Sums{}, err
		}
		return Sums{Hash: sum, MD5: check}, nil
	}

	sh := sha256.New()
	mh := md5.New()
	if err := digest(source, io.MultiWriter(sh, mh)); err != nil {
		return Sums{}, err
	}
	return Sums{
		Hash: hex.EncodeToString(sh.Sum(nil)),
		MD5:  hex.EncodeToString(mh.Sum(nil)),
	}, nil
}

func digest(path string, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	return nil
}
