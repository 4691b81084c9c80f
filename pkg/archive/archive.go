// Package archive seals closed event-log segments and ships them to object
// storage. A segment is sealed only when every record in it is a complete
// JSON line; the sealed hash is verified again immediately before upload so
// a file mutated in between never reaches the bucket.
package archive

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Archiver uploads sealed segment bytes under a key.
type Archiver interface {
	Put(ctx context.Context, key string, data []byte) error
}

// Segment describes a sealed JSONL file.
type Segment struct {
	Path        string `json:"path"`
	Records     int    `json:"records"`
	SizeBytes   int64  `json:"size_bytes"`
	ContentHash string `json:"content_hash"`
}

// Key is the object key a sealed segment archives under: the file's base
// name qualified by a hash prefix, so distinct contents never collide.
func (s *Segment) Key() string {
	short := s.ContentHash
	if len(short) > len("sha256:")+12 {
		short = short[len("sha256:") : len("sha256:")+12]
	}
	return fmt.Sprintf("segments/%s-%s", short, filepath.Base(s.Path))
}

// Seal verifies that the file at path is a closed JSONL segment and returns
// its descriptor. A torn tail (a final line without a newline, or a line
// that is not valid JSON) fails the seal: the segment is still being
// written, or corrupt.
func Seal(path string) (*Segment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("archive: read segment: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("archive: segment %s is empty", path)
	}
	if data[len(data)-1] != '\n' {
		return nil, fmt.Errorf("archive: segment %s has a torn tail", path)
	}

	records := 0
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			return nil, fmt.Errorf("archive: segment %s record %d is not valid JSON", path, records+1)
		}
		records++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("archive: scan segment %s: %w", path, err)
	}
	if records == 0 {
		return nil, fmt.Errorf("archive: segment %s has no records", path)
	}

	digest := sha256.Sum256(data)
	return &Segment{
		Path:        path,
		Records:     records,
		SizeBytes:   int64(len(data)),
		ContentHash: "sha256:" + hex.EncodeToString(digest[:]),
	}, nil
}

// Upload re-reads the sealed segment, verifies its hash still matches, and
// ships it through the archiver.
func Upload(ctx context.Context, archiver Archiver, segment *Segment) error {
	data, err := os.ReadFile(segment.Path)
	if err != nil {
		return fmt.Errorf("archive: reread segment: %w", err)
	}

	digest := sha256.Sum256(data)
	current := "sha256:" + hex.EncodeToString(digest[:])
	if current != segment.ContentHash {
		return fmt.Errorf("archive: segment %s changed since sealing (have %s, sealed %s)",
			segment.Path, current, segment.ContentHash)
	}

	if err := archiver.Put(ctx, segment.Key(), data); err != nil {
		return fmt.Errorf("archive: upload %s: %w", segment.Key(), err)
	}
	return nil
}
