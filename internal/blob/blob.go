// Package blob stores per-item article text on the filesystem, keyed by
// item id. Body text is the feed-supplied content; full text is the
// readability-extracted article.
package blob

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

type Store struct {
	dir string
}

func NewStore(dataDir string) (*Store, error) {
	s := &Store{dir: dataDir}
	for _, sub := range []string{"articles", "fulltext"} {
		if err := os.MkdirAll(filepath.Join(dataDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create blob dir %s: %w", sub, err)
		}
	}
	return s, nil
}

func (s *Store) WriteBody(itemID int64, text string) error {
	return write(s.bodyPath(itemID), text)
}

func (s *Store) ReadBody(itemID int64) (string, error) {
	data, err := os.ReadFile(s.bodyPath(itemID))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *Store) DeleteBody(itemID int64) error {
	return remove(s.bodyPath(itemID))
}

func (s *Store) WriteFullText(itemID int64, html string) error {
	return write(s.fullTextPath(itemID), html)
}

func (s *Store) ReadFullText(itemID int64) (string, error) {
	data, err := os.ReadFile(s.fullTextPath(itemID))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *Store) DeleteFullText(itemID int64) error {
	return remove(s.fullTextPath(itemID))
}

func (s *Store) bodyPath(itemID int64) string {
	return filepath.Join(s.dir, "articles", strconv.FormatInt(itemID, 10)+".html")
}

func (s *Store) fullTextPath(itemID int64) string {
	return filepath.Join(s.dir, "fulltext", strconv.FormatInt(itemID, 10)+".html")
}

func write(path, content string) error {
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write blob: %w", err)
	}
	return nil
}

// remove tolerates a missing file; a pruned item may never have had a blob.
func remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}
