package combo

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"assetcombo/css"
)

// DefaultMemoSize is the capacity used when NewImportMemo is given size <= 0.
const DefaultMemoSize = 4096

const scanChunk = 8 << 10

// ImportMemo remembers, per stylesheet, whether it contains @import. An
// entry is trusted only while the file's mtime and size are unchanged.
// ImportMemo is safe for concurrent use; a nil *ImportMemo never caches.
type ImportMemo struct {
	cache *lru.Cache[string, memoEntry]
}

type memoEntry struct {
	modTime   time.Time
	size      int64
	hasImport bool
}

// NewImportMemo returns a memo holding at most size entries.
func NewImportMemo(size int) (*ImportMemo, error) {
	if size <= 0 {
		size = DefaultMemoSize
	}
	c, err := lru.New[string, memoEntry](size)
	if err != nil {
		return nil, fmt.Errorf("import memo: %w", err)
	}
	return &ImportMemo{cache: c}, nil
}

// Lookup reports whether body, the current contents of fsPath, contains
// @import, consulting and filling the memo.
func (m *ImportMemo) Lookup(fsPath string, modTime time.Time, body []byte) bool {
	if e, ok := m.get(fsPath, modTime, int64(len(body))); ok {
		return e
	}
	has := css.ContainsImport(body)
	m.put(fsPath, memoEntry{modTime: modTime, size: int64(len(body)), hasImport: has})
	return has
}

// HasImport reports whether the stylesheet at fsPath contains @import. The
// file is scanned in chunks so large stylesheets are never held in memory.
func (m *ImportMemo) HasImport(fsPath string) (bool, error) {
	f, err := os.Open(fsPath)
	if err != nil {
		return false, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return false, err
	}
	if has, ok := m.get(fsPath, fi.ModTime(), fi.Size()); ok {
		return has, nil
	}
	has, err := scanForImport(f)
	if err != nil {
		return false, fmt.Errorf("scan %s: %w", fsPath, err)
	}
	m.put(fsPath, memoEntry{modTime: fi.ModTime(), size: fi.Size(), hasImport: has})
	return has, nil
}

// Forget drops any entry for fsPath.
func (m *ImportMemo) Forget(fsPath string) {
	if m == nil {
		return
	}
	m.cache.Remove(fsPath)
}

// Len returns the number of memoized stylesheets.
func (m *ImportMemo) Len() int {
	if m == nil {
		return 0
	}
	return m.cache.Len()
}

func (m *ImportMemo) get(fsPath string, modTime time.Time, size int64) (bool, bool) {
	if m == nil {
		return false, false
	}
	e, ok := m.cache.Get(fsPath)
	if !ok || !e.modTime.Equal(modTime) || e.size != size {
		return false, false
	}
	return e.hasImport, true
}

func (m *ImportMemo) put(fsPath string, e memoEntry) {
	if m == nil {
		return
	}
	m.cache.Add(fsPath, e)
}

// scanForImport looks for @import across chunk boundaries by carrying the
// tail of each chunk into the next.
func scanForImport(r io.Reader) (bool, error) {
	const overlap = len("@import") - 1
	br := bufio.NewReaderSize(r, scanChunk)
	buf := make([]byte, overlap+scanChunk)
	carry := 0
	for {
		n, err := io.ReadFull(br, buf[carry:])
		window := buf[:carry+n]
		if css.ContainsImport(window) {
			return true, nil
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		carry = min(overlap, len(window))
		copy(buf, window[len(window)-carry:])
	}
}

// ForgetDir drops every entry for a file beneath dir.
func (m *ImportMemo) ForgetDir(dir string) {
	if m == nil {
		return
	}
	prefix := filepath.Clean(dir) + string(filepath.Separator)
	for _, k := range m.cache.Keys() {
		if strings.HasPrefix(k, prefix) {
			m.cache.Remove(k)
		}
	}
}
