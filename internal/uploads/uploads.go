package uploads

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

var (
	ErrUnsupportedType = errors.New("only image files are allowed")
	ErrEmptyFile       = errors.New("empty file")
)

// sniffLen is how much of the upload is inspected to detect its type.
const sniffLen = 3072

var allowedExt = map[string]bool{
	".jpeg": true,
	".jpg":  true,
	".png":  true,
	".gif":  true,
	".webp": true,
}

var allowedMIME = []string{"image/jpeg", "image/png", "image/gif", "image/webp"}

// Saved describes a stored image. Path is what add-overlay references.
type Saved struct {
	Filename     string `json:"filename"`
	OriginalName string `json:"originalName"`
	Path         string `json:"path"`
	Size         int64  `json:"size"`
}

// Storage keeps overlay images on local disk, served under URLPrefix.
type Storage struct {
	dir       string
	urlPrefix string
}

func NewStorage(dir, urlPrefix string) (*Storage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure upload dir: %w", err)
	}
	return &Storage{dir: dir, urlPrefix: strings.TrimSuffix(urlPrefix, "/")}, nil
}

func (s *Storage) Dir() string { return s.dir }

// Save stores r under a fresh name. Both the extension of originalName and
// the sniffed content must be one of jpeg, png, gif or webp.
func (s *Storage) Save(originalName string, r io.Reader) (*Saved, error) {
	base := filepath.Base(originalName)
	ext := strings.ToLower(filepath.Ext(base))
	if !allowedExt[ext] {
		return nil, ErrUnsupportedType
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if n == 0 {
		return nil, ErrEmptyFile
	}
	head = head[:n]
	if !isImage(mimetype.Detect(head)) {
		return nil, ErrUnsupportedType
	}

	name := uuid.NewString() + ext
	dst := filepath.Join(s.dir, name)
	out, err := os.Create(dst)
	if err != nil {
		return nil, err
	}
	size, err := io.Copy(out, io.MultiReader(bytes.NewReader(head), r))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dst)
		return nil, err
	}

	return &Saved{
		Filename:     name,
		OriginalName: base,
		Path:         s.urlPrefix + "/" + name,
		Size:         size,
	}, nil
}

// Remove deletes the file an overlay image path points at. Only the base
// name is used, so paths cannot escape the upload directory. A missing
// file is not an error.
func (s *Storage) Remove(imagePath string) error {
	name := filepath.Base(filepath.FromSlash(imagePath))
	if name == "." || name == string(filepath.Separator) || name == ".." {
		return nil
	}
	err := os.Remove(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func isImage(mt *mimetype.MIME) bool {
	for _, allowed := range allowedMIME {
		if mt.Is(allowed) {
			return true
		}
	}
	return false
}
