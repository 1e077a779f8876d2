package store

import (
	"fmt"
	"io"
)

// BlobHandle is an unparsed reference to one blob in a snapshot
type BlobHandle struct {
	// Path is the repository path of the blob
	Path string
	// ID is the blob's object id, used as the version token
	ID string
	// Size is the blob size in bytes
	Size int64
	// Err is set when the blob could not be looked up; Open then fails
	Err error

	open func() (io.ReadCloser, error)
}

// Open returns a new reader over the blob
func (h *BlobHandle) Open() (io.ReadCloser, error) {
	if h.Err != nil {
		return nil, h.Err
	}
	if h.open == nil {
		return nil, fmt.Errorf("blob %s has no reader", h.Path)
	}
	return h.open()
}

// Version returns the version token of the blob. A blob that failed to load
// carries an error marker instead of its id so it never matches a caller's version.
func (h *BlobHandle) Version() string {
	if h == nil {
		return ""
	}
	if h.Err != nil {
		return "error:" + h.Err.Error()
	}
	return h.ID
}

// SourceInfo is the raw extraction result for one key at a snapshot
type SourceInfo struct {
	Key string
	// Data is nil for directory default entries
	Data     *BlobHandle
	Metadata *BlobHandle
}

// IsDirectoryDefault reports whether the source holds metadata only
func (s *SourceInfo) IsDirectoryDefault() bool {
	return s.Data == nil
}

// ContentVersion is the version token of the data blob
func (s *SourceInfo) ContentVersion() string {
	return s.Data.Version()
}

// MetaDataVersion is the version token of the metadata blob
func (s *SourceInfo) MetaDataVersion() string {
	return s.Metadata.Version()
}

// ReadMetaData opens and parses the metadata blob
func (s *SourceInfo) ReadMetaData() (*MetaData, error) {
	rc, err := s.Metadata.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata for %s: %w", s.Key, err)
	}
	defer rc.Close()
	md, err := ParseMetaData(rc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Metadata.Path, err)
	}
	return md, nil
}

// StoreInfo is the resolved, cache-resident form of an entry. Values are
// never modified once cached; mutations replace them.
type StoreInfo struct {
	// Content is nil for directory default entries
	Content     Content
	MetaData    *MetaData
	Version     string
	MetaVersion string
}

// IsDirectoryDefault reports whether the entry is a directory default
func (s *StoreInfo) IsDirectoryDefault() bool {
	return s.Content == nil
}

// IsNormalKey reports whether the entry carries content
func (s *StoreInfo) IsNormalKey() bool {
	return s.Content != nil
}

func (s *StoreInfo) withContent(content Content, version string) *StoreInfo {
	c := *s
	c.Content = content
	c.Version = version
	return &c
}

func (s *StoreInfo) withMetaData(md *MetaData, version string) *StoreInfo {
	c := *s
	c.MetaData = md
	c.MetaVersion = version
	return &c
}

// storable applies the visibility filter for key: a normal key must resolve
// to content and a directory default key to metadata only
func storable(key string, info *StoreInfo) *StoreInfo {
	if info == nil || info.MetaData == nil || info.MetaData.Hidden {
		return nil
	}
	if IsDirectoryDefault(key) != info.IsDirectoryDefault() {
		return nil
	}
	return info
}
