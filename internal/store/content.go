package store

import (
	"bytes"
	"fmt"
	"io"
)

// DefaultStreamThreshold is the content size from which content is streamed
// from the object store on every open instead of being held in memory
const DefaultStreamThreshold = 1_000_000

// Content produces a fresh reader over an entry's bytes on every call
type Content interface {
	Open() (io.ReadCloser, error)
	Size() int64

	isContent()
}

// bufferedContent keeps the whole content in memory
type bufferedContent []byte

func (c bufferedContent) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(c)), nil
}

func (c bufferedContent) Size() int64 { return int64(len(c)) }

func (bufferedContent) isContent() {}

// lazyContent reopens the underlying blob on every call
type lazyContent struct {
	size int64
	open func() (io.ReadCloser, error)
}

func (c *lazyContent) Open() (io.ReadCloser, error) {
	return c.open()
}

func (c *lazyContent) Size() int64 { return c.size }

func (*lazyContent) isContent() {}

// NewBufferedContent wraps data in a Content. data must not be modified afterwards.
func NewBufferedContent(data []byte) Content {
	return bufferedContent(data)
}

// NewLazyContent returns a Content that calls open for every reader
func NewLazyContent(size int64, open func() (io.ReadCloser, error)) Content {
	return &lazyContent{size: size, open: open}
}

// ReadAll reads the whole content
func ReadAll(c Content) ([]byte, error) {
	if b, ok := c.(bufferedContent); ok {
		return bytes.Clone(b), nil
	}
	rc, err := c.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// contentFromHandle buffers small blobs and defers large ones
func contentFromHandle(h *BlobHandle, threshold int64) (Content, error) {
	if h.Err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", h.Path, h.Err)
	}
	if h.Size >= threshold {
		return NewLazyContent(h.Size, h.Open), nil
	}
	rc, err := h.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", h.Path, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", h.Path, err)
	}
	return NewBufferedContent(data), nil
}

// contentFromWrite builds the content of a freshly committed blob
func contentFromWrite(data []byte, threshold int64, open func() (io.ReadCloser, error)) Content {
	if int64(len(data)) >= threshold {
		return NewLazyContent(int64(len(data)), open)
	}
	return NewBufferedContent(bytes.Clone(data))
}
