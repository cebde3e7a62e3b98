package mount

import (
	"io"
	"net/http"

	"carrier/internal/uploader"
)

// Input is one element of an assignment.
type Input interface {
	isInput()
}

// FileInput is a raw byte stream with its client filename.
type FileInput struct {
	Name   string
	Reader io.Reader
}

// PathInput is a local file read at assignment time.
type PathInput struct {
	Path string
}

// CacheNameInput re-attaches a previously cached file, "<token>/<name>".
type CacheNameInput struct {
	Name string
}

// IdentifierInput selects a file already stored in the slot.
type IdentifierInput struct {
	Identifier string
}

// UploaderInput passes an uploader directly. Uploaders owned by another slot
// or record are copied.
type UploaderInput struct {
	Uploader *uploader.Uploader
}

// URLInput is fetched before caching.
type URLInput struct {
	URL    string
	Header http.Header
}

func (FileInput) isInput()       {}
func (PathInput) isInput()       {}
func (CacheNameInput) isInput()  {}
func (IdentifierInput) isInput() {}
func (UploaderInput) isInput()   {}
func (URLInput) isInput()        {}
