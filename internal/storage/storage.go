// Package storage defines persistence for editing sessions.
//
// Session metadata (image order, position, tentative and confirmed results) lives in a
// SessionStore; image bytes live in a BlobStore under keys derived from the session.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a session or blob does not exist.
var ErrNotFound = errors.New("not found")

// Image is one uploaded image in a session's working set.
type Image struct {
	ID             string
	Filename       string
	ContentType    string
	LastFilterName string
	// Confirmed reports whether a confirmed result is stored under ConfirmedKey.
	Confirmed bool
}

// Tentative is the unconfirmed result for the current image. There is at most one per
// session; every apply overwrites it.
type Tentative struct {
	ImageID    string
	FilterName string
}

// Session is a working set and the position within it.
type Session struct {
	ID        string
	Images    []Image
	Position  int
	Tentative *Tentative
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Current returns the image at Position.
func (s *Session) Current() *Image {
	if s.Position < 0 || s.Position >= len(s.Images) {
		return nil
	}
	return &s.Images[s.Position]
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	out := *s
	out.Images = append([]Image(nil), s.Images...)
	if s.Tentative != nil {
		t := *s.Tentative
		out.Tentative = &t
	}
	return &out
}

// SessionStore persists session metadata.
type SessionStore interface {
	CreateSession(ctx context.Context, sess *Session) error
	// GetSession returns a copy; changes are saved with UpdateSession.
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, sess *Session) error
	DeleteSession(ctx context.Context, id string) error
	Close() error
}

// BlobStore holds image bytes.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// OriginalKey is the blob key of an uploaded image.
func OriginalKey(sessionID, imageID string) string {
	return sessionID + "/" + imageID
}

// TentativeKey is the blob key of an image's tentative result. The key is reused by
// every apply on the same image.
func TentativeKey(sessionID, imageID string) string {
	return sessionID + "/" + TentativeID(imageID)
}

// ConfirmedKey is the blob key of an image's confirmed result.
func ConfirmedKey(sessionID, imageID string) string {
	return sessionID + "/confirmed_" + imageID
}

// TentativeID is the public id of an image's tentative result.
func TentativeID(imageID string) string {
	return "temp_" + imageID
}
