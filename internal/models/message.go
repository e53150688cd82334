package models

import (
	"fmt"
	"strings"
	"time"
)

// ContentType is the kind of payload a message carries.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentPhoto ContentType = "photo"
	ContentVideo ContentType = "video"
	ContentAudio ContentType = "audio"
)

// maxTextLength bounds text bodies.
const maxTextLength = 4096

// IsMedia reports whether t references an uploaded blob.
func (t ContentType) IsMedia() bool {
	return t == ContentPhoto || t == ContentVideo || t == ContentAudio
}

// Content is either a text body or a reference to an uploaded blob.
// Media messages may carry a caption in Text.
type Content struct {
	Type  ContentType `json:"type"`
	Text  string      `json:"text,omitempty"`
	Media string      `json:"media,omitempty"` // URI produced by the upload handler
}

// TextContent builds a text message body.
func TextContent(text string) Content {
	return Content{Type: ContentText, Text: text}
}

// MediaContent builds a media message body.
func MediaContent(uri string, kind ContentType) Content {
	return Content{Type: kind, Media: uri}
}

// Validate reports ErrInvalidContent for malformed bodies.
// An empty type is read as text, matching clients that omit it.
func (c *Content) Validate() error {
	if c.Type == "" {
		c.Type = ContentText
	}
	switch {
	case c.Type == ContentText:
		if strings.TrimSpace(c.Text) == "" {
			return fmt.Errorf("%w: text is required", ErrInvalidContent)
		}
		if c.Media != "" {
			return fmt.Errorf("%w: text messages cannot reference media", ErrInvalidContent)
		}
	case c.Type.IsMedia():
		if c.Media == "" {
			return fmt.Errorf("%w: %s messages require a media uri", ErrInvalidContent, c.Type)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidContent, c.Type)
	}
	if len(c.Text) > maxTextLength {
		return fmt.Errorf("%w: text too long (max %d bytes)", ErrInvalidContent, maxTextLength)
	}
	return nil
}

// Message is one entry of a two-party conversation log.
// Order within a conversation is (CreatedAt, Seq).
type Message struct {
	ID           string  `json:"id"` // ULID
	Conversation PairKey `json:"conversation"`
	Seq          int64   `json:"seq"` // per-conversation, monotonic
	From         string  `json:"from"`
	To           string  `json:"to"`
	Content
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"timestamp"`
}

// Before reports whether m sorts before other in conversation order.
func (m *Message) Before(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.Seq < other.Seq
}
