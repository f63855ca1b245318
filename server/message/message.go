// Package message decodes platform push payloads and encodes text replies.
//
// Both directions use the same envelope: a single <xml> root whose direct
// children are (tag, text) pairs. Decoding walks only those direct children
// and keeps every one of them, known or not, in InboundMessage.Raw.
package message

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
)

// Element names of the envelope.
const (
	TagToUserName   = "ToUserName"
	TagFromUserName = "FromUserName"
	TagCreateTime   = "CreateTime"
	TagMsgType      = "MsgType"
	TagContent      = "Content"
)

// MsgTypeText is the only reply type parley produces.
const MsgTypeText = "text"

var (
	// ErrMalformed marks a body that is not a well-formed single-level document.
	ErrMalformed = errors.New("malformed message")

	// ErrMissingField marks a well-formed document without a required element.
	ErrMissingField = errors.New("missing field")
)

// InboundMessage is a decoded push. Treat it as read-only.
type InboundMessage struct {
	FromUser   string
	ToUser     string
	CreateTime int64
	Content    string
	MsgType    string

	// Raw holds the text of every direct child element, keyed by tag.
	Raw map[string]string
}

// Field returns the raw text of a child element and whether it was present.
func (m *InboundMessage) Field(tag string) (string, bool) {
	v, ok := m.Raw[tag]
	return v, ok
}

// FieldError reports which required element was missing.
type FieldError struct {
	Field string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("missing field: %s", e.Field)
}

// Unwrap lets errors.Is(err, ErrMissingField) match.
func (e *FieldError) Unwrap() error {
	return ErrMissingField
}

type childText struct {
	Text string `xml:",chardata"`
}

// Decode parses a push body. A document the XML decoder rejects yields an
// error wrapping ErrMalformed and a nil message. A well-formed document
// without Content yields a *FieldError together with the partially decoded
// message, so the caller can still address a fallback reply.
//
// Documents declaring a non-UTF-8 encoding (GBK and friends) are transcoded.
func Decode(data []byte) (*InboundMessage, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.CharsetReader = charset.NewReaderLabel

	root, err := nextStart(dec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	raw := make(map[string]string)
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: inside <%s>: %v", ErrMalformed, root.Name.Local, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			var child childText
			if err := dec.DecodeElement(&child, &t); err != nil {
				return nil, fmt.Errorf("%w: element <%s>: %v", ErrMalformed, t.Name.Local, err)
			}
			raw[t.Name.Local] = child.Text
		case xml.EndElement:
			// encoding/xml guarantees this closes the root.
			if err := expectEOF(dec); err != nil {
				return nil, fmt.Errorf("%w: after </%s>: %v", ErrMalformed, root.Name.Local, err)
			}
			return build(raw)
		}
	}
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// expectEOF accepts only whitespace, comments and processing instructions
// after the root element.
func expectEOF(dec *xml.Decoder) error {
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.CharData:
			if len(bytes.TrimSpace(t)) > 0 {
				return errors.New("junk after document element")
			}
		case xml.Comment, xml.ProcInst:
		case xml.StartElement:
			return fmt.Errorf("second root element <%s>", t.Name.Local)
		default:
			return fmt.Errorf("unexpected %T after document element", tok)
		}
	}
}

// nextStart skips the prolog (declaration, comments, whitespace) up to the root element.
func nextStart(dec *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			if err == io.EOF {
				return xml.StartElement{}, errors.New("empty document")
			}
			return xml.StartElement{}, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			return t, nil
		case xml.CharData:
			if len(bytes.TrimSpace(t)) > 0 {
				return xml.StartElement{}, errors.New("text before root element")
			}
		}
	}
}

func build(raw map[string]string) (*InboundMessage, error) {
	msg := &InboundMessage{
		FromUser: raw[TagFromUserName],
		ToUser:   raw[TagToUserName],
		MsgType:  raw[TagMsgType],
		Raw:      raw,
	}

	if ts, ok := raw[TagCreateTime]; ok && strings.TrimSpace(ts) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(ts), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s %q is not an integer", ErrMalformed, TagCreateTime, ts)
		}
		msg.CreateTime = n
	}

	content, ok := raw[TagContent]
	if !ok {
		return msg, &FieldError{Field: TagContent}
	}
	msg.Content = content

	return msg, nil
}

// Reply is an outgoing text message. FromUser and ToUser are the addressing
// of the inbound message being answered; Encode swaps them.
type Reply struct {
	FromUser   string
	ToUser     string
	CreateTime int64
	Content    string
}

// ReplyTo builds a Reply answering msg. msg may be nil when the inbound body
// could not be decoded at all; the reply is then unaddressed.
func ReplyTo(msg *InboundMessage, createTime int64, content string) Reply {
	r := Reply{CreateTime: createTime, Content: content}
	if msg != nil {
		r.FromUser = msg.FromUser
		r.ToUser = msg.ToUser
	}
	return r
}

// Encode renders the reply envelope. The reply goes back to the original
// sender, so ToUserName is the inbound FromUser and FromUserName the inbound
// ToUser. Every text field is wrapped in CDATA; "]]>" sequences are split
// across sections and characters XML 1.0 cannot carry are dropped, so arbitrary
// model output cannot break the envelope.
func Encode(r Reply) []byte {
	var b bytes.Buffer
	b.WriteString("<xml>")
	writeCDATA(&b, TagToUserName, r.FromUser)
	writeCDATA(&b, TagFromUserName, r.ToUser)
	b.WriteString("<" + TagCreateTime + ">")
	b.WriteString(strconv.FormatInt(r.CreateTime, 10))
	b.WriteString("</" + TagCreateTime + ">")
	writeCDATA(&b, TagMsgType, MsgTypeText)
	writeCDATA(&b, TagContent, r.Content)
	b.WriteString("</xml>")
	return b.Bytes()
}

func writeCDATA(b *bytes.Buffer, tag, text string) {
	b.WriteString("<" + tag + "><![CDATA[")
	b.WriteString(strings.ReplaceAll(sanitize(text), "]]>", "]]]]><![CDATA[>"))
	b.WriteString("]]></" + tag + ">")
}

// sanitize drops invalid UTF-8 and runes outside the XML 1.0 Char production.
func sanitize(s string) string {
	clean := true
	for _, r := range s {
		if !isXMLChar(r) {
			clean = false
			break
		}
	}
	if clean && utf8.ValidString(s) {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i, w := 0, 0; i < len(s); i += w {
		r, width := utf8.DecodeRuneInString(s[i:])
		w = width
		if r == utf8.RuneError && width == 1 {
			continue
		}
		if isXMLChar(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isXMLChar(r rune) bool {
	return r == 0x09 || r == 0x0A || r == 0x0D ||
		(r >= 0x20 && r <= 0xD7FF) ||
		(r >= 0xE000 && r <= 0xFFFD) ||
		(r >= 0x10000 && r <= 0x10FFFF)
}
