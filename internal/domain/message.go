package domain

import (
	"fmt"
	"strings"
	"time"
)

// ElementKind identifies the concrete type of a message element.
type ElementKind int

const (
	ElementSource ElementKind = iota + 1
	ElementPlain
	ElementAt
	ElementAtAll
	ElementImage
	ElementForward
)

func (k ElementKind) String() string {
	switch k {
	case ElementSource:
		return "source"
	case ElementPlain:
		return "plain"
	case ElementAt:
		return "at"
	case ElementAtAll:
		return "at_all"
	case ElementImage:
		return "image"
	case ElementForward:
		return "forward"
	default:
		return fmt.Sprintf("element(%d)", int(k))
	}
}

// Element is one item of a MessageChain.
type Element interface {
	Kind() ElementKind
}

// Source carries the platform message id and send time of an inbound message.
type Source struct {
	ID   string
	Time time.Time
}

type Plain struct {
	Text string
}

// At mentions a single user. Display is the human-readable name when known.
type At struct {
	Target  string
	Display string
}

type AtAll struct{}

// Image holds inline bytes, a remote URL or a local path. Converters use the
// first non-empty of Data, URL and Path.
type Image struct {
	Data     []byte
	MimeType string
	URL      string
	Path     string
}

// Forward bundles previously sent messages.
type Forward struct {
	Nodes []ForwardNode
}

type ForwardNode struct {
	SenderID   string
	SenderName string
	Time       time.Time
	Chain      MessageChain
}

func (Source) Kind() ElementKind  { return ElementSource }
func (Plain) Kind() ElementKind   { return ElementPlain }
func (At) Kind() ElementKind      { return ElementAt }
func (AtAll) Kind() ElementKind   { return ElementAtAll }
func (Image) Kind() ElementKind   { return ElementImage }
func (Forward) Kind() ElementKind { return ElementForward }

// MessageChain is an immutable ordered list of elements. Order is render order.
// At most one Source element may appear and only in first position.
type MessageChain struct {
	elems []Element
}

// NewMessageChain copies elems into a new chain after checking Source placement.
func NewMessageChain(elems ...Element) (MessageChain, error) {
	for i, e := range elems {
		if e == nil {
			return MessageChain{}, fmt.Errorf("%w: nil element at %d", ErrInvalidChain, i)
		}
		if e.Kind() == ElementSource && i != 0 {
			return MessageChain{}, fmt.Errorf("%w: source element at position %d", ErrInvalidChain, i)
		}
	}
	cp := make([]Element, len(elems))
	copy(cp, elems)
	return MessageChain{elems: cp}, nil
}

// MustMessageChain is NewMessageChain for statically known element lists.
func MustMessageChain(elems ...Element) MessageChain {
	c, err := NewMessageChain(elems...)
	if err != nil {
		panic(err)
	}
	return c
}

// TextChain builds a chain holding a single Plain element.
func TextChain(text string) MessageChain {
	return MessageChain{elems: []Element{Plain{Text: text}}}
}

// Elements returns a copy of the chain's elements.
func (c MessageChain) Elements() []Element {
	cp := make([]Element, len(c.elems))
	copy(cp, c.elems)
	return cp
}

func (c MessageChain) Len() int { return len(c.elems) }

// Source returns the chain's Source element, if any.
func (c MessageChain) Source() (Source, bool) {
	if len(c.elems) == 0 {
		return Source{}, false
	}
	s, ok := c.elems[0].(Source)
	return s, ok
}

// WithoutSource returns the chain minus its leading Source element.
func (c MessageChain) WithoutSource() MessageChain {
	if _, ok := c.Source(); ok {
		return MessageChain{elems: c.Elements()[1:]}
	}
	return c
}

// Text flattens the chain into plain text. Mentions render as "@name" and
// images are omitted.
func (c MessageChain) Text() string {
	var sb strings.Builder
	writeText(&sb, c)
	return sb.String()
}

func writeText(sb *strings.Builder, c MessageChain) {
	for _, e := range c.elems {
		switch v := e.(type) {
		case Plain:
			sb.WriteString(v.Text)
		case At:
			sb.WriteByte('@')
			if v.Display != "" {
				sb.WriteString(v.Display)
			} else {
				sb.WriteString(v.Target)
			}
		case AtAll:
			sb.WriteString("@all")
		case Forward:
			for i, n := range v.Nodes {
				if i > 0 || sb.Len() > 0 {
					sb.WriteByte('\n')
				}
				writeText(sb, n.Chain)
			}
		}
	}
}
