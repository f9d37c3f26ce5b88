package channel

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	"golang.org/x/text/encoding/simplifiedchinese"

	"chatbridge/internal/domain"
)

// Post element tags used in Lark rich text.
const (
	larkTagText    = "text"
	larkTagMd      = "md"
	larkTagLink    = "a"
	larkTagAt      = "at"
	larkTagImg     = "img"
	larkTagEmotion = "emotion"

	larkAtAllID = "all"
)

// mentionPattern matches the placeholders Lark puts in text messages in place
// of mentions.
var mentionPattern = regexp.MustCompile(`@_user_\d+|@_all`)

// larkPostElement is one inline element of a Lark post paragraph.
type larkPostElement struct {
	Tag       string `json:"tag"`
	Text      string `json:"text,omitempty"`
	Href      string `json:"href,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	UserName  string `json:"user_name,omitempty"`
	ImageKey  string `json:"image_key,omitempty"`
	EmojiType string `json:"emoji_type,omitempty"`
}

type larkPostBody struct {
	Title   string              `json:"title"`
	Content [][]larkPostElement `json:"content"`
}

// LarkMessageConverter translates between canonical chains and Lark message
// payloads. Image failures are logged and the element is dropped.
type LarkMessageConverter struct {
	api    LarkAPI
	http   *resty.Client
	logger *slog.Logger
}

func NewLarkMessageConverter(api LarkAPI, httpClient *resty.Client, logger *slog.Logger) *LarkMessageConverter {
	if httpClient == nil {
		httpClient = resty.New().SetTimeout(defaultLarkRequestTimeout)
	}
	return &LarkMessageConverter{api: api, http: httpClient, logger: logger}
}

// ToNative renders chain as post paragraphs. Text and mentions accumulate in
// one paragraph; each image becomes its own paragraph after flushing the text
// before it.
func (c *LarkMessageConverter) ToNative(ctx context.Context, chain domain.MessageChain) ([][]larkPostElement, error) {
	var (
		paragraphs [][]larkPostElement
		pending    []larkPostElement
	)
	flush := func() {
		if len(pending) > 0 {
			paragraphs = append(paragraphs, pending)
			pending = nil
		}
	}

	for _, e := range chain.Elements() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch v := e.(type) {
		case domain.Source:
		case domain.Plain:
			pending = append(pending, larkPostElement{Tag: larkTagMd, Text: sanitizeText(v.Text)})
		case domain.At:
			pending = append(pending, larkPostElement{Tag: larkTagAt, UserID: v.Target})
		case domain.AtAll:
			pending = append(pending, larkPostElement{Tag: larkTagAt, UserID: larkAtAllID})
		case domain.Image:
			key, err := c.uploadImage(ctx, v)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				c.logger.Warn("lark: dropping image", "err", err)
				continue
			}
			flush()
			paragraphs = append(paragraphs, []larkPostElement{{Tag: larkTagImg, ImageKey: key}})
		case domain.Forward:
			flush()
			for _, node := range v.Nodes {
				sub, err := c.ToNative(ctx, node.Chain)
				if err != nil {
					return nil, err
				}
				paragraphs = append(paragraphs, sub...)
			}
		default:
			c.logger.Debug("lark: skipping unsupported element", "kind", e.Kind())
		}
	}
	flush()
	return paragraphs, nil
}

// PostContent wraps paragraphs in the locale envelope the send and reply APIs expect.
func PostContent(paragraphs [][]larkPostElement) (string, error) {
	if paragraphs == nil {
		paragraphs = [][]larkPostElement{}
	}
	b, err := json.Marshal(map[string]larkPostBody{
		"zh_cn": {Title: "", Content: paragraphs},
	})
	if err != nil {
		return "", fmt.Errorf("marshal post content: %w", err)
	}
	return string(b), nil
}

func (c *LarkMessageConverter) uploadImage(ctx context.Context, img domain.Image) (string, error) {
	data, err := c.imageBytes(ctx, img)
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", errors.New("image has no content")
	}
	return c.api.UploadImage(ctx, bytes.NewReader(data))
}

func (c *LarkMessageConverter) imageBytes(ctx context.Context, img domain.Image) ([]byte, error) {
	switch {
	case len(img.Data) > 0:
		return img.Data, nil
	case strings.HasPrefix(img.URL, "data:"):
		return decodeDataURL(img.URL)
	case img.URL != "":
		resp, err := c.http.R().SetContext(ctx).Get(img.URL)
		if err != nil {
			return nil, fmt.Errorf("download image: %w", err)
		}
		if resp.IsError() {
			return nil, fmt.Errorf("download image: status %d", resp.StatusCode())
		}
		return resp.Body(), nil
	case img.Path != "":
		data, err := os.ReadFile(img.Path)
		if err != nil {
			return nil, fmt.Errorf("read image: %w", err)
		}
		return data, nil
	default:
		return nil, errors.New("image has no data, url or path")
	}
}

func decodeDataURL(u string) ([]byte, error) {
	_, payload, ok := strings.Cut(u, ",")
	if !ok {
		return nil, errors.New("malformed data url")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode data url: %w", err)
	}
	return data, nil
}

// sanitizeText returns s as valid UTF-8. Byte strings that are not UTF-8 get
// one GB18030 decode attempt before invalid bytes are replaced with U+FFFD.
func sanitizeText(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	if dec, err := simplifiedchinese.GB18030.NewDecoder().String(s); err == nil &&
		utf8.ValidString(dec) && !strings.ContainsRune(dec, utf8.RuneError) {
		return dec
	}
	return strings.ToValidUTF8(s, "\uFFFD")
}

// ToCanonical builds a chain from a received Lark message. The chain always
// starts with a Source carrying the message id and creation time.
func (c *LarkMessageConverter) ToCanonical(ctx context.Context, msg *larkim.EventMessage) (domain.MessageChain, error) {
	if msg == nil || msg.MessageId == nil {
		return domain.MessageChain{}, fmt.Errorf("%w: message without id", domain.ErrMalformedEvent)
	}
	messageID := *msg.MessageId
	elems := []domain.Element{domain.Source{ID: messageID, Time: parseLarkMillis(deref(msg.CreateTime))}}

	msgType := deref(msg.MessageType)
	content := deref(msg.Content)

	switch msgType {
	case larkim.MsgTypeText:
		var body struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(content), &body); err != nil {
			return domain.MessageChain{}, fmt.Errorf("%w: text content: %v", domain.ErrMalformedEvent, err)
		}
		mentions := mentionIndex(msg.Mentions)
		elems = append(elems, splitMentions(body.Text, func(key string) domain.Element {
			return resolveMention(key, mentions)
		})...)
	case larkim.MsgTypePost:
		post, err := parsePostContent(content)
		if err != nil {
			return domain.MessageChain{}, err
		}
		if post.Title != "" {
			elems = append(elems, domain.Plain{Text: post.Title + "\n"})
		}
		for _, para := range post.Content {
			for _, pe := range para {
				if e, ok := c.postElementToCanonical(ctx, messageID, pe); ok {
					elems = append(elems, e)
				}
			}
		}
	case larkim.MsgTypeImage:
		var body struct {
			ImageKey string `json:"image_key"`
		}
		if err := json.Unmarshal([]byte(content), &body); err != nil {
			return domain.MessageChain{}, fmt.Errorf("%w: image content: %v", domain.ErrMalformedEvent, err)
		}
		if e, ok := c.postElementToCanonical(ctx, messageID, larkPostElement{Tag: larkTagImg, ImageKey: body.ImageKey}); ok {
			elems = append(elems, e)
		}
	default:
		elems = append(elems, domain.Plain{Text: "[" + msgType + "]"})
	}

	return domain.NewMessageChain(elems...)
}

func (c *LarkMessageConverter) postElementToCanonical(ctx context.Context, messageID string, pe larkPostElement) (domain.Element, bool) {
	switch pe.Tag {
	case larkTagText, larkTagMd, larkTagLink:
		return domain.Plain{Text: pe.Text}, true
	case larkTagAt:
		if pe.UserID == larkAtAllID || pe.UserID == "@_all" {
			return domain.AtAll{}, true
		}
		return domain.At{Target: pe.UserID, Display: pe.UserName}, true
	case larkTagImg:
		if pe.ImageKey == "" {
			return nil, false
		}
		res, err := c.api.FetchResource(ctx, messageID, pe.ImageKey, "image")
		if err != nil {
			c.logger.Warn("lark: dropping inbound image", "message_id", messageID, "image_key", pe.ImageKey, "err", err)
			return nil, false
		}
		mime := res.MimeType
		if mime == "" {
			mime = http.DetectContentType(res.Data)
		}
		return domain.Image{Data: res.Data, MimeType: mime}, true
	case larkTagEmotion:
		return domain.Plain{Text: ":" + pe.EmojiType + ":"}, true
	default:
		c.logger.Debug("lark: skipping post element", "tag", pe.Tag)
		return nil, false
	}
}

// parsePostContent accepts both the bare {"title","content"} form and the
// locale-wrapped form, with paragraphs given either as lists of elements or
// as a flat element list.
func parsePostContent(content string) (larkPostBody, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return larkPostBody{}, fmt.Errorf("%w: post content: %v", domain.ErrMalformedEvent, err)
	}
	if _, ok := raw["content"]; !ok {
		for _, v := range raw {
			var inner map[string]json.RawMessage
			if json.Unmarshal(v, &inner) == nil {
				if _, ok := inner["content"]; ok {
					raw = inner
					break
				}
			}
		}
	}

	var body larkPostBody
	if t, ok := raw["title"]; ok {
		if err := json.Unmarshal(t, &body.Title); err != nil {
			return larkPostBody{}, fmt.Errorf("%w: post title: %v", domain.ErrMalformedEvent, err)
		}
	}
	rawContent, ok := raw["content"]
	if !ok {
		return body, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(rawContent, &items); err != nil {
		return larkPostBody{}, fmt.Errorf("%w: post paragraphs: %v", domain.ErrMalformedEvent, err)
	}
	var flat []larkPostElement
	for _, item := range items {
		item = bytes.TrimSpace(item)
		if len(item) > 0 && item[0] == '[' {
			var para []larkPostElement
			if err := json.Unmarshal(item, &para); err != nil {
				return larkPostBody{}, fmt.Errorf("%w: post paragraph: %v", domain.ErrMalformedEvent, err)
			}
			body.Content = append(body.Content, para)
			continue
		}
		var pe larkPostElement
		if err := json.Unmarshal(item, &pe); err != nil {
			return larkPostBody{}, fmt.Errorf("%w: post element: %v", domain.ErrMalformedEvent, err)
		}
		flat = append(flat, pe)
	}
	if len(flat) > 0 {
		body.Content = append(body.Content, flat)
	}
	return body, nil
}

type larkMention struct {
	openID string
	name   string
}

func mentionIndex(mentions []*larkim.MentionEvent) map[string]larkMention {
	idx := make(map[string]larkMention, len(mentions))
	for _, m := range mentions {
		if m == nil || m.Key == nil {
			continue
		}
		var lm larkMention
		if m.Name != nil {
			lm.name = *m.Name
		}
		if m.Id != nil && m.Id.OpenId != nil {
			lm.openID = *m.Id.OpenId
		}
		idx[*m.Key] = lm
	}
	return idx
}

func resolveMention(key string, mentions map[string]larkMention) domain.Element {
	if key == "@_all" {
		return domain.AtAll{}
	}
	m, ok := mentions[key]
	if !ok {
		return domain.At{Target: key}
	}
	target := m.openID
	if target == "" {
		target = key
	}
	return domain.At{Target: target, Display: m.name}
}

// splitMentions cuts text at the first placeholder and recurses on the rest,
// so k placeholders yield k mentions between k+1 (possibly empty) texts.
func splitMentions(text string, resolve func(key string) domain.Element) []domain.Element {
	loc := mentionPattern.FindStringIndex(text)
	if loc == nil {
		return []domain.Element{domain.Plain{Text: text}}
	}
	out := []domain.Element{
		domain.Plain{Text: text[:loc[0]]},
		resolve(text[loc[0]:loc[1]]),
	}
	return append(out, splitMentions(text[loc[1]:], resolve)...)
}

func parseLarkMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
