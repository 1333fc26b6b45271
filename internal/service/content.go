package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/capitalize-ai/conversation-engine/internal/model"
)

// MaxTextBytes bounds the UTF-8 size of a text message.
const MaxTextBytes = 100 * 1024

type textContent struct {
	Text *string `json:"text"`
}

type mediaContent struct {
	MediaID string `json:"media_id"`
	URL     string `json:"url"`
}

// chunkContent is the body of a stream_chunk message.
type chunkContent struct {
	Chunk string `json:"chunk"`
}

// validateContent checks content against the shape required by typ.
func validateContent(ctx context.Context, media MediaResolver, typ model.MessageType, content json.RawMessage) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(content, &obj); err != nil || obj == nil {
		return fmt.Errorf("%w: content must be a JSON object", model.ErrInvalidPayload)
	}

	switch typ {
	case model.MessageText:
		var c textContent
		if err := json.Unmarshal(content, &c); err != nil || c.Text == nil {
			return fmt.Errorf("%w: text message requires a text string", model.ErrInvalidPayload)
		}
		if strings.TrimSpace(*c.Text) == "" {
			return fmt.Errorf("%w: text is empty", model.ErrInvalidPayload)
		}
		if len(*c.Text) > MaxTextBytes || !utf8.ValidString(*c.Text) {
			return fmt.Errorf("%w: text must be valid UTF-8 of at most %d bytes", model.ErrInvalidPayload, MaxTextBytes)
		}
	case model.MessageAudio, model.MessageFile:
		var c mediaContent
		if err := json.Unmarshal(content, &c); err != nil || c.MediaID == "" {
			return fmt.Errorf("%w: %s message requires media_id", model.ErrInvalidPayload, typ)
		}
		return resolveMedia(ctx, media, c.MediaID)
	case model.MessageImage, model.MessageVideo:
		var c mediaContent
		if err := json.Unmarshal(content, &c); err != nil || (c.MediaID == "" && c.URL == "") {
			return fmt.Errorf("%w: %s message requires url or media_id", model.ErrInvalidPayload, typ)
		}
		if c.MediaID != "" {
			return resolveMedia(ctx, media, c.MediaID)
		}
	case model.MessageSystem, model.MessageAI:
	case model.MessageStreamChunk:
		return fmt.Errorf("%w: stream chunks are sent through the stream endpoint", model.ErrInvalidPayload)
	default:
		return fmt.Errorf("%w: unknown message type %q", model.ErrInvalidPayload, typ)
	}
	return nil
}

// textOf returns the text of a text message, or "".
func textOf(msg *model.Message) string {
	if msg.Type != model.MessageText {
		return ""
	}
	var c textContent
	if json.Unmarshal(msg.Content, &c) != nil || c.Text == nil {
		return ""
	}
	return *c.Text
}
