package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/onurcolak/insider-dispatch-service/internal/domain"
)

// SendPayload is the provider request body for one outbound message. Exactly
// one of the type-specific fields is set, matching Type.
type SendPayload struct {
	MessagingProduct string          `json:"messaging_product"`
	RecipientType    string          `json:"recipient_type"`
	To               string          `json:"to"`
	Type             string          `json:"type"`
	Text             *TextObject     `json:"text,omitempty"`
	Image            *MediaObject    `json:"image,omitempty"`
	Video            *MediaObject    `json:"video,omitempty"`
	Audio            *MediaObject    `json:"audio,omitempty"`
	Document         *MediaObject    `json:"document,omitempty"`
	Template         *TemplateObject `json:"template,omitempty"`
}

type TextObject struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type MediaObject struct {
	ID       string `json:"id,omitempty"`
	Link     string `json:"link,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type TemplateObject struct {
	Name       string              `json:"name"`
	Language   TemplateLanguage    `json:"language"`
	Components []TemplateComponent `json:"components,omitempty"`
}

type TemplateLanguage struct {
	Code string `json:"code"`
}

type TemplateComponent struct {
	Type       string              `json:"type"`
	SubType    string              `json:"sub_type,omitempty"`
	Index      string              `json:"index,omitempty"`
	Parameters []TemplateParameter `json:"parameters"`
}

type TemplateParameter struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

var errInvalidContent = errors.New("invalid message content")

type payloadBuilder func(p *SendPayload, content json.RawMessage) error

// payloadBuilders has one entry per domain.MessageType; init panics if a
// type is missing so a new type cannot ship without a builder.
var payloadBuilders = map[domain.MessageType]payloadBuilder{
	domain.MessageTypeText:     buildText,
	domain.MessageTypeImage:    mediaBuilder("image", true, false),
	domain.MessageTypeVideo:    mediaBuilder("video", true, false),
	domain.MessageTypeAudio:    mediaBuilder("audio", false, false),
	domain.MessageTypeDocument: mediaBuilder("document", true, true),
	domain.MessageTypeTemplate: buildTemplate,
}

func init() {
	for _, t := range domain.MessageTypes {
		if _, ok := payloadBuilders[t]; !ok {
			panic(fmt.Sprintf("service: no payload builder for message type %s", t))
		}
	}
}

// BuildPayload maps a message to the provider request body. Unknown types
// fail with domain.ErrUnsupportedMessageType.
func BuildPayload(msg *domain.Message) (*SendPayload, error) {
	build, ok := payloadBuilders[msg.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedMessageType, msg.Type)
	}

	p := &SendPayload{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               msg.Recipient,
		Type:             strings.ToLower(string(msg.Type)),
	}
	if err := build(p, msg.Content); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeContent(content json.RawMessage, v any) error {
	if len(content) == 0 {
		return fmt.Errorf("%w: empty content", errInvalidContent)
	}
	if err := json.Unmarshal(content, v); err != nil {
		return fmt.Errorf("%w: %v", errInvalidContent, err)
	}
	return nil
}

func buildText(p *SendPayload, content json.RawMessage) error {
	var c domain.TextContent
	if err := decodeContent(content, &c); err != nil {
		return err
	}
	if strings.TrimSpace(c.Body) == "" {
		return fmt.Errorf("%w: text body is required", errInvalidContent)
	}
	p.Text = &TextObject{PreviewURL: c.PreviewURL, Body: c.Body}
	return nil
}

func mediaBuilder(kind string, withCaption, withFilename bool) payloadBuilder {
	return func(p *SendPayload, content json.RawMessage) error {
		var c domain.MediaContent
		if err := decodeContent(content, &c); err != nil {
			return err
		}
		if c.Link == "" && c.MediaID == "" {
			return fmt.Errorf("%w: %s needs a link or media id", errInvalidContent, kind)
		}

		obj := &MediaObject{ID: c.MediaID}
		if c.MediaID == "" {
			obj.Link = c.Link
		}
		if withCaption {
			obj.Caption = c.Caption
		}
		if withFilename {
			obj.Filename = c.Filename
		}

		switch kind {
		case "image":
			p.Image = obj
		case "video":
			p.Video = obj
		case "audio":
			p.Audio = obj
		case "document":
			p.Document = obj
		}
		return nil
	}
}

func buildTemplate(p *SendPayload, content json.RawMessage) error {
	var c domain.TemplateContent
	if err := decodeContent(content, &c); err != nil {
		return err
	}
	if c.Name == "" || c.Language == "" {
		return fmt.Errorf("%w: template name and language are required", errInvalidContent)
	}

	tpl := &TemplateObject{Name: c.Name, Language: TemplateLanguage{Code: c.Language}}
	if len(c.HeaderParameters) > 0 {
		tpl.Components = append(tpl.Components, TemplateComponent{Type: "header", Parameters: textParameters(c.HeaderParameters)})
	}
	if len(c.BodyParameters) > 0 {
		tpl.Components = append(tpl.Components, TemplateComponent{Type: "body", Parameters: textParameters(c.BodyParameters)})
	}
	for i, v := range c.ButtonParameters {
		tpl.Components = append(tpl.Components, TemplateComponent{
			Type:       "button",
			SubType:    "url",
			Index:      strconv.Itoa(i),
			Parameters: textParameters([]string{v}),
		})
	}

	p.Template = tpl
	return nil
}

func textParameters(values []string) []TemplateParameter {
	params := make([]TemplateParameter, len(values))
	for i, v := range values {
		params[i] = TemplateParameter{Type: "text", Text: v}
	}
	return params
}
