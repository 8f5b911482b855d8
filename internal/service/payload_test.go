package service

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/onurcolak/insider-dispatch-service/internal/domain"
)

func messageWith(t domain.MessageType, content any) *domain.Message {
	raw, _ := json.Marshal(content)
	return &domain.Message{ID: 1, Type: t, Content: raw, Recipient: "+905551234567"}
}

func TestBuildPayload_EveryTypeHasABuilder(t *testing.T) {
	for _, mt := range domain.MessageTypes {
		if _, ok := payloadBuilders[mt]; !ok {
			t.Errorf("no builder for %s", mt)
		}
	}
}

func TestBuildPayload_Text(t *testing.T) {
	p, err := BuildPayload(messageWith(domain.MessageTypeText, domain.TextContent{Body: "hi", PreviewURL: true}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Type != "text" || p.MessagingProduct != "whatsapp" || p.To != "+905551234567" {
		t.Errorf("unexpected envelope: %+v", p)
	}
	if p.Text == nil || p.Text.Body != "hi" || !p.Text.PreviewURL {
		t.Errorf("unexpected text object: %+v", p.Text)
	}
}

func TestBuildPayload_Media(t *testing.T) {
	cases := []struct {
		name    string
		msgType domain.MessageType
		content domain.MediaContent
		check   func(t *testing.T, p *SendPayload)
	}{
		{
			name:    "image keeps caption",
			msgType: domain.MessageTypeImage,
			content: domain.MediaContent{Link: "https://cdn.example.com/a.png", Caption: "look"},
			check: func(t *testing.T, p *SendPayload) {
				if p.Image == nil || p.Image.Link != "https://cdn.example.com/a.png" || p.Image.Caption != "look" {
					t.Errorf("unexpected image: %+v", p.Image)
				}
			},
		},
		{
			name:    "audio drops caption",
			msgType: domain.MessageTypeAudio,
			content: domain.MediaContent{MediaID: "media-1", Caption: "ignored"},
			check: func(t *testing.T, p *SendPayload) {
				if p.Audio == nil || p.Audio.ID != "media-1" || p.Audio.Caption != "" {
					t.Errorf("unexpected audio: %+v", p.Audio)
				}
			},
		},
		{
			name:    "document keeps filename and prefers media id",
			msgType: domain.MessageTypeDocument,
			content: domain.MediaContent{MediaID: "media-2", Link: "https://x", Filename: "invoice.pdf"},
			check: func(t *testing.T, p *SendPayload) {
				if p.Document == nil || p.Document.ID != "media-2" || p.Document.Link != "" || p.Document.Filename != "invoice.pdf" {
					t.Errorf("unexpected document: %+v", p.Document)
				}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := BuildPayload(messageWith(tc.msgType, tc.content))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tc.check(t, p)
		})
	}
}

func TestBuildPayload_TemplateComponentOrder(t *testing.T) {
	p, err := BuildPayload(messageWith(domain.MessageTypeTemplate, domain.TemplateContent{
		Name:             "shipping",
		Language:         "tr",
		HeaderParameters: []string{"Order"},
		BodyParameters:   []string{"Ayse", "#12345"},
		ButtonParameters: []string{"track/12345"},
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	comps := p.Template.Components
	if len(comps) != 3 {
		t.Fatalf("expected 3 components, got %d", len(comps))
	}
	if comps[0].Type != "header" || comps[1].Type != "body" || comps[2].Type != "button" {
		t.Errorf("unexpected component order: %+v", comps)
	}
	if comps[2].SubType != "url" || comps[2].Index != "0" {
		t.Errorf("unexpected button component: %+v", comps[2])
	}
	if p.Template.Language.Code != "tr" {
		t.Errorf("expected language tr, got %s", p.Template.Language.Code)
	}
}

func TestBuildPayload_InvalidContent(t *testing.T) {
	cases := map[string]*domain.Message{
		"empty text":       messageWith(domain.MessageTypeText, domain.TextContent{Body: "  "}),
		"media without id": messageWith(domain.MessageTypeVideo, domain.MediaContent{Caption: "x"}),
		"template no name": messageWith(domain.MessageTypeTemplate, domain.TemplateContent{Language: "en"}),
		"broken json":      {Type: domain.MessageTypeText, Content: json.RawMessage("{")},
	}

	for name, msg := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := BuildPayload(msg)
			if !errors.Is(err, errInvalidContent) {
				t.Errorf("expected errInvalidContent, got %v", err)
			}
		})
	}
}

func TestBuildPayload_UnknownType(t *testing.T) {
	_, err := BuildPayload(&domain.Message{Type: "LOCATION"})
	if !errors.Is(err, domain.ErrUnsupportedMessageType) {
		t.Fatalf("expected ErrUnsupportedMessageType, got %v", err)
	}
}
