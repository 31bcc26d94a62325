package service

import (
	"bytes"
	_ "embed"
	"fmt"
	"text/template"

	"github.com/birdtag/birdtag/internal/markdown"
	"github.com/birdtag/birdtag/internal/model"
)

//go:embed templates/detection.md
var detectionTemplateSource string

var detectionTemplate = template.Must(template.New("detection").Parse(detectionTemplateSource))

type detectionEmailData struct {
	model.Notification
	RecordURL string
	AppName   string
}

type renderedEmail struct {
	Subject string
	Text    string
	HTML    string
}

func renderDetectionEmail(md *markdown.Parser, n model.Notification, recordURL, appName string) (*renderedEmail, error) {
	var src bytes.Buffer
	err := detectionTemplate.Execute(&src, detectionEmailData{Notification: n, RecordURL: recordURL, AppName: appName})
	if err != nil {
		return nil, fmt.Errorf("execute detection template: %w", err)
	}

	html, meta, err := md.ParseWithFrontmatter(src.Bytes())
	if err != nil {
		return nil, fmt.Errorf("render detection template: %w", err)
	}
	subject, _ := meta["subject"].(string)
	if subject == "" {
		return nil, fmt.Errorf("detection template has no subject")
	}

	return &renderedEmail{
		Subject: subject,
		Text:    string(markdown.Body(src.Bytes())),
		HTML:    string(html),
	}, nil
}
