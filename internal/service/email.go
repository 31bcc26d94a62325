package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/resend/resend-go/v2"

	"github.com/birdtag/birdtag/internal/markdown"
	"github.com/birdtag/birdtag/internal/model"
)

// EmailNotifier sends detection alerts through Resend. In development it
// only logs what it would have sent.
type EmailNotifier struct {
	client    *resend.Client
	md        *markdown.Parser
	fromEmail string
	isDev     bool
	appURL    string
	appName   string
}

func NewEmailNotifier(apiKey, fromEmail, appURL, appName string, isDev bool) *EmailNotifier {
	var client *resend.Client
	if apiKey != "" && !isDev {
		client = resend.NewClient(apiKey)
	}

	return &EmailNotifier{
		client:    client,
		md:        markdown.NewParser(),
		fromEmail: fromEmail,
		isDev:     isDev,
		appURL:    strings.TrimSuffix(appURL, "/"),
		appName:   appName,
	}
}

func (s *EmailNotifier) Name() string { return "email" }

func (s *EmailNotifier) Notify(ctx context.Context, n model.Notification) error {
	recordURL := fmt.Sprintf("%s/api/v1/media/%s", s.appURL, n.RecordID)
	msg, err := renderDetectionEmail(s.md, n, recordURL, s.appName)
	if err != nil {
		return err
	}

	if s.isDev {
		slog.Info("email sent (dev mode)", "type", "detection", "to", n.Contact, "subject", msg.Subject, "url", recordURL)
		return nil
	}

	if s.client == nil {
		return fmt.Errorf("email service not configured (missing RESEND_API_KEY)")
	}

	params := &resend.SendEmailRequest{
		From:    s.fromEmail,
		To:      []string{n.Contact},
		Subject: msg.Subject,
		Text:    msg.Text,
		Html:    msg.HTML,
	}

	_, err = s.client.Emails.SendWithContext(ctx, params)
	if err == nil {
		slog.Info("email sent", "type", "detection", "to", n.Contact, "record_id", n.RecordID)
	}
	return err
}
