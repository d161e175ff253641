package email

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/dukerupert/tally/internal/domain"
	"github.com/dukerupert/tally/internal/telemetry"
)

//go:embed templates/*.html
var templateFS embed.FS

const layoutTemplate = "templates/layout.html"

var templateFuncs = template.FuncMap{
	"money": FormatMoney,
	"date": func(t time.Time) string {
		return t.Format("January 2, 2006")
	},
}

// Service composes billing emails and hands them to a Sender.
// It implements domain.Notifier.
type Service struct {
	sender      Sender
	fromAddress string
	fromName    string
	baseURL     string
	templates   map[string]*template.Template
}

var _ domain.Notifier = (*Service)(nil)

// NewService creates a new email service. baseURL is used to build the
// subscription management links included in each message.
func NewService(sender Sender, fromAddress, fromName, baseURL string) (*Service, error) {
	if sender == nil {
		return nil, fmt.Errorf("email sender is required")
	}
	if fromAddress == "" {
		return nil, ErrInvalidFromAddress
	}

	templates, err := parseTemplates()
	if err != nil {
		return nil, err
	}

	return &Service{
		sender:      sender,
		fromAddress: fromAddress,
		fromName:    fromName,
		baseURL:     strings.TrimRight(baseURL, "/"),
		templates:   templates,
	}, nil
}

// parseTemplates pairs every content template with the shared layout.
// Each email gets its own tree because they all define "content".
func parseTemplates() (map[string]*template.Template, error) {
	names := []string{
		SubscriptionConfirmationEmail{}.TemplateName(),
		PaymentReceiptEmail{}.TemplateName(),
		PaymentFailedEmail{}.TemplateName(),
	}

	out := make(map[string]*template.Template, len(names))
	for _, name := range names {
		tmpl, err := template.New(name).Funcs(templateFuncs).ParseFS(templateFS, layoutTemplate, "templates/"+name)
		if err != nil {
			return nil, fmt.Errorf("failed to parse email template %s: %w", name, err)
		}
		out[name] = tmpl
	}
	return out, nil
}

// SendSubscriptionConfirmation sends the confirmation for a new or converted subscription.
func (s *Service) SendSubscriptionConfirmation(ctx context.Context, notice domain.SubscriptionNotice) error {
	data := SubscriptionConfirmationEmail{
		CustomerName:  notice.Name,
		ProductName:   notice.ProductName,
		BillingCycle:  string(notice.Cycle),
		AmountCents:   notice.AmountCents,
		Currency:      notice.Currency,
		Trialing:      notice.Status == domain.SubscriptionStatusTrialing,
		TrialEnd:      notice.TrialEnd,
		ManagementURL: s.link("/billing"),
	}
	return s.send(ctx, "subscription_confirmation", notice.To, data)
}

// SendPaymentReceipt sends a receipt for a paid invoice.
func (s *Service) SendPaymentReceipt(ctx context.Context, notice domain.PaymentNotice) error {
	data := PaymentReceiptEmail{
		CustomerName:  notice.Name,
		ProductName:   notice.ProductName,
		AmountCents:   notice.AmountCents,
		Currency:      notice.Currency,
		InvoiceID:     notice.InvoiceID,
		InvoiceURL:    notice.InvoiceURL,
		PaidAt:        time.Now(),
		ManagementURL: s.link("/billing"),
	}
	return s.send(ctx, "payment_receipt", notice.To, data)
}

// SendPaymentFailed tells the customer a renewal payment did not go through.
func (s *Service) SendPaymentFailed(ctx context.Context, notice domain.PaymentNotice) error {
	data := PaymentFailedEmail{
		CustomerName:     notice.Name,
		ProductName:      notice.ProductName,
		AmountCents:      notice.AmountCents,
		Currency:         notice.Currency,
		InvoiceURL:       notice.InvoiceURL,
		FailedAt:         time.Now(),
		UpdatePaymentURL: s.link("/billing/payment-method"),
	}
	return s.send(ctx, "payment_failed", notice.To, data)
}

func (s *Service) send(ctx context.Context, kind, to string, data EmailTemplate) error {
	err := s.deliver(ctx, to, data)
	if err != nil {
		telemetry.Business.NotificationsFailed.WithLabelValues(kind).Inc()
		return fmt.Errorf("failed to send %s email: %w", kind, err)
	}
	telemetry.Business.NotificationsSent.WithLabelValues(kind).Inc()
	return nil
}

func (s *Service) deliver(ctx context.Context, to string, data EmailTemplate) error {
	if to == "" {
		return ErrInvalidToAddress
	}

	htmlBody, textBody, err := s.renderTemplate(data.TemplateName(), data)
	if err != nil {
		return err
	}

	email := &Email{
		To:       []string{to},
		From:     s.from(),
		Subject:  data.Subject(),
		HTMLBody: htmlBody,
		TextBody: textBody,
	}

	_, err = s.sender.Send(ctx, email)
	return err
}

func (s *Service) from() string {
	if s.fromName == "" {
		return s.fromAddress
	}
	return fmt.Sprintf("%s <%s>", s.fromName, s.fromAddress)
}

func (s *Service) link(path string) string {
	if s.baseURL == "" {
		return ""
	}
	return s.baseURL + path
}

// renderTemplate executes the layout for a template and derives the plain text body.
func (s *Service) renderTemplate(templateName string, data EmailTemplate) (string, string, error) {
	tmpl, ok := s.templates[templateName]
	if !ok {
		return "", "", ErrTemplateNotFound(templateName)
	}

	var htmlBuf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&htmlBuf, "email_layout", data); err != nil {
		return "", "", fmt.Errorf("failed to execute template %s: %w", templateName, err)
	}

	htmlBody := htmlBuf.String()
	return htmlBody, generatePlainText(htmlBody), nil
}

// generatePlainText creates a simple plain text version from HTML
func generatePlainText(html string) string {
	text := html

	text = strings.ReplaceAll(text, "<br>", "\n")
	text = strings.ReplaceAll(text, "<br/>", "\n")
	text = strings.ReplaceAll(text, "<br />", "\n")
	text = strings.ReplaceAll(text, "</p>", "\n\n")
	text = strings.ReplaceAll(text, "</div>", "\n")
	text = strings.ReplaceAll(text, "</h1>", "\n\n")
	text = strings.ReplaceAll(text, "</h2>", "\n\n")
	text = strings.ReplaceAll(text, "</h3>", "\n\n")

	for strings.Contains(text, "<") && strings.Contains(text, ">") {
		start := strings.Index(text, "<")
		end := strings.Index(text, ">")
		if start >= 0 && end > start {
			text = text[:start] + text[end+1:]
		} else {
			break
		}
	}

	text = strings.ReplaceAll(text, "&nbsp;", " ")
	text = strings.ReplaceAll(text, "&amp;", "&")
	text = strings.ReplaceAll(text, "&lt;", "<")
	text = strings.ReplaceAll(text, "&gt;", ">")
	text = strings.ReplaceAll(text, "&quot;", "\"")

	lines := strings.Split(text, "\n")
	var cleaned []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			cleaned = append(cleaned, line)
		}
	}

	return strings.Join(cleaned, "\n")
}
