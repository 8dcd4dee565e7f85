// Package contact は問い合わせフォームの受付を提供する。
package contact

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/hitoshi/zuptin/internal/mailer"
	"github.com/hitoshi/zuptin/internal/model"
	"github.com/hitoshi/zuptin/internal/security"
)

// Submission は問い合わせフォームの入力。
type Submission struct {
	Name    string `json:"name" validate:"required,max=100"`
	Email   string `json:"email" validate:"required,email,max=320"`
	Subject string `json:"subject" validate:"max=150"`
	Message string `json:"message" validate:"required,max=5000"`
}

// Service は問い合わせを検証し、運営宛てにメールで転送する。
type Service struct {
	mailer    mailer.Mailer
	sanitizer security.TextSanitizer
	validate  *validator.Validate
	to        string
}

// NewService はServiceを生成する。toは転送先（CONTACT_EMAIL）。
func NewService(m mailer.Mailer, sanitizer security.TextSanitizer, to string) *Service {
	return &Service{
		mailer:    m,
		sanitizer: sanitizer,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		to:        to,
	}
}

// Submit は入力を無害化・検証してメールを送信する。
func (s *Service) Submit(ctx context.Context, in Submission) error {
	sub := Submission{
		Name:    oneLine(s.sanitizer.Sanitize(in.Name)),
		Email:   strings.TrimSpace(in.Email),
		Subject: oneLine(s.sanitizer.Sanitize(in.Subject)),
		Message: s.sanitizer.Sanitize(in.Message),
	}
	if err := s.validate.Struct(sub); err != nil {
		return validationError(err)
	}
	if sub.Subject == "" {
		sub.Subject = "Message from " + sub.Name
	}

	msg := mailer.Message{
		To:      s.to,
		Subject: "[Zuptin contact] " + sub.Subject,
		Body:    fmt.Sprintf("From: %s <%s>\n\n%s\n", sub.Name, sub.Email, sub.Message),
		ReplyTo: sub.Email,
	}
	if err := s.mailer.Send(ctx, msg); err != nil {
		slog.Error("問い合わせメール送信失敗", "error", err)
		return model.NewInternalError()
	}
	slog.Info("問い合わせを受け付けました", "message_length", utf8.RuneCountInString(sub.Message))
	return nil
}

// oneLine はヘッダーに入る値から改行を取り除く。
func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func validationError(err error) error {
	errs, ok := err.(validator.ValidationErrors)
	if !ok || len(errs) == 0 {
		return model.NewValidationError(model.ErrCodeInvalidRequest, "Invalid contact form.")
	}
	fe := errs[0]
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return model.NewValidationError(model.ErrCodeInvalidRequest, fmt.Sprintf("%s is required.", field))
	case "email":
		return model.NewValidationError(model.ErrCodeInvalidEmail, "Please enter a valid email address.")
	case "max":
		return model.NewValidationError(model.ErrCodeInvalidRequest, fmt.Sprintf("%s must be at most %s characters.", field, fe.Param()))
	}
	return model.NewValidationError(model.ErrCodeInvalidRequest, fmt.Sprintf("%s is invalid.", field))
}
