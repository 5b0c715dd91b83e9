package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Channel selects which handlers a NotificationRequest fans out to.
type Channel string

const (
	ChannelInApp Channel = "IN_APP"
	ChannelEmail Channel = "EMAIL"
	ChannelBoth  Channel = "BOTH"
)

// IsValid returns true if the channel is a known value.
func (c Channel) IsValid() bool {
	switch c {
	case ChannelInApp, ChannelEmail, ChannelBoth:
		return true
	default:
		return false
	}
}

// IncludesInApp returns true if the in-app handler should run.
func (c Channel) IncludesInApp() bool {
	return c == ChannelInApp || c == ChannelBoth
}

// IncludesEmail returns true if the email handler should run.
func (c Channel) IncludesEmail() bool {
	return c == ChannelEmail || c == ChannelBoth
}

// Validation errors for request payloads.
var (
	ErrInvalidChannel   = errors.New("channel must be 'IN_APP', 'EMAIL', or 'BOTH'")
	ErrEmptyUserID      = errors.New("user_id is required")
	ErrEmptyTitle       = errors.New("title is required")
	ErrEmptyRecipient   = errors.New("recipient is required")
	ErrEmptySubject     = errors.New("subject is required")
	ErrEmptyCode        = errors.New("code is required")
	ErrEmptyPhoneNumber = errors.New("phone_number is required")
	ErrEmptyMessage     = errors.New("message is required")
)

// NotificationRequest asks for a notification on one or both of the in-app and email channels.
type NotificationRequest struct {
	Channel Channel `json:"channel"`
	UserID  string  `json:"user_id"`
	Title   string  `json:"title"`
	Message string  `json:"message"`

	// Email and Subject are required when the channel includes email.
	Email   string `json:"email,omitempty"`
	Subject string `json:"subject,omitempty"`
}

// Validate checks the request for the fields its channel needs.
func (r *NotificationRequest) Validate() error {
	if !r.Channel.IsValid() {
		return ErrInvalidChannel
	}
	if r.Channel.IncludesInApp() {
		if err := r.InApp().Validate(); err != nil {
			return err
		}
	}
	if r.Channel.IncludesEmail() {
		if err := r.EmailMessage().Validate(); err != nil {
			return err
		}
	}
	return nil
}

// InApp returns the in-app half of the request.
func (r *NotificationRequest) InApp() *InAppNotificationRequest {
	return &InAppNotificationRequest{
		UserID:  r.UserID,
		Title:   r.Title,
		Message: r.Message,
	}
}

// EmailMessage returns the email half of the request.
func (r *NotificationRequest) EmailMessage() *EmailRequest {
	subject := r.Subject
	if subject == "" {
		subject = r.Title
	}
	return &EmailRequest{
		To:      r.Email,
		Subject: subject,
		Body:    r.Message,
	}
}

// InAppNotificationRequest is a notification saved for display inside the application.
type InAppNotificationRequest struct {
	UserID  string `json:"user_id"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// Validate checks the request for required fields.
func (r *InAppNotificationRequest) Validate() error {
	if r.UserID == "" {
		return ErrEmptyUserID
	}
	if r.Title == "" {
		return ErrEmptyTitle
	}
	return nil
}

// EmailRequest is a transactional email.
type EmailRequest struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Validate checks the request for required fields.
func (r *EmailRequest) Validate() error {
	if strings.TrimSpace(r.To) == "" {
		return ErrEmptyRecipient
	}
	if r.Subject == "" {
		return ErrEmptySubject
	}
	return nil
}

// OtpEmailRequest carries a one-time password to be emailed.
type OtpEmailRequest struct {
	To               string `json:"to"`
	Code             string `json:"code"`
	ExpiresInMinutes int    `json:"expires_in_minutes,omitempty"`
}

// Validate checks the request for required fields.
func (r *OtpEmailRequest) Validate() error {
	if strings.TrimSpace(r.To) == "" {
		return ErrEmptyRecipient
	}
	if r.Code == "" {
		return ErrEmptyCode
	}
	return nil
}

// Render turns the one-time password into a plain email.
func (r *OtpEmailRequest) Render() *EmailRequest {
	body := fmt.Sprintf("Your verification code is %s.", r.Code)
	if r.ExpiresInMinutes > 0 {
		body += fmt.Sprintf(" It expires in %d minutes.", r.ExpiresInMinutes)
	}
	return &EmailRequest{
		To:      r.To,
		Subject: "Your verification code",
		Body:    body,
	}
}

// SmsRequest is a text message.
type SmsRequest struct {
	PhoneNumber string `json:"phone_number"`
	Message     string `json:"message"`
}

// Validate checks the request for required fields.
func (r *SmsRequest) Validate() error {
	if strings.TrimSpace(r.PhoneNumber) == "" {
		return ErrEmptyPhoneNumber
	}
	if r.Message == "" {
		return ErrEmptyMessage
	}
	return nil
}
