package mailer

import (
	"fmt"

	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
)

// Client sends mail through SendGrid. With Skip set (or no API key)
// sends are dropped silently, which keeps dev and tests offline.
type Client struct {
	key  string
	from *sgmail.Email
	Skip bool
}

// New creates a mail client.
func New(key, fromName, fromEmail string, skip bool) *Client {
	return &Client{
		key:  key,
		from: sgmail.NewEmail(fromName, fromEmail),
		Skip: skip || key == "",
	}
}

// Send delivers a plain-text message to one recipient.
func (c *Client) Send(toEmail, subject, body string) error {
	if c.Skip {
		return nil
	}
	if toEmail == "" {
		return fmt.Errorf("mailer: recipient email required")
	}

	msg := sgmail.NewSingleEmail(c.from, subject, sgmail.NewEmail("", toEmail), body, body)
	resp, err := sendgrid.NewSendClient(c.key).Send(msg)
	if err != nil {
		return fmt.Errorf("mailer: send failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("mailer: sendgrid returned %d: %s", resp.StatusCode, resp.Body)
	}
	return nil
}
