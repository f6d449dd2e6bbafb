// Package notify emails the operator about capacity request milestones.
package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/lnfoundry/capacityhub/config"
	"github.com/lnfoundry/capacityhub/constants"
	"github.com/lnfoundry/capacityhub/events"
	"github.com/lnfoundry/capacityhub/logger"
)

type mailer struct {
	host     string
	port     string
	user     string
	password string
	from     string
	to       string
}

// NewMailer builds an events subscriber that emails paid and opened
// capacity requests, or nil when SMTP is not configured.
func NewMailer(appConfig *config.AppConfig) events.EventSubscriber {
	if appConfig.SMTPHost == "" || appConfig.NotifyTo == "" {
		logger.Logger.Info().Msg("SMTP not configured, operator notifications disabled")
		return nil
	}
	return &mailer{
		host:     appConfig.SMTPHost,
		port:     appConfig.SMTPPort,
		user:     appConfig.SMTPUser,
		password: appConfig.SMTPPassword,
		from:     appConfig.NotifyFrom,
		to:       appConfig.NotifyTo,
	}
}

func (m *mailer) ConsumeEvent(ctx context.Context, event *events.Event, globalProperties map[string]interface{}) {
	var subject string
	switch event.Event {
	case constants.EVENT_CAPACITY_REQUEST_PAID:
		subject = "Capacity request paid"
	case constants.EVENT_CAPACITY_CHANNEL_OPENED:
		subject = "Capacity channel opened"
	default:
		return
	}

	body := formatProperties(event.Properties)
	if err := m.send(subject, body); err != nil {
		logger.Logger.Error().Err(err).
			Str("event", event.Event).
			Msg("Failed to send notification email")
	}
}

func (m *mailer) send(subject string, body string) error {
	message := strings.Join([]string{
		"From: " + m.from,
		"To: " + m.to,
		"Subject: " + subject,
		"",
		body,
	}, "\r\n")

	var auth smtp.Auth
	if m.user != "" {
		auth = smtp.PlainAuth("", m.user, m.password, m.host)
	}
	return smtp.SendMail(m.host+":"+m.port, auth, m.from, []string{m.to}, []byte(message))
}

func formatProperties(properties interface{}) string {
	props, ok := properties.(map[string]interface{})
	if !ok {
		return fmt.Sprintf("%v", properties)
	}

	var lines []string
	for _, key := range []string{"session_id", "remote_pubkey", "capacity", "total_fee", "funding_txid"} {
		if value, ok := props[key]; ok {
			lines = append(lines, fmt.Sprintf("%s: %v", key, value))
		}
	}
	return strings.Join(lines, "\r\n")
}
