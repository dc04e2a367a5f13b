package notify

import (
	"fmt"
	"net/smtp"
	"strings"

	"github.com/SoftwareHeritage/swh-vault/common/config"
	"github.com/SoftwareHeritage/swh-vault/common/logger"
	"github.com/SoftwareHeritage/swh-vault/common/models"
)

// Notifier delivers terminal-state notifications to a single recipient.
// Delivery is best-effort: failures are logged by the caller and never
// roll back the state transition that triggered them.
type Notifier interface {
	NotifyDone(email string, bundle *models.BundleRequest, fetchURL string) error
	NotifyFailed(email string, bundle *models.BundleRequest, reason string) error
}

const doneSubject = "Bundle ready: %s %s"

const doneBody = `You have requested the following bundle from the Software Heritage
Vault:

Object Type: %s
Object ID: %s

This bundle is now available for download at the following address:

%s

Please keep in mind that this link might expire at some point, in which
case you will need to request the bundle again.

--
The Software Heritage Developers
`

const failedSubject = "Bundle cooking failed: %s %s"

const failedBody = `The cooking of the following bundle from the Software Heritage
Vault has failed:

Object Type: %s
Object ID: %s
Reason: %s

You can request the bundle again at any time.

--
The Software Heritage Developers
`

// SMTPNotifier sends notification e-mails through a local SMTP relay
type SMTPNotifier struct {
	addr string
	from string
	log  *logger.Logger
}

// NewSMTPNotifier creates an SMTP notifier from config
func NewSMTPNotifier(cfg *config.Config, log *logger.Logger) *SMTPNotifier {
	return &SMTPNotifier{
		addr: fmt.Sprintf("%s:%d", cfg.SMTP.Host, cfg.SMTP.Port),
		from: cfg.SMTP.From,
		log:  log,
	}
}

// NotifyDone sends the bundle-ready e-mail with the fetch address
func (n *SMTPNotifier) NotifyDone(email string, bundle *models.BundleRequest, fetchURL string) error {
	subject := fmt.Sprintf(doneSubject, bundle.Type, bundle.ObjectID.Short())
	body := fmt.Sprintf(doneBody, bundle.Type, bundle.ObjectID, fetchURL)
	return n.send(email, subject, body)
}

// NotifyFailed sends the cooking-failed e-mail with the failure reason
func (n *SMTPNotifier) NotifyFailed(email string, bundle *models.BundleRequest, reason string) error {
	subject := fmt.Sprintf(failedSubject, bundle.Type, bundle.ObjectID.Short())
	body := fmt.Sprintf(failedBody, bundle.Type, bundle.ObjectID, reason)
	return n.send(email, subject, body)
}

func (n *SMTPNotifier) send(to, subject, body string) error {
	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", n.from)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)

	if err := smtp.SendMail(n.addr, nil, n.from, []string{to}, []byte(msg.String())); err != nil {
		return fmt.Errorf("failed to send mail to %s: %w", to, err)
	}

	n.log.Debug("notification sent", "to", to, "subject", subject)
	return nil
}

// NopNotifier discards notifications; used when SMTP is disabled
type NopNotifier struct{}

func (NopNotifier) NotifyDone(string, *models.BundleRequest, string) error   { return nil }
func (NopNotifier) NotifyFailed(string, *models.BundleRequest, string) error { return nil }
