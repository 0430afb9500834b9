package email

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/mail"
	"net/textproto"
	"regexp"
	"sync"

	"gopkg.in/gomail.v2"
)

const defaultMaxInFlight = 16

// smtpPermanentReply matches a 5xx reply code inside a flattened gomail error
// such as "gomail: could not send email 1: 550 mailbox unavailable".
var smtpPermanentReply = regexp.MustCompile(`(?:^|: )5\d\d[ -]`)

type Message struct {
	From    string
	To      string
	Subject string
	Body    string
}

// Sender delivers a single message. Implementations do not retry; the
// dispatcher owns the retry policy.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type SMTPSender struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// MaxInFlight caps concurrent SMTP exchanges, including ones whose caller
	// already gave up. Zero means 16.
	MaxInFlight int

	once  sync.Once
	slots chan struct{}
}

// Send builds the message and delivers it over SMTP. The call returns when
// ctx is done even if the SMTP exchange is still hanging. gomail has no
// deadline after connect, so the abandoned exchange keeps its slot until the
// relay answers or drops the connection; once every slot is held Send fails
// fast with a retryable error.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {

	if _, err := mail.ParseAddress(msg.To); err != nil {
		return Permanent(fmt.Errorf("invalid recipient %q: %w", msg.To, err))
	}

	from := msg.From
	if from == "" {
		from = s.From
	}

	m := gomail.NewMessage()
	m.SetHeader("From", from)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Body)
	m.AddAlternative("text/html", "<div>"+html.EscapeString(msg.Body)+"</div>")

	d := gomail.NewDialer(s.Host, s.Port, s.Username, s.Password)

	s.once.Do(func() {
		n := s.MaxInFlight
		if n <= 0 {
			n = defaultMaxInFlight
		}
		s.slots = make(chan struct{}, n)
	})

	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("smtp send aborted, all %d connections busy: %w", cap(s.slots), ctx.Err())
	}

	done := make(chan error, 1)
	go func() {
		defer func() { <-s.slots }()
		done <- d.DialAndSend(m)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("smtp send aborted: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return classifySMTP(fmt.Errorf("smtp send error: %w", err))
		}
		return nil
	}
}

// classifySMTP marks 5xx server replies as permanent. Dial and auth failures
// keep their *textproto.Error; per-message failures only survive as text.
func classifySMTP(err error) error {
	var reply *textproto.Error
	if errors.As(err, &reply) {
		if reply.Code >= 500 && reply.Code < 600 {
			return Permanent(err)
		}
		return err
	}

	if smtpPermanentReply.MatchString(err.Error()) {
		return Permanent(err)
	}
	return err
}
