package frontend

import (
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/flatgres/flatgres/pkg/config"
	"github.com/flatgres/flatgres/pkg/pgwire"
)

// authenticate enforces the configured auth policy. Trust accepts every
// connection; cleartext exchanges an AuthenticationCleartextPassword round
// trip and checks the startup user and password against the configuration.
// AuthenticationOk is sent by the caller as part of the ready bundle.
func (s *Session) authenticate() error {
	if s.config.Auth.Method != config.AuthCleartext {
		return nil
	}

	user := s.startupParams["user"]
	if user != s.config.Auth.Username {
		return s.sendFatal(pgwire.NewErr(pgwire.ErrorFatal, pgerrcode.InvalidAuthorizationSpecification,
			fmt.Sprintf("role %q does not exist", user), nil))
	}

	s.backend.Send(&pgproto3.AuthenticationCleartextPassword{})
	if err := s.backend.Flush(); err != nil {
		return err
	}
	s.backend.SetAuthType(pgproto3.AuthTypeCleartextPassword)

	msg, err := s.backend.Receive()
	if err != nil {
		return err
	}
	pw, ok := msg.(*pgproto3.PasswordMessage)
	if !ok {
		return s.sendFatal(pgwire.NewErr(pgwire.ErrorFatal, pgerrcode.ProtocolViolation,
			fmt.Sprintf("expected PasswordMessage, got %T", msg), nil))
	}
	if pw.Password != s.config.Auth.Password {
		s.logger.Info("password authentication failed", "user", user)
		return s.sendFatal(pgwire.NewErr(pgwire.ErrorFatal, pgerrcode.InvalidPassword,
			fmt.Sprintf("password authentication failed for user %q", user), nil))
	}
	return nil
}
