package frontend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/flatgres/flatgres/pkg/config"
	"github.com/flatgres/flatgres/pkg/executor"
	"github.com/flatgres/flatgres/pkg/pgwire"
	"github.com/flatgres/flatgres/pkg/typemap"
)

// A client may send a few encryption probes before the real StartupMessage.
const maxStartupProbes = 4

// Session owns one client connection from startup handshake to Terminate. All
// of its state is private to the connection's goroutine except the cancel
// registry, which cancelRequest touches under queryMu.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	service *Service
	conn    net.Conn
	config  *config.Config
	exec    *executor.Executor
	logger  *slog.Logger

	backend *pgproto3.Backend
	types   *typemap.Mapper
	state   pgwire.ProtocolState

	startupParams map[string]string

	stmts   map[string]*preparedStatement
	portals map[string]*portal

	queryMu   sync.Mutex
	cancelSeq uint64
	cancels   map[uint64]context.CancelFunc
}

// preparedStatement is a parsed statement held by name. The SQL is not
// validated until it is bound and executed; the engine reports plan errors at
// that point.
type preparedStatement struct {
	name      string
	sql       string
	paramOIDs []uint32
}

// portal is a bound statement with an optional open cursor. The cursor and
// its context outlive a single Execute so a row-limited Execute can suspend
// and a later one resume the same stream.
type portal struct {
	name    string
	stmt    *preparedStatement
	args    []any
	formats []int16

	cursor   executor.Cursor
	schema   []typemap.Column
	qctx     context.Context
	qcancel  context.CancelFunc
	cancelID uint64
	rows     int
	done     bool
}

// Run drives the session to completion. It never returns an error: any
// failure terminates just this connection.
func (s *Session) Run() {
	defer s.cancel()
	defer s.conn.Close()

	if err := s.handshake(); err != nil {
		if !isDisconnect(err) {
			s.logger.Debug("handshake failed", "error", err)
		}
		return
	}
	defer s.service.unregisterSession(s)
	defer s.closeAllPortals()

	s.logger.Info("session started", "pid", s.state.PID, "user", s.startupParams["user"])
	if err := s.messageLoop(); err != nil && !isDisconnect(err) {
		s.logger.Debug("session ended", "pid", s.state.PID, "error", err)
		return
	}
	s.logger.Info("session ended", "pid", s.state.PID)
}

// handshake reads startup frames until a StartupMessage arrives, declining
// encryption probes and dispatching cancel requests, then authenticates and
// sends the initial ParameterStatus bundle.
func (s *Session) handshake() error {
	for probes := 0; ; probes++ {
		if probes >= maxStartupProbes {
			return fmt.Errorf("too many startup probes")
		}
		startup, err := pgwire.ReadStartup(s.conn)
		if err != nil {
			return err
		}
		switch startup.Kind {
		case pgwire.StartupSSL, pgwire.StartupGSSEnc:
			if err := pgwire.WriteStartupResponseByte(s.conn, 'N'); err != nil {
				return err
			}
			continue
		case pgwire.StartupCancel:
			// Cancel connections carry no further traffic.
			s.service.cancelRequest(startup.ProcessID, startup.SecretKey)
			return io.EOF
		}

		s.backend = pgproto3.NewBackend(s.conn, s.conn)
		s.traceIfDebug()

		if startup.ProtocolVersion>>16 != 3 {
			return s.sendFatal(pgwire.NewErr(pgwire.ErrorFatal, pgerrcode.ProtocolViolation,
				fmt.Sprintf("unsupported frontend protocol %d.%d: server supports 3.0",
					startup.ProtocolVersion>>16, startup.ProtocolVersion&0xffff), nil))
		}
		s.startupParams = startup.Parameters
		break
	}

	if err := s.authenticate(); err != nil {
		return err
	}

	s.types = typemap.NewMapper()
	s.stmts = make(map[string]*preparedStatement)
	s.portals = make(map[string]*portal)
	s.cancels = make(map[uint64]context.CancelFunc)

	s.state = pgwire.NewProtocolState()
	s.state.PID = s.service.allocPID()
	s.state.SecretCancelKey = rand.Uint32()
	s.state.ParameterStatuses = map[string]string{
		"server_version":              s.config.ServerVersion,
		"server_encoding":             "UTF8",
		"client_encoding":             "UTF8",
		"DateStyle":                   "ISO, MDY",
		"TimeZone":                    "UTC",
		"integer_datetimes":           "on",
		"standard_conforming_strings": "on",
	}
	s.service.registerSession(s)

	s.backend.Send(&pgproto3.AuthenticationOk{})
	for name, value := range s.state.ParameterStatuses {
		s.backend.Send(&pgproto3.ParameterStatus{Name: name, Value: value})
	}
	s.backend.Send(&pgproto3.BackendKeyData{
		ProcessID: s.state.PID,
		SecretKey: s.state.SecretCancelKey,
	})
	return s.sendReady()
}

// messageLoop is the post-startup request loop. Client-caused errors are
// reported and recovered from; only transport failures end the loop.
func (s *Session) messageLoop() error {
	for {
		msg, err := s.backend.Receive()
		if err != nil {
			return err
		}

		if s.state.IgnoringUntilSync {
			switch msg.(type) {
			case *pgproto3.Sync:
			case *pgproto3.Terminate:
				return nil
			default:
				continue
			}
		}

		switch m := msg.(type) {
		case *pgproto3.Query:
			err = s.handleSimpleQuery(m)
		case *pgproto3.Parse:
			err = s.handleParse(m)
		case *pgproto3.Bind:
			err = s.handleBind(m)
		case *pgproto3.Describe:
			err = s.handleDescribe(m)
		case *pgproto3.Execute:
			err = s.handleExecute(m)
		case *pgproto3.Close:
			err = s.handleClose(m)
		case *pgproto3.Flush:
			err = s.backend.Flush()
		case *pgproto3.Sync:
			err = s.handleSync()
		case *pgproto3.Terminate:
			return nil
		default:
			err = pgwire.NewProtocolViolation(nil, clientMsgType(msg))
		}

		if err != nil {
			var pgErr *pgwire.Err
			if !errors.As(err, &pgErr) {
				return err
			}
			if sendErr := s.sendError(pgErr); sendErr != nil {
				return sendErr
			}
			// Per protocol, an error during extended-query processing
			// discards everything until the next Sync.
			if _, simple := msg.(*pgproto3.Query); simple {
				if err := s.sendReady(); err != nil {
					return err
				}
			} else {
				s.state.IgnoringUntilSync = true
				if err := s.backend.Flush(); err != nil {
					return err
				}
			}
		}
	}
}

// handleSimpleQuery runs a semicolon-separated statement batch. The batch
// aborts at the first failing statement; the caller reports that error and
// returns the session to ready.
func (s *Session) handleSimpleQuery(m *pgproto3.Query) error {
	stmts := executor.SplitStatements(m.String)
	if len(stmts) == 0 {
		s.backend.Send(&pgproto3.EmptyQueryResponse{})
		return s.sendReady()
	}
	for _, sql := range stmts {
		if err := s.runSimpleStatement(sql); err != nil {
			return err
		}
	}
	return s.sendReady()
}

func (s *Session) runSimpleStatement(sql string) error {
	ctx, cancel, id := s.beginQuery()
	defer s.endQuery(id, cancel)

	cur, err := s.exec.Execute(ctx, sql)
	if err != nil {
		return err
	}
	defer cur.Close()

	cols := cur.Schema()
	if len(cols) > 0 {
		s.backend.Send(&pgproto3.RowDescription{Fields: typemap.FieldDescriptions(cols, nil)})
	}

	rows := 0
	for {
		row, err := cur.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return executor.Classify(err)
		}
		dataRow, err := s.encodeRow(row, cols, nil)
		if err != nil {
			return err
		}
		s.backend.Send(dataRow)
		rows++
	}

	s.backend.Send(&pgproto3.CommandComplete{CommandTag: []byte(executor.CommandTag(sql, rows))})
	return nil
}

func (s *Session) handleParse(m *pgproto3.Parse) error {
	if m.Name != "" {
		if _, exists := s.stmts[m.Name]; exists {
			return pgwire.NewErr(pgwire.Error, pgerrcode.DuplicatePreparedStatement,
				fmt.Sprintf("prepared statement %q already exists", m.Name), nil)
		}
	}

	split := executor.SplitStatements(m.Query)
	if len(split) > 1 {
		return pgwire.NewErr(pgwire.Error, pgerrcode.SyntaxError,
			"cannot insert multiple commands into a prepared statement", nil)
	}
	sql := ""
	if len(split) == 1 {
		sql = split[0]
	}

	s.stmts[m.Name] = &preparedStatement{
		name:      m.Name,
		sql:       sql,
		paramOIDs: append([]uint32(nil), m.ParameterOIDs...),
	}
	s.backend.Send(&pgproto3.ParseComplete{})
	return nil
}

func (s *Session) handleBind(m *pgproto3.Bind) error {
	stmt, ok := s.stmts[m.PreparedStatement]
	if !ok {
		return pgwire.NewErr(pgwire.Error, pgerrcode.InvalidSQLStatementName,
			fmt.Sprintf("prepared statement %q does not exist", m.PreparedStatement), nil)
	}
	if m.DestinationPortal != "" {
		if _, exists := s.portals[m.DestinationPortal]; exists {
			return pgwire.NewErr(pgwire.Error, pgerrcode.DuplicateCursor,
				fmt.Sprintf("portal %q already exists", m.DestinationPortal), nil)
		}
	}

	args := make([]any, len(m.Parameters))
	for i, raw := range m.Parameters {
		oid := uint32(0)
		if i < len(stmt.paramOIDs) {
			oid = stmt.paramOIDs[i]
		}
		val, err := s.types.DecodeParam(raw, oid, typemap.FormatFor(m.ParameterFormatCodes, i))
		if err != nil {
			return pgwire.NewErr(pgwire.Error, pgerrcode.ProtocolViolation,
				fmt.Sprintf("parameter $%d: %v", i+1, err), err)
		}
		args[i] = val
	}

	// Rebinding the unnamed portal discards its predecessor.
	s.destroyPortal(m.DestinationPortal)
	s.portals[m.DestinationPortal] = &portal{
		name:    m.DestinationPortal,
		stmt:    stmt,
		args:    args,
		formats: append([]int16(nil), m.ResultFormatCodes...),
	}
	s.backend.Send(&pgproto3.BindComplete{})
	return nil
}

func (s *Session) handleDescribe(m *pgproto3.Describe) error {
	switch m.ObjectType {
	case 'S':
		stmt, ok := s.stmts[m.Name]
		if !ok {
			return pgwire.NewErr(pgwire.Error, pgerrcode.InvalidSQLStatementName,
				fmt.Sprintf("prepared statement %q does not exist", m.Name), nil)
		}
		s.backend.Send(&pgproto3.ParameterDescription{
			ParameterOIDs: append([]uint32(nil), stmt.paramOIDs...),
		})
		return s.describeStatement(stmt.sql)
	case 'P':
		p, ok := s.portals[m.Name]
		if !ok {
			return pgwire.NewErr(pgwire.Error, pgerrcode.InvalidCursorName,
				fmt.Sprintf("portal %q does not exist", m.Name), nil)
		}
		if p.stmt.sql == "" {
			s.backend.Send(&pgproto3.NoData{})
			return nil
		}
		// Open the portal's cursor now if it isn't already: the engine cannot
		// plan a statement with unbound placeholders, but the portal has its
		// arguments, so starting the query yields the schema directly.
		if p.cursor == nil && !p.done {
			if err := s.openPortalCursor(p); err != nil {
				return err
			}
		}
		if len(p.schema) == 0 {
			s.backend.Send(&pgproto3.NoData{})
			return nil
		}
		s.backend.Send(&pgproto3.RowDescription{Fields: typemap.FieldDescriptions(p.schema, p.formats)})
		return nil
	default:
		return pgwire.NewErr(pgwire.Error, pgerrcode.ProtocolViolation,
			fmt.Sprintf("invalid Describe kind %q", m.ObjectType), nil)
	}
}

// describeStatement plans a statement and sends its RowDescription, or NoData
// when it produces no rows. Statement-level describe always reports text
// format; the client picks formats later at Bind.
func (s *Session) describeStatement(sql string) error {
	if sql == "" {
		s.backend.Send(&pgproto3.NoData{})
		return nil
	}
	cols, err := s.exec.Describe(s.ctx, sql)
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		s.backend.Send(&pgproto3.NoData{})
		return nil
	}
	s.backend.Send(&pgproto3.RowDescription{Fields: typemap.FieldDescriptions(cols, nil)})
	return nil
}

func (s *Session) handleExecute(m *pgproto3.Execute) error {
	p, ok := s.portals[m.Portal]
	if !ok {
		return pgwire.NewErr(pgwire.Error, pgerrcode.InvalidCursorName,
			fmt.Sprintf("portal %q does not exist", m.Portal), nil)
	}
	if p.stmt.sql == "" {
		s.backend.Send(&pgproto3.EmptyQueryResponse{})
		return nil
	}
	if p.done {
		s.backend.Send(&pgproto3.CommandComplete{CommandTag: []byte(executor.CommandTag(p.stmt.sql, p.rows))})
		return nil
	}

	if p.cursor == nil {
		if err := s.openPortalCursor(p); err != nil {
			return err
		}
	}

	sent := 0
	for m.MaxRows == 0 || sent < int(m.MaxRows) {
		row, err := p.cursor.Next(p.qctx)
		if err == io.EOF {
			p.done = true
			s.releasePortalCursor(p)
			s.backend.Send(&pgproto3.CommandComplete{CommandTag: []byte(executor.CommandTag(p.stmt.sql, p.rows))})
			return nil
		}
		if err != nil {
			return executor.Classify(err)
		}
		dataRow, err := s.encodeRow(row, p.schema, p.formats)
		if err != nil {
			return err
		}
		s.backend.Send(dataRow)
		p.rows++
		sent++
	}

	s.backend.Send(&pgproto3.PortalSuspended{})
	return nil
}

func (s *Session) handleClose(m *pgproto3.Close) error {
	switch m.ObjectType {
	case 'S':
		delete(s.stmts, m.Name)
	case 'P':
		s.destroyPortal(m.Name)
	default:
		return pgwire.NewErr(pgwire.Error, pgerrcode.ProtocolViolation,
			fmt.Sprintf("invalid Close kind %q", m.ObjectType), nil)
	}
	// Closing a nonexistent object is not an error.
	s.backend.Send(&pgproto3.CloseComplete{})
	return nil
}

// handleSync ends the implicit transaction: all portals are destroyed, any
// pending error state is cleared, and the session reports ready.
func (s *Session) handleSync() error {
	s.closeAllPortals()
	s.state.IgnoringUntilSync = false
	return s.sendReady()
}

// encodeRow renders one row in the portal's result formats.
func (s *Session) encodeRow(row []any, cols []typemap.Column, formats []int16) (*pgproto3.DataRow, error) {
	values := make([][]byte, len(row))
	for i, v := range row {
		buf, err := s.types.Encode(v, cols[i].Type, typemap.FormatFor(formats, i))
		if err != nil {
			return nil, pgwire.NewErr(pgwire.Error, pgerrcode.InternalError,
				fmt.Sprintf("column %q: %v", cols[i].Name, err), err)
		}
		values[i] = buf
	}
	return &pgproto3.DataRow{Values: values}, nil
}

func (s *Session) sendReady() error {
	s.backend.Send(&pgproto3.ReadyForQuery{TxStatus: byte(s.state.TxStatus)})
	return s.backend.Flush()
}

func (s *Session) sendError(e *pgwire.Err) error {
	s.logger.Debug("statement error", "code", e.Code, "message", e.Message)
	s.backend.Send(e.Response())
	return nil
}

// sendFatal reports an unrecoverable error and returns it so the caller
// closes the connection.
func (s *Session) sendFatal(e *pgwire.Err) error {
	s.backend.Send(e.Response())
	_ = s.backend.Flush()
	return e
}

// beginQuery creates a cancellable query context registered with the session
// so an out-of-band CancelRequest can reach it.
func (s *Session) beginQuery() (context.Context, context.CancelFunc, uint64) {
	ctx, cancel := context.WithCancel(s.ctx)
	s.queryMu.Lock()
	s.cancelSeq++
	id := s.cancelSeq
	s.cancels[id] = cancel
	s.queryMu.Unlock()
	return ctx, cancel, id
}

func (s *Session) endQuery(id uint64, cancel context.CancelFunc) {
	cancel()
	s.queryMu.Lock()
	delete(s.cancels, id)
	s.queryMu.Unlock()
}

// cancelQuery aborts every in-flight query context, including suspended
// portals. Called from the service goroutine handling a CancelRequest.
func (s *Session) cancelQuery() {
	s.queryMu.Lock()
	defer s.queryMu.Unlock()
	for _, cancel := range s.cancels {
		cancel()
	}
}

// openPortalCursor starts a portal's query. The cursor's context belongs to
// the portal, not to one Execute: a row-limited Execute suspends the stream
// and a later one resumes it.
func (s *Session) openPortalCursor(p *portal) error {
	p.qctx, p.qcancel, p.cancelID = s.beginQuery()
	cur, err := s.exec.Execute(p.qctx, p.stmt.sql, p.args...)
	if err != nil {
		s.endQuery(p.cancelID, p.qcancel)
		p.qctx, p.qcancel = nil, nil
		return err
	}
	p.cursor = cur
	p.schema = cur.Schema()
	return nil
}

// releasePortalCursor closes a portal's cursor and retires its query context,
// keeping the portal itself alive until Close or Sync.
func (s *Session) releasePortalCursor(p *portal) {
	if p.cursor != nil {
		_ = p.cursor.Close()
		p.cursor = nil
	}
	if p.qcancel != nil {
		s.endQuery(p.cancelID, p.qcancel)
		p.qctx, p.qcancel = nil, nil
	}
}

func (s *Session) destroyPortal(name string) {
	p, ok := s.portals[name]
	if !ok {
		return
	}
	s.releasePortalCursor(p)
	delete(s.portals, name)
}

func (s *Session) closeAllPortals() {
	for name := range s.portals {
		s.destroyPortal(name)
	}
}

// traceIfDebug mirrors the wire conversation into the debug log when the
// logger has debug enabled.
func (s *Session) traceIfDebug() {
	if !s.logger.Enabled(s.ctx, slog.LevelDebug) {
		return
	}
	s.backend.Trace(&slogLineWriter{logger: s.logger}, pgproto3.TracerOptions{
		SuppressTimestamps: true,
	})
}

// slogLineWriter adapts an io.Writer sink to per-line debug records.
type slogLineWriter struct {
	logger *slog.Logger
}

func (w *slogLineWriter) Write(p []byte) (int, error) {
	line := string(p)
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	w.logger.Debug("wire", "trace", line)
	return len(p), nil
}

func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed)
}

// clientMsgType recovers the wire tag of messages the ready loop does not
// handle, so a protocol violation names the offending message.
func clientMsgType(msg pgproto3.FrontendMessage) pgwire.MsgType {
	switch msg.(type) {
	case *pgproto3.CopyData:
		return pgwire.MsgClientCopyData
	case *pgproto3.CopyDone:
		return pgwire.MsgClientCopyDone
	case *pgproto3.CopyFail:
		return pgwire.MsgClientCopyFail
	case *pgproto3.FunctionCall:
		return pgwire.MsgClientFunctionCall
	case *pgproto3.PasswordMessage, *pgproto3.GSSResponse:
		return pgwire.MsgClientPassword
	}
	return 0
}
