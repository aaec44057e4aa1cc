package kobj

// Session is a client's handle on a Service: the server-assigned identifier
// for this session, and whether revoke should notify the server with a
// Close message (spec section 3: "close on revoke sends Close to server").
type Session struct {
	service   *Service
	ident     uint64
	autoClose bool
}

// NewSession creates a Session on svc identified by ident.
func NewSession(svc *Service, ident uint64, autoClose bool) *Session {
	return &Session{service: svc, ident: ident, autoClose: autoClose}
}

func (s *Session) Kind() Kind { return KindSession }

func (s *Session) Service() *Service { return s.service }
func (s *Session) Ident() uint64     { return s.ident }
func (s *Session) AutoClose() bool   { return s.autoClose }
