package web

import (
	"context"

	"github.com/mozilla-services/go-syncserver/token"
)

type sessionKey int

var sKey sessionKey = 0

// Session carries per-request state between the handler layers. The
// auth layer fills in Token and ReadOnly; sendRequestProblem and
// InternalError record the error for the logging layer.
type Session struct {
	Token token.TokenPayload

	// set when an expired-but-recent token was accepted; only GETs are
	// allowed with it
	ReadOnly bool

	ErrorResult error
}

// Principal is the identity string for logs: the uid, or
// "expired:<uid>" when the token was accepted under the expiry grace
// window.
func (s *Session) Principal() string {
	if s.ReadOnly {
		return "expired:" + s.Token.UidString()
	}
	return s.Token.UidString()
}

func NewSessionContext(ctx context.Context, ses *Session) context.Context {
	return context.WithValue(ctx, sKey, ses)
}

func SessionFromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sKey).(*Session)
	return s, ok
}
