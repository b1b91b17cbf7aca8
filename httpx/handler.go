package httpx

import "net"

// Handler receives the lifecycle events of one dispatched request. Every
// request reaches exactly one of OnComplete, OnUpgrade or OnError.
//
// Callbacks for one connection run on that connection's executor, one at a
// time. A handler may dispatch further requests from a callback; it must
// not block.
type Handler interface {
	// OnConnect is called right before the request is written. abort
	// cancels the request; a nil error means ErrRequestAborted.
	OnConnect(abort func(err error))
	OnError(err error)
}

// ResponseHandler handles a regular request.
type ResponseHandler interface {
	Handler
	// OnHeaders returns false to pause body delivery until resume is called.
	OnHeaders(statusCode int, header Header, resume func(), statusText string) bool
	// OnData receives a body chunk that is only valid during the call.
	// Returning false pauses delivery like OnHeaders does.
	OnData(chunk []byte) bool
	OnComplete(trailers Header)
}

// UpgradeHandler handles upgrade and CONNECT requests. The connection is
// detached from the engine and handed over in OnUpgrade; bytes the server
// sent after the response head are returned first by conn.Read.
type UpgradeHandler interface {
	Handler
	OnUpgrade(statusCode int, header Header, conn net.Conn)
}

// BodySentHandler is implemented by handlers that track upload progress.
type BodySentHandler interface {
	OnBodySent(chunk []byte)
}

// RequestSentHandler is notified once the whole request was handed to the
// transport.
type RequestSentHandler interface {
	OnRequestSent()
}

// InformationalHandler receives 1xx responses other than 101. Without it
// they are dropped.
type InformationalHandler interface {
	OnInformational(statusCode int, header Header)
}
