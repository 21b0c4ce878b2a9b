package protocol

import "github.com/gorilla/websocket"

// Close codes used by the gateway. 44xx codes live in the private-use range.
const (
	CloseUnauthorized    = 4401
	CloseForbiddenOrigin = 4403
	CloseRateLimited     = 4408
	CloseFrameTooLarge   = websocket.CloseMessageTooBig
	CloseHeartbeatFailed = websocket.CloseInternalServerErr
	CloseShutdown        = websocket.CloseGoingAway
)
