package client

import "errors"

// ErrNotConnected is returned by Send-family calls, and recorded by
// Close/Abort, when the client holds no connection. After the client gives
// up reconnecting it still holds its last, closed connection, so Send-family
// calls return that connection's websocket.ErrInvalidState instead.
var ErrNotConnected = errors.New("client: not connected")

// ErrReconnectExhausted names the reconnect loop giving up: either the
// policy's MaxRetries was exceeded, or the terminal close code was not
// reconnectable (spec.md section 4.8, step 4). Client itself does not
// return it: when the loop gives up, Err and Receive report the last
// connection's terminal error.
var ErrReconnectExhausted = errors.New("client: reconnect exhausted")
