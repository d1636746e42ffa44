// Package jsonrpc implements the JSON-RPC 2.0 channel between the host and
// an extension process.
//
// Messages are framed the way the Language Server Protocol frames them: a
// Content-Length header, a blank line, and exactly that many bytes of JSON.
// Framer handles the envelope format. Conn sits on top of a Framer and
// provides request/response correlation, outbound notifications, and
// dispatch of inbound requests and notifications to a Handler.
//
// A Conn is fully bidirectional. Both peers may issue requests at any time,
// and responses may arrive in any order relative to the requests that
// produced them. Each Conn has exactly one read loop; inbound requests and
// notifications are handled on their own goroutines so a handler that
// itself issues a Call never blocks the delivery of that call's response.
//
// Basic usage:
//
//	conn := jsonrpc.NewConn(stdout, stdin, jsonrpc.WithHandler(h))
//	conn.Start()
//	defer conn.Close()
//
//	var result InitializeResult
//	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
//	defer cancel()
//	err := conn.Call(ctx, "initialize", params, &result)
package jsonrpc
