// Package relay implements the concurrent connection registry and broadcast relay.
//
// A Conn serializes access to one endpoint: reads wait for the endpoint lock, writes only try it
// and skip (0 bytes) when it is held. Connections maps registry ids to Conns and fans a payload
// out to all of them under one map lock. StreamHandler drives a session from registration to
// removal, fetching a payload and broadcasting it whenever its peer sends data.
package relay
