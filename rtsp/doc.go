// Package rtsp implements the RTSP-style control channel of a RAOP receiver:
// the request and response codec, Transport and RTP-Info header parsing,
// digest authentication and a connection server.
//
// Senders speak RTSP/1.0 with RAOP methods (ANNOUNCE, SETUP, RECORD, FLUSH,
// TEARDOWN, GET_PARAMETER, SET_PARAMETER) and send pairing requests as
// HTTP/1.1 posts on the same connection; both are read by ReadRequest.
//
// Example:
//
//	srv := rtsp.NewServer(func(info rtsp.ConnInfo) rtsp.ConnHandler {
//	    return newHandler(info)
//	})
//	port, err := srv.Listen(":5000")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer srv.Close()
package rtsp
