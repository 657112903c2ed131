// Package raopcore implements a RAOP (AirPlay audio) receiver.
//
// A sender discovers the receiver over multicast DNS, opens an RTSP control
// connection, negotiates the audio format and encryption, and streams RTP
// audio. The receiver decrypts and decodes each packet in sequence order and
// hands PCM frames to the host.
//
// # Getting Started
//
//	type player struct {
//	    raopcore.NopCallbacks
//	}
//
//	func (p *player) FrameDecoded(s *raopcore.Session, f *raopcore.Frame) error {
//	    return p.output.Write(f.Samples)
//	}
//
//	options := raopcore.NewOptions()
//	options.Callbacks = &player{}
//	options.Advertiser = dnssd.NewZeroconfAdvertiser(options.Capabilities, false)
//
//	receiver, err := raopcore.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	port, err := receiver.Start(5000, hwaddr)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer receiver.Stop()
//	receiver.Advertise("Living Room")
//
// # Sessions
//
// Only one sender session is active at a time. A second sender is refused
// or replaces the first, depending on Options.Session.Policy. Every session
// ends with exactly one SessionEnded callback, after which no frame of that
// session is delivered.
//
// # Callbacks
//
// Callbacks run synchronously on receiver goroutines and must return
// quickly. Decoded frames arrive in sequence order; AudioFormatInitialized
// precedes the first frame of a session.
package raopcore
