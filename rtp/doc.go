// Package rtp implements the audio transport of a RAOP session.
//
// RAOP senders stream audio as RTP packets on a data port and use two
// companion ports: a control port carrying sync packets and retransmitted
// audio, and a timing port carrying NTP-style clock exchanges. Packet
// headers are parsed with pion/rtp.
//
// A Receiver binds the three endpoints, restores sequence order through a
// ReorderBuffer and hands packets to a PacketHandler from a single worker
// goroutine, so a slow consumer never blocks the socket reads. When the
// consumer falls behind by more than the reorder window, the oldest held
// packets are evicted and reported as dropped.
//
//	recv, err := rtp.NewReceiver(rtp.DefaultConfig(), handler)
//	if err != nil {
//		return err
//	}
//	ports := recv.Ports() // announced in the SETUP response
//	_ = recv.Start()
//	defer recv.Close()
package rtp
