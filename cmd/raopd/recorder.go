package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
	"github.com/opd-ai/raopcore"
	"github.com/sirupsen/logrus"
)

// wavTrack is the open output of one session.
type wavTrack struct {
	file    *os.File
	encoder *wav.Encoder
	format  goaudio.Format
	path    string
}

// recorder is the daemon's host: it logs session events and, with a
// directory configured, writes each session's audio to a WAV file.
type recorder struct {
	raopcore.NopCallbacks

	dir string
	now func() time.Time

	mu     sync.Mutex
	tracks map[uuid.UUID]*wavTrack
}

func newRecorder(dir string) *recorder {
	return &recorder{dir: dir, now: time.Now, tracks: make(map[uuid.UUID]*wavTrack)}
}

func (r *recorder) SessionStarted(s *raopcore.Session) {
	logrus.WithFields(logrus.Fields{
		"session_id": s.ID().String(),
		"peer":       s.Peer(),
	}).Info("Sender connected")
}

func (r *recorder) AudioFormatInitialized(s *raopcore.Session, format raopcore.Format) {
	logrus.WithFields(logrus.Fields{
		"session_id": s.ID().String(),
		"format":     format.String(),
	}).Info("Stream started")
	if r.dir == "" {
		return
	}

	path := filepath.Join(r.dir, fmt.Sprintf("%s-%s.wav", r.now().Format("20060102-150405"), s.ID()))
	f, err := os.Create(path)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "recorder.AudioFormatInitialized",
			"path":     path,
			"error":    err.Error(),
		}).Error("Cannot record session")
		return
	}

	track := &wavTrack{
		file:    f,
		encoder: wav.NewEncoder(f, format.SampleRate, 16, format.Channels, 1),
		format:  goaudio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
		path:    path,
	}
	r.mu.Lock()
	r.tracks[s.ID()] = track
	r.mu.Unlock()
}

func (r *recorder) FrameDecoded(s *raopcore.Session, frame *raopcore.Frame) error {
	r.mu.Lock()
	track := r.tracks[s.ID()]
	r.mu.Unlock()
	if track == nil {
		return nil
	}

	buf := &goaudio.IntBuffer{
		Format:         &track.format,
		Data:           make([]int, len(frame.Samples)),
		SourceBitDepth: 16,
	}
	for i, sample := range frame.Samples {
		buf.Data[i] = int(sample)
	}
	return track.encoder.Write(buf)
}

func (r *recorder) VolumeChanged(s *raopcore.Session, volume float64) {
	logrus.WithFields(logrus.Fields{
		"session_id": s.ID().String(),
		"volume_db":  volume,
	}).Info("Volume changed")
}

func (r *recorder) MetadataChanged(s *raopcore.Session, meta raopcore.Metadata) {
	logrus.WithFields(logrus.Fields{
		"session_id": s.ID().String(),
		"title":      meta.Title,
		"artist":     meta.Artist,
		"album":      meta.Album,
		"artwork":    len(meta.Artwork),
	}).Info("Now playing")
}

func (r *recorder) RemoteControlChanged(s *raopcore.Session, remote raopcore.RemoteControl) {
	logrus.WithFields(logrus.Fields{
		"session_id":    s.ID().String(),
		"dacp_id":       remote.DACPID,
		"active_remote": remote.ActiveRemote,
	}).Info("Sender remote control available")
}

func (r *recorder) SessionEnded(s *raopcore.Session, reason raopcore.EndReason, err error) {
	entry := logrus.WithFields(logrus.Fields{
		"session_id": s.ID().String(),
		"reason":     string(reason),
	})
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Info("Sender disconnected")

	r.mu.Lock()
	track := r.tracks[s.ID()]
	delete(r.tracks, s.ID())
	r.mu.Unlock()
	if track != nil {
		track.close()
	}
}

// Close finalizes every open file.
func (r *recorder) Close() {
	r.mu.Lock()
	tracks := r.tracks
	r.tracks = make(map[uuid.UUID]*wavTrack)
	r.mu.Unlock()
	for _, track := range tracks {
		track.close()
	}
}

func (t *wavTrack) close() {
	if err := t.encoder.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"path":  t.path,
			"error": err.Error(),
		}).Warn("Failed to finalize WAV file")
	}
	if err := t.file.Close(); err != nil {
		logrus.WithError(err).Warn("Failed to close WAV file")
	}
	logrus.WithField("path", t.path).Info("Recording saved")
}
