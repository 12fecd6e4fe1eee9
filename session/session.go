// Package session owns one TCP/TLS/QUIC connection's lifecycle: handshake,
// keepalive, reliability integration, and the frame pump that multiplexes
// socket reads, outbound messages, and timers.
package session

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/xid"
	"go.uber.org/zap"

	"meshd/reliability"
	"meshd/storage"
	"meshd/utils"
	"meshd/wire"
)

// Defaults for keepalive and reconnect behavior.
const (
	DefaultPingInterval = 10 * time.Second
	DefaultIdleTimeout  = 30 * time.Second

	reconnectBase = time.Second
	reconnectCap  = 30 * time.Second

	outboundQueueDepth = 1024
)

// TrafficObserver receives per-frame accounting, typically backed by the
// node's metrics collectors.
type TrafficObserver interface {
	FrameIn(bytes int)
	FrameOut(bytes int)
}

// Config parameterizes sessions of one node.
type Config struct {
	LocalNodeID  uint64
	PingInterval time.Duration
	IdleTimeout  time.Duration
	// VerifyNodeID requires the transport certificate's node identity to
	// match the HELLO src_node.
	VerifyNodeID bool
	MaxFrame     int
	ChunkSize    int
	Observer     TrafficObserver
}

func (c *Config) fill() {
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.MaxFrame <= 0 {
		c.MaxFrame = wire.DefaultMaxFrame
	}
	if c.MaxFrame > wire.HardMaxFrame {
		c.MaxFrame = wire.HardMaxFrame
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = c.MaxFrame - 1024
	}
}

// EventType tags session events.
type EventType int

const (
	EventConnected EventType = iota
	EventDisconnected
	EventPong
	EventMessage
	EventTopologyUpdate
	EventTopologyRequest
)

// Event is what sessions surface to the manager.
type Event struct {
	Type       EventType
	NodeID     uint64
	RemoteAddr string
	RTT        time.Duration
	Message    *InboundMessage
	Update     *wire.TopologyUpdate
	Request    *wire.TopologyRequest
}

// Stats counts a session's traffic.
type Stats struct {
	BytesIn        uint64
	BytesOut       uint64
	FramesReceived uint64
	FramesSent     uint64
	LastRTT        time.Duration
}

// Session runs the frame pump over one established connection.
type Session struct {
	id       xid.ID
	cfg      Config
	rel      *reliability.Manager
	registry *Registry
	events   chan<- Event

	conn     net.Conn
	peerCert []byte

	remoteID uint64
	handle   *Handle
	pings    *pingTable
	chunks   *wire.Reassembler
	stats    Stats
	draining bool
}

// New wraps an established connection into a session. peerCert is the
// DER-encoded peer leaf certificate from an authenticating transport, nil
// otherwise.
func New(cfg Config, conn net.Conn, peerCert []byte, rel *reliability.Manager, registry *Registry, events chan<- Event) *Session {
	cfg.fill()
	return &Session{
		id:       xid.New(),
		cfg:      cfg,
		rel:      rel,
		registry: registry,
		events:   events,
		conn:     conn,
		peerCert: peerCert,
		pings:    newPingTable(),
		chunks:   wire.NewReassembler(),
	}
}

// Run drives the session until error, idle timeout, peer Bye, termination
// message, or context cancellation. It always closes the connection; once
// its HELLO is sent it also emits a Disconnected event on the way out.
func (s *Session) Run(ctx context.Context) error {
	log := utils.Logger.With(
		zap.String("session", s.id.String()),
		zap.String("remote", s.conn.RemoteAddr().String()))
	defer s.conn.Close()

	if err := SendHello(s.conn, s.cfg.LocalNodeID); err != nil {
		return errors.Wrap(err, "send hello")
	}
	s.stats.FramesSent++

	frames := make(chan *wire.Frame, 64)
	readErr := make(chan error, 1)
	go func() {
		fr := newFrameReader(s.conn, s.cfg.MaxFrame)
		for {
			f, err := fr.next()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()
	ackInterval := 20 * time.Millisecond
	ackTicker := time.NewTicker(ackInterval)
	defer ackTicker.Stop()
	idle := time.NewTimer(s.cfg.IdleTimeout)
	defer idle.Stop()

	out := make(chan OutboundMessage, outboundQueueDepth)
	done := make(chan struct{})
	defer close(done)
	s.handle = &Handle{
		RemoteAddr: s.conn.RemoteAddr().String(),
		SessionID:  s.id.String(),
		ch:         out,
		done:       done,
	}

	defer func() {
		if s.remoteID != 0 {
			s.registry.Unregister(s.handle)
		}
		s.emit(Event{Type: EventDisconnected, NodeID: s.remoteID, RemoteAddr: s.handle.RemoteAddr})
		log.Info("session ended",
			zap.Uint64("remote_node", s.remoteID),
			zap.Uint64("frames_in", s.stats.FramesReceived),
			zap.Uint64("frames_out", s.stats.FramesSent),
			zap.Uint64("bytes_in", s.stats.BytesIn),
			zap.Uint64("bytes_out", s.stats.BytesOut))
	}()

	var loopErr error
	for loopErr == nil {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				log.Debug("peer closed connection")
				return nil
			}
			return errors.Wrap(err, "read")

		case <-pingTicker.C:
			corrID := NowCorrID()
			ping := BuildPing(s.cfg.LocalNodeID, corrID)
			if err := s.write(ping); err != nil {
				return errors.Wrap(err, "send ping")
			}
			s.pings.recordPing(corrID)

		case <-ackTicker.C:
			if s.remoteID != 0 {
				loopErr = s.flushAck()
			}

		case <-idle.C:
			log.Warn("idle timeout, closing session", zap.Uint64("remote_node", s.remoteID))
			return nil

		case f := <-frames:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.cfg.IdleTimeout)
			s.stats.FramesReceived++
			s.stats.BytesIn += uint64(f.EncodedSize())
			if s.cfg.Observer != nil {
				s.cfg.Observer.FrameIn(f.EncodedSize())
			}

			stop, err := s.handleFrame(log, f)
			if err != nil {
				return err
			}
			if stop {
				return nil
			}
			if s.remoteID != 0 {
				loopErr = s.flushAck()
			}

		case msg := <-out:
			if msg.IsTermination() {
				log.Info("termination message received, closing session")
				s.writeBye()
				return nil
			}
			if s.draining {
				log.Debug("dropping outbound message while draining")
				continue
			}
			if err := s.sendMessage(&msg); err != nil {
				return errors.Wrap(err, "send message")
			}
		}
	}
	return loopErr
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		utils.Logger.Warn("event channel full, dropping session event",
			zap.Int("type", int(ev.Type)))
	}
}

func (s *Session) write(buf []byte) error {
	if _, err := s.conn.Write(buf); err != nil {
		return err
	}
	s.stats.FramesSent++
	s.stats.BytesOut += uint64(len(buf))
	if s.cfg.Observer != nil {
		s.cfg.Observer.FrameOut(len(buf))
	}
	return nil
}

func (s *Session) flushAck() error {
	ack, err := s.rel.MaybeBuildAck(storage.Peer(s.remoteID), s.cfg.LocalNodeID)
	if err != nil || ack == nil {
		return err
	}
	return s.write(ack)
}

// handleFrame dispatches one inbound frame. It returns stop=true for a
// clean close (peer Bye).
func (s *Session) handleFrame(log *zap.Logger, f *wire.Frame) (bool, error) {
	if err := f.VerifyHeaderChecksum(); err != nil {
		log.Warn("dropping frame with bad header checksum", zap.Error(err))
		return false, nil
	}

	switch f.Fast.Type {
	case wire.FrameHello:
		return false, s.handleHello(log, f)

	case wire.FramePing:
		return false, s.write(BuildPong(s.cfg.LocalNodeID, f.Fast.CorrID))

	case wire.FramePong:
		if rtt, ok := s.pings.processPong(f.Fast.CorrID); ok {
			s.stats.LastRTT = rtt
			if s.remoteID != 0 {
				s.emit(Event{Type: EventPong, NodeID: s.remoteID, RTT: rtt})
			}
		}

	case wire.FrameAck:
		if s.remoteID == 0 {
			return false, errors.New("ack frame before hello")
		}
		ack, err := reliability.ParseAckMeta(f.MetaRaw)
		if err != nil {
			return false, err
		}
		return false, s.rel.ProcessAck(storage.Peer(s.remoteID), ack, s.conn)

	case wire.FrameResume:
		if s.remoteID == 0 {
			return false, errors.New("resume frame before hello")
		}
		meta, err := reliability.ParseResumeMeta(f.MetaRaw)
		if err != nil {
			return false, err
		}
		_, err = s.rel.HandleResume(storage.Peer(s.remoteID), meta, s.conn)
		return false, err

	case wire.FrameData:
		return false, s.handleData(f)

	case wire.FrameTopologyUpdate:
		update, err := wire.DecodeTopologyUpdate(f.Payload)
		if err != nil {
			log.Warn("undecodable topology update", zap.Error(err))
			return false, nil
		}
		s.emit(Event{Type: EventTopologyUpdate, NodeID: s.remoteID, Update: update})

	case wire.FrameTopologyRequest:
		req, err := wire.DecodeTopologyRequest(f.Payload)
		if err != nil {
			log.Warn("undecodable topology request", zap.Error(err))
			return false, nil
		}
		s.emit(Event{Type: EventTopologyRequest, NodeID: s.remoteID, Request: req})

	case wire.FrameDrain:
		log.Info("peer draining")
		s.draining = true

	case wire.FrameBye:
		log.Info("peer sent bye")
		return true, nil

	default:
		log.Debug("ignoring unsupported frame type", zap.String("type", f.Fast.Type.String()))
	}
	return false, nil
}

func (s *Session) handleHello(log *zap.Logger, f *wire.Frame) error {
	helloID := f.Fast.SrcNode
	if v := helloVersion(f); v != wire.Version {
		return errors.Wrapf(wire.ErrVersion, "hello advertises %d", v)
	}

	verified := helloID
	if len(s.peerCert) > 0 {
		certID, err := ExtractNodeIDFromDER(s.peerCert)
		switch {
		case err != nil && s.cfg.VerifyNodeID:
			return errors.Wrap(err, "node id verification")
		case err == nil && s.cfg.VerifyNodeID && certID != helloID:
			return errors.Errorf("node id mismatch: cert=%d hello=%d", certID, helloID)
		case err == nil:
			verified = certID
		}
	}

	s.remoteID = verified
	s.handle.NodeID = verified
	s.registry.Register(s.handle)
	log.Info("hello verified", zap.Uint64("remote_node", verified))

	s.emit(Event{Type: EventConnected, NodeID: verified, RemoteAddr: s.handle.RemoteAddr})

	// Advertise watermarks and grant initial credits; the peer replays
	// anything we have not processed yet.
	resume, err := s.rel.BuildResume(storage.Peer(verified), s.cfg.LocalNodeID)
	if err != nil {
		return err
	}
	return s.write(resume)
}

// handleData runs the reliability path for a Data frame: reassemble when
// chunked, dedup, credit accounting, then surface the message.
func (s *Session) handleData(f *wire.Frame) error {
	if s.remoteID == 0 {
		return errors.New("data frame before hello")
	}
	peer := storage.Peer(s.remoteID)

	payload := f.Payload
	if f.Fast.Flags.Has(wire.FlagChunked) {
		full, complete := s.chunks.Add(f)
		if !complete {
			return nil
		}
		payload = full
	}

	fresh, err := s.rel.ProcessData(peer, f.Fast.MsgID, len(payload))
	if err != nil {
		return err
	}
	if !fresh {
		return nil
	}

	assembled := *f
	assembled.Payload = payload
	msg, err := parseDataFrame(&assembled)
	if err != nil {
		utils.Logger.Warn("dropping undecodable data frame", zap.Error(err))
		return nil
	}
	s.emit(Event{Type: EventMessage, NodeID: s.remoteID, Message: msg})
	return nil
}

// sendMessage serializes one outbound message. Topology updates bypass the
// reliability layer; Data goes through WAL, chunking, and the credit gate.
func (s *Session) sendMessage(msg *OutboundMessage) error {
	if msg.isTopologyUpdate() {
		h := wire.NewFastHeader(wire.FrameTopologyUpdate, msg.SrcNode, msg.DstNode, 0)
		h.CorrID = CorrIDTopologyUpdate
		buf, err := wire.NewFrameBuilder(h).Payload(msg.Payload).Build(s.cfg.MaxFrame)
		if err != nil {
			return err
		}
		return s.write(buf)
	}

	peer := storage.Peer(s.remoteID)
	msgID, err := s.rel.NextMsgID(peer)
	if err != nil {
		return err
	}

	h := wire.NewFastHeader(wire.FrameData, msg.SrcNode, msg.DstNode, msgID)
	h.CorrID = msg.CorrID
	if msg.TTL != 0 {
		h.TTL = msg.TTL
	}

	var frames []byte
	if len(msg.Payload) <= s.cfg.ChunkSize {
		fb := wire.NewFrameBuilder(h).Payload(msg.Payload)
		applyDataMeta(fb.Meta(), msg)
		frames, err = fb.Build(s.cfg.MaxFrame)
		if err != nil {
			return err
		}
	} else {
		// Chunked: every chunk carries the metadata so the reassembled
		// message can be parsed from the final chunk alone.
		for off := 0; off < len(msg.Payload); off += s.cfg.ChunkSize {
			end := off + s.cfg.ChunkSize
			if end > len(msg.Payload) {
				end = len(msg.Payload)
			}
			ch := h
			ch.Flags |= wire.FlagChunked
			if end == len(msg.Payload) {
				ch.Flags |= wire.FlagChunkEnd
			}
			fb := wire.NewFrameBuilder(ch).Payload(msg.Payload[off:end])
			applyDataMeta(fb.Meta(), msg)
			buf, err := fb.Build(s.cfg.MaxFrame)
			if err != nil {
				return err
			}
			frames = append(frames, buf...)
		}
	}

	return s.rel.SendFrames(peer, msgID, frames, &countingWriter{s: s})
}

// countingWriter lets the reliability layer write through the session so
// traffic counters stay accurate.
type countingWriter struct{ s *Session }

func (w *countingWriter) Write(p []byte) (int, error) {
	n, err := w.s.conn.Write(p)
	if err == nil {
		w.s.stats.FramesSent++
		w.s.stats.BytesOut += uint64(n)
		if w.s.cfg.Observer != nil {
			w.s.cfg.Observer.FrameOut(n)
		}
	}
	return n, err
}

func (s *Session) writeBye() {
	h := wire.NewFastHeader(wire.FrameBye, s.cfg.LocalNodeID, s.remoteID, 0)
	if buf, err := wire.NewFrameBuilder(h).Build(s.cfg.MaxFrame); err == nil {
		_ = s.write(buf)
	}
}

// RunOutbound maintains one dialer task for a configured peer address: it
// connects, runs the session, and reconnects with exponential backoff for
// the node's lifetime.
func RunOutbound(ctx context.Context, cfg Config, tr Transport, addr string, rel *reliability.Manager, registry *Registry, events chan<- Event) {
	backoff := reconnectBase
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, peerCert, err := tr.Dial(ctx, addr)
		if err != nil {
			utils.Logger.Warn("dial failed",
				zap.String("addr", addr),
				zap.Duration("retry_in", backoff),
				zap.Error(err))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > reconnectCap {
				backoff = reconnectCap
			}
			continue
		}
		backoff = reconnectBase

		sess := New(cfg, conn, peerCert, rel, registry, events)
		if err := sess.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			utils.Logger.Warn("outbound session ended",
				zap.String("addr", addr), zap.Error(err))
		}
		select {
		case <-time.After(reconnectBase):
		case <-ctx.Done():
			return
		}
	}
}
