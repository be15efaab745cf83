package peer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/immxrtalbeast/sigstream/internal/domain"
	"github.com/immxrtalbeast/sigstream/internal/media"
	"github.com/pion/webrtc/v3"
)

// TrackHandler receives remote tracks arriving on a link.
type TrackHandler func(remoteID string, track *webrtc.TrackRemote)

// PionFactory opens pion peer connections.
type PionFactory struct {
	api     *webrtc.API
	config  webrtc.Configuration
	onTrack TrackHandler
	log     *slog.Logger
}

var _ Factory = (*PionFactory)(nil)

func NewPionFactory(stunServers []string, onTrack TrackHandler, log *slog.Logger) (*PionFactory, error) {
	engine := &webrtc.MediaEngine{}
	if err := engine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	var config webrtc.Configuration
	if len(stunServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: stunServers}}
	}
	if log == nil {
		log = slog.Default()
	}

	return &PionFactory{
		api:     webrtc.NewAPI(webrtc.WithMediaEngine(engine)),
		config:  config,
		onTrack: onTrack,
		log:     log,
	}, nil
}

func (f *PionFactory) NewConn(remoteID string) (Conn, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	c := &pionConn{pc: pc, senders: make(map[media.Kind]*webrtc.RTPSender)}
	if f.onTrack != nil {
		pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			f.log.Info("remote track received",
				slog.String("remote_id", remoteID),
				slog.String("kind", track.Kind().String()),
				slog.String("track_id", track.ID()),
			)
			f.onTrack(remoteID, track)
		})
	}
	return c, nil
}

type pionConn struct {
	pc *webrtc.PeerConnection

	mu        sync.Mutex
	senders   map[media.Kind]*webrtc.RTPSender
	receivers bool
}

func (c *pionConn) CreateOffer(_ context.Context) (domain.Signal, error) {
	if err := c.addReceivers(); err != nil {
		return domain.Signal{}, err
	}

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return domain.Signal{}, fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return domain.Signal{}, fmt.Errorf("set local offer: %w", err)
	}
	return domain.Signal{Type: domain.SignalOffer, SDP: offer.SDP}, nil
}

func (c *pionConn) AcceptOffer(_ context.Context, offer domain.Signal) (domain.Signal, error) {
	if err := c.pc.SetRemoteDescription(offer.SessionDescription()); err != nil {
		return domain.Signal{}, fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return domain.Signal{}, fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return domain.Signal{}, fmt.Errorf("set local answer: %w", err)
	}
	return domain.Signal{Type: domain.SignalAnswer, SDP: answer.SDP}, nil
}

func (c *pionConn) AcceptAnswer(answer domain.Signal) error {
	if err := c.pc.SetRemoteDescription(answer.SessionDescription()); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

func (c *pionConn) AddCandidate(cand webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(cand)
}

func (c *pionConn) SetTrack(t media.Track) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sender, ok := c.senders[t.Kind()]; ok {
		return false, sender.ReplaceTrack(t.Local())
	}

	sender, err := c.pc.AddTrack(t.Local())
	if err != nil {
		return false, err
	}
	c.senders[t.Kind()] = sender
	go drainRTCP(sender)
	return true, nil
}

func (c *pionConn) RemoveTrack(kind media.Kind) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sender, ok := c.senders[kind]
	if !ok {
		return false, nil
	}
	delete(c.senders, kind)
	return true, c.pc.RemoveTrack(sender)
}

func (c *pionConn) OnCandidate(fn func(webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil {
			fn(cand.ToJSON())
		}
	})
}

func (c *pionConn) OnStateChange(fn func(State)) {
	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(stateOf(s))
	})
}

func (c *pionConn) Close() error {
	return c.pc.Close()
}

// addReceivers asks for audio and video even when nothing is sent, so a
// receive-only side still gets the remote tracks.
func (c *pionConn) addReceivers() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.receivers {
		return nil
	}
	c.receivers = true

	kinds := map[media.Kind]webrtc.RTPCodecType{
		media.KindAudio: webrtc.RTPCodecTypeAudio,
		media.KindVideo: webrtc.RTPCodecTypeVideo,
	}
	for _, kind := range []media.Kind{media.KindAudio, media.KindVideo} {
		if _, ok := c.senders[kind]; ok {
			continue
		}
		_, err := c.pc.AddTransceiverFromKind(kinds[kind], webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			return fmt.Errorf("add %s receiver: %w", kind, err)
		}
	}
	return nil
}

func stateOf(s webrtc.PeerConnectionState) State {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateConnecting, webrtc.PeerConnectionStateDisconnected:
		return StateSignaling
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}

// drainRTCP reads RTCP for a sender so interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
