package main

import (
	"context"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"huddle/internal/client"
	"huddle/internal/protocol"
	"huddle/pkg/config"
	"huddle/pkg/logger"

	"github.com/pion/webrtc/v3"
)

// silenceSource emits Opus silence frames so a call leg stays alive without
// a capture device.
type silenceSource struct{}

func (silenceSource) ReadOpus() ([]byte, time.Duration, error) {
	frame := []byte{0xF8, 0xFF, 0xFE}
	time.Sleep(20 * time.Millisecond)
	return frame, 20 * time.Millisecond, nil
}

func main() {
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/huddle/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}

	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()

	var iceServers []webrtc.ICEServer
	for _, s := range cfg.WebRTC.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		}
	}

	transportConfig := client.TransportConfig{
		SignalURL:  cfg.Client.SignalURL,
		ICEServers: iceServers,
	}
	transportConfig.PortRange.Min = cfg.WebRTC.PortRange.Min
	transportConfig.PortRange.Max = cfg.WebRTC.PortRange.Max

	transport := client.NewWebRTCTransport(transportConfig, log)
	registry := client.NewRegistryClient(cfg.Client.RegistryURL, cfg.Client.RequestTimeout, log)

	var audio client.AudioSource
	if cfg.Client.VoiceEnabled {
		audio = silenceSource{}
	}

	orch := client.NewOrchestrator(client.OrchestratorConfig{
		DisplayName:          cfg.Client.DisplayName,
		HeartbeatInterval:    cfg.Client.HeartbeatInterval,
		DiscoveryInterval:    cfg.Client.DiscoveryInterval,
		SessionOpenTimeout:   cfg.Client.SessionOpenTimeout,
		RequestTimeout:       cfg.Client.RequestTimeout,
		ReregisterOnNotFound: cfg.Client.ReregisterOnNotFound,
	}, transport, registry, audio, log)

	orch.OnConnectionChange(func(peerID string, connected bool) {
		if connected {
			log.Infow("peer joined", "peer_id", peerID)
			orch.Send(peerID, protocol.NewJoin(orch.LocalID(), cfg.Client.DisplayName, "default", protocol.Vec2{}))
		} else {
			log.Infow("peer left", "peer_id", peerID)
		}
	})

	orch.OnData(func(from string, msg protocol.Message) {
		switch msg.Kind {
		case protocol.KindChat:
			log.Infow("chat received", "peer_id", from, "username", msg.Chat.Username, "text", msg.Chat.Text)
		case protocol.KindJoin:
			log.Infow("join received", "peer_id", from, "username", msg.Join.Username)
		case protocol.KindLeave:
			log.Infow("leave received", "peer_id", from)
		case protocol.KindPosition:
			log.Debugw("position received", "peer_id", from, "x", msg.Position.Position.X, "y", msg.Position.Position.Y)
		}
	})

	if cfg.Client.VoiceEnabled {
		orch.OnIncomingCall(func(from string) {
			log.Infow("answering incoming call", "peer_id", from)
			if err := orch.AnswerCall(from); err != nil {
				log.Warnw("failed to answer call", "peer_id", from, "error", err)
			}
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = orch.Start(ctx)
	cancel()
	if err != nil {
		log.Fatalw("failed to start peer", "error", err)
	}

	log.Infow("peer running", "peer_id", orch.LocalID(), "display_name", cfg.Client.DisplayName)

	// Walk a small circle so connected peers see movement.
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		var step float64
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				step += 0.1
				pos := protocol.Vec2{X: math.Cos(step) * 5, Y: math.Sin(step) * 5}
				vel := protocol.Vec2{}
				orch.Broadcast(protocol.NewPosition(orch.LocalID(), pos, vel))
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Infow("received shutdown signal", "signal", sig)

	close(done)
	orch.Broadcast(protocol.NewLeave(orch.LocalID()))
	orch.Destroy()
}
