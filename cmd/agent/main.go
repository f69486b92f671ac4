package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/pion/webrtc/v3"

	"nexusvoice/internal/client/agent"
	"nexusvoice/internal/client/audio"
	"nexusvoice/internal/client/engine"
	"nexusvoice/internal/core/domain"
	"nexusvoice/pkg/config"
	"nexusvoice/pkg/logger"
)

func main() {
	var (
		serverURL  = flag.String("server", "ws://localhost:8080/ws", "signaling server websocket URL")
		token      = flag.String("token", "", "access token (required)")
		room       = flag.String("room", "", "voice room to join (required)")
		inputPath  = flag.String("input", "-", "s16le mono PCM input, '-' for stdin")
		outputPath = flag.String("output", "", "s16le PCM output file, empty to discard")
		configPath = flag.String("config", "configs/config.yaml", "config file path")
	)
	flag.Parse()

	if *token == "" || *room == "" {
		fmt.Fprintln(os.Stderr, "both -token and -room are required")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	// Capture input
	var input io.Reader
	if *inputPath == "-" {
		input = os.Stdin
	} else {
		f, err := os.Open(*inputPath)
		if err != nil {
			log.Fatalw("failed to open input", "path", *inputPath, "error", err)
		}
		defer f.Close()
		input = f
	}

	// Playback output
	var output io.Writer = io.Discard
	if *outputPath != "" {
		f, err := os.Create(*outputPath)
		if err != nil {
			log.Fatalw("failed to create output", "path", *outputPath, "error", err)
		}
		defer f.Close()
		output = f
	}

	var iceServers []webrtc.ICEServer
	for _, s := range cfg.WebRTC.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}

	agentCfg := agent.Config{
		ServerURL:  *serverURL,
		Token:      *token,
		ICEServers: iceServers,
		Engine: engine.EngineConfig{
			Session: engine.SessionConfig{
				DisconnectGrace: cfg.Voice.DisconnectGrace,
				ReofferGrace:    cfg.Voice.ReofferGrace,
				MaxICERestarts:  cfg.Voice.MaxICERestarts,
				Opus: engine.OpusParams{
					MaxAverageBitrate: cfg.Audio.BitrateKbps * 1000,
					UseInbandFEC:      cfg.Audio.FEC,
					UseDTX:            cfg.Audio.DTX,
				},
			},
			RejoinDelay: cfg.Voice.RejoinDelay,
		},
		Pipeline: audio.PipelineConfig{
			SampleRate:          cfg.Audio.SampleRate,
			FrameDuration:       cfg.Audio.FrameDuration,
			MicGain:             cfg.Audio.MicGain,
			HighPassEnabled:     cfg.Audio.HighPassEnabled,
			NoiseSuppressor:     cfg.Audio.NoiseSuppressor,
			VoiceShapeIntensity: cfg.Audio.VoiceShapeIntensity,
			SpeakingThreshold:   cfg.Voice.SpeakingThreshold,
			SpeakingInterval:    cfg.Voice.SpeakingInterval,
		},
		StatsInterval: cfg.Voice.StatsInterval,
	}

	hooks := agent.Hooks{
		OnRoster: func(peers []domain.Member) {
			log.Infow("roster", "peers", len(peers))
		},
		OnPeerSpeaking: func(remote domain.ConnID, speaking bool) {
			log.Infow("peer speaking", "remote", remote, "speaking", speaking)
		},
		OnPeerStats: func(remote domain.ConnID, stats domain.PeerStats, quality domain.NetQuality) {
			log.Infow("peer stats",
				"remote", remote,
				"quality", quality,
				"connection", stats.ConnectionType,
			)
		},
		OnServerError: func(code, message string) {
			log.Warnw("server rejected request", "code", code, "message", message)
		},
	}

	a, err := agent.New(agentCfg, audio.OpenReaderCapture(input), audio.NewPCMPlayer(output), hooks, log)
	if err != nil {
		log.Fatalw("failed to build agent", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Connect(ctx); err != nil {
		log.Fatalw("failed to connect", "error", err)
	}
	if err := a.JoinRoom(domain.RoomID(*room)); err != nil {
		log.Fatalw("failed to join room", "room", *room, "error", err)
	}

	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down")
	a.Close()
}
