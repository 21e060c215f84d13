// Command callpeer is a headless call participant. It joins a room on the
// relay, answers or places a call, and sends silent audio.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/mossy-p/callrelay/config"
	"github.com/mossy-p/callrelay/internal/logger"
	"github.com/mossy-p/callrelay/internal/negotiation"
	"github.com/mossy-p/callrelay/internal/peer"
	sig "github.com/mossy-p/callrelay/internal/signal"
)

// opusSilence is a single 20ms opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

type participant struct {
	negotiation.NopObserver
	cfg     *config.ClientConfig
	session *negotiation.Session
	log     *zap.Logger
	ctx     context.Context
}

func (p *participant) StatusChanged(s negotiation.CallStatus) {
	p.log.Info("call status", zap.Stringer("status", s))
}

func (p *participant) PeerJoined(id, email string) {
	p.log.Info("peer joined", zap.String("id", id), zap.String("email", email))
	if p.cfg.AutoCall {
		p.session.Call()
	}
}

func (p *participant) PeerLeft(id string) {
	p.log.Info("peer left", zap.String("id", id))
}

func (p *participant) IncomingCall(from, email string) {
	p.log.Info("incoming call", zap.String("from", from), zap.String("email", email))
	if p.cfg.AutoAccept {
		p.session.Accept()
	}
}

func (p *participant) RemoteTrack(t negotiation.RemoteTrack) {
	p.log.Info("remote track", zap.String("id", t.ID), zap.String("kind", string(t.Kind)))
}

func (p *participant) LocalMedia(stream negotiation.MediaStream) {
	for _, t := range stream.Tracks() {
		if t.Kind() == negotiation.KindAudio {
			go p.pumpSilence(t.(*peer.Track))
		}
	}
}

func (p *participant) Failed(err error) {
	p.log.Warn("call failed", zap.Error(err))
}

func (p *participant) pumpSilence(t *peer.Track) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if t.Stopped() {
				return
			}
			if err := t.WriteSample(opusSilence, 20*time.Millisecond); err != nil {
				p.log.Debug("write sample", zap.Error(err))
			}
		}
	}
}

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zl, err := logger.New(cfg.Log, true)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zl.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	factory, err := peer.NewFactory(cfg.ICEServers, zl.Named("peer"))
	if err != nil {
		zl.Fatal("Failed to set up WebRTC", zap.Error(err))
	}

	p := &participant{cfg: cfg, log: zl.Named("call"), ctx: ctx}
	session := negotiation.New(factory, peer.NewSource(), p, zl.Named("negotiation"))
	p.session = session

	client := sig.NewClient(cfg.SignalURL, session, sig.Options{
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = cfg.Redial.InitialInterval
			b.MaxInterval = cfg.Redial.MaxInterval
			b.MaxElapsedTime = 0
			return b
		},
	}, zl.Named("signal"))
	session.SetSignaler(client)

	sessionDone := make(chan struct{})
	go func() {
		defer close(sessionDone)
		session.Run(ctx)
	}()

	if cfg.Room == "" {
		if err := client.Search(cfg.Email); err != nil {
			zl.Fatal("Failed to search for a partner", zap.Error(err))
		}
		zl.Info("searching for a partner", zap.String("email", cfg.Email), zap.String("relay", cfg.SignalURL))
	} else {
		if err := client.Join(cfg.Email, cfg.Room); err != nil {
			zl.Fatal("Failed to join room", zap.Error(err))
		}
		zl.Info("joining room", zap.String("room", cfg.Room), zap.String("email", cfg.Email), zap.String("relay", cfg.SignalURL))
	}
	if err := client.Run(ctx); err != nil && ctx.Err() == nil {
		zl.Error("signaling stopped", zap.Error(err))
	}

	client.Close()
	cancel()
	<-sessionDone
	zl.Info("left room")
}
