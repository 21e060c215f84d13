// Package peer adapts pion/webrtc to the negotiation ports.
package peer

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mossy-p/callrelay/internal/negotiation"
)

// Factory builds pion peer connections sharing one API instance.
type Factory struct {
	api    *webrtc.API
	config webrtc.Configuration
	log    *zap.Logger
}

// NewFactory registers the default codecs and interceptors and routes pion's
// internal logging through log.
func NewFactory(iceServers []string, log *zap.Logger) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: NewLoggerFactory(log.Named("pion"))}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(se),
	)

	var cfg webrtc.Configuration
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}

	return &Factory{api: api, config: cfg, log: log}, nil
}

// NewConnectivity creates an empty peer connection. Transceivers appear when
// the first offer is made or when the remote offer is applied.
func (f *Factory) NewConnectivity(events negotiation.ConnectivityEvents) (negotiation.Connectivity, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return newConnection(pc, events, f.log), nil
}
