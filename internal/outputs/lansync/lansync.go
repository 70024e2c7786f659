// Package lansync implements the LAN-sync (sendspin-style) ZoneOutput
// driver: a persistent WebSocket connection to this project's own embedded
// central audio-distribution server, which owns sample-accurate playback
// scheduling across every LAN-sync client.
package lansync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/micro-nova/zonecast/internal/models"
)

const (
	writeTimeout = 5 * time.Second
	dialTimeout  = 5 * time.Second
)

type registerMsg struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
	ZoneID   int    `json:"zoneId"`
	Name     string `json:"name"`
}

type metadataMsg struct {
	Type     string  `json:"type"`
	Title    string  `json:"title"`
	Artist   string  `json:"artist"`
	Album    string  `json:"album"`
	CoverURL string  `json:"coverUrl"`
}

type volumeMsg struct {
	Type  string  `json:"type"`
	Level float64 `json:"level"`
}

type transportMsg struct {
	Type string `json:"type"`
}

type frameRequestMsg struct {
	Type        string `json:"type"`
	MinFutureMs int    `json:"minFutureMs"`
}

// serverPush is whatever the central server sends down unprompted:
// assigned stream URL, metadata, or a response to getFutureFrames.
type serverPush struct {
	Type        string `json:"type"`
	StreamURL   string `json:"streamUrl"`
	FutureFrames int   `json:"futureFrames"`
}

// Driver is one zone's connection to the LAN-sync distribution server.
type Driver struct {
	zoneID   int
	serverURL string
	clientID string
	log      zerolog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a driver that will dial serverURL (a ws:// URL pointing at
// the embedded distribution server, e.g. "ws://127.0.0.1:9001/lansync")
// when Play is first called for zoneID.
func New(zoneID int, serverURL string, log zerolog.Logger) *Driver {
	return &Driver{
		zoneID:    zoneID,
		serverURL: serverURL,
		clientID:  fmt.Sprintf("zone-%d", zoneID),
		log:       log.With().Int("zone_id", zoneID).Str("component", "lansync_driver").Logger(),
	}
}

func (d *Driver) Play(ctx context.Context, session *models.PlaybackSession) error {
	if err := d.ensureConnected(); err != nil {
		return err
	}
	if err := d.send(registerMsg{Type: "register", ClientID: d.clientID, ZoneID: d.zoneID, Name: session.SourceLabel}); err != nil {
		return fmt.Errorf("lansync: register: %w", err)
	}
	return d.send(metadataMsg{
		Type: "metadata", Title: session.Metadata.Title, Artist: session.Metadata.Artist,
		Album: session.Metadata.Album, CoverURL: session.Metadata.CoverURL,
	})
}

func (d *Driver) Pause(ctx context.Context) error  { return d.send(transportMsg{Type: "pause"}) }
func (d *Driver) Resume(ctx context.Context) error { return d.send(transportMsg{Type: "resume"}) }
func (d *Driver) Stop(ctx context.Context) error   { return d.send(transportMsg{Type: "stop"}) }

func (d *Driver) SetVolume(ctx context.Context, percent float64) error {
	return d.send(volumeMsg{Type: "volume", Level: percent / 100})
}

func (d *Driver) UpdateMetadata(ctx context.Context, md models.PlaybackMetadata) error {
	return d.send(metadataMsg{Type: "metadata", Title: md.Title, Artist: md.Artist, Album: md.Album, CoverURL: md.CoverURL})
}

// GetFutureFrames asks the server how many frames of lookahead buffer
// exist before minFutureMs worth of audio runs out, used by group-sync
// scheduling to decide when a late-joining client can catch up cleanly.
func (d *Driver) GetFutureFrames(minFutureMs int) error {
	return d.send(frameRequestMsg{Type: "getFutureFrames", MinFutureMs: minFutureMs})
}

func (d *Driver) Dispose(ctx context.Context) error {
	d.mu.Lock()
	conn := d.conn
	d.conn = nil
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (d *Driver) GetPreferredOutput() models.PreferredOutput {
	return models.PreferredOutput{Profile: models.ProfilePCM, SampleRate: 44100, Channels: 2}
}

func (d *Driver) GetHTTPPreferences() models.HTTPPreferences {
	return models.HTTPPreferences{Profile: models.HTTPChunked}
}

func (d *Driver) Protocol() string { return "lansync" }

func (d *Driver) ensureConnected() error {
	d.mu.Lock()
	if d.conn != nil {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	u, err := url.Parse(d.serverURL)
	if err != nil {
		return fmt.Errorf("lansync: bad server url: %w", err)
	}
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("lansync: dial %s: %w", u, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.conn = conn
	d.cancel = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go d.readLoop(ctx, conn)
	return nil
}

// readLoop drains server pushes (stream assignment changes, future-frame
// reports) so the connection's read buffer never backs up; this project
// does not currently act on pushed stream reassignment, since the
// gateway, not the distribution server, decides each zone's stream URL.
func (d *Driver) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var push serverPush
		if json.Unmarshal(data, &push) == nil {
			d.log.Debug().Str("push_type", push.Type).Msg("lansync: server push received")
		}
	}
}

func (d *Driver) send(v any) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("lansync: not connected")
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(v)
}

var _ models.ZoneOutput = (*Driver)(nil)
