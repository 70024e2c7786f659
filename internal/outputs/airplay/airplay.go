// Package airplay implements the AirPlay ZoneOutput driver: it paces PCM
// from the engine into RTP packets for an AirPlay 1 ("raop") receiver,
// and polls the receiver's MPRIS D-Bus interface (when one is reachable,
// as shairport-sync-based receivers expose) for now-playing feedback.
package airplay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"

	"github.com/micro-nova/zonecast/internal/models"
)

const (
	sampleRate       = 44100
	channels         = 2
	bytesPerSample   = 2
	frameSamples     = 352 // AirPlay 1's fixed ALAC frame size
	readyGateDelay   = 150 * time.Millisecond
	flowBufferFrames = 32
	mtu              = 1400
)

// MetadataSink receives now-playing updates observed on the receiver's
// MPRIS interface.
type MetadataSink interface {
	UpdateMetadata(zoneID int, md models.PlaybackMetadata)
}

// rawPayloader slices PCM bytes into RTP payloads of at most mtu bytes.
// AirPlay 1 payloads are ALAC-encoded and encrypted in the real protocol;
// that encode/encrypt step is the out-of-process media pipeline's job,
// not this driver's, so frames here carry pre-encoded bytes verbatim.
type rawPayloader struct{}

func (rawPayloader) Payload(mtu uint16, buf []byte) [][]byte {
	if len(buf) <= int(mtu) {
		return [][]byte{buf}
	}
	var out [][]byte
	for len(buf) > 0 {
		n := int(mtu)
		if n > len(buf) {
			n = len(buf)
		}
		out = append(out, buf[:n])
		buf = buf[n:]
	}
	return out
}

// Driver sends PCM audio to one AirPlay receiver.
type Driver struct {
	zoneID int
	addr   string
	log    zerolog.Logger
	sink   MetadataSink

	packetizer rtp.Packetizer

	mu       sync.Mutex
	conn     pacedSender
	volume   float64
	stopPoll context.CancelFunc
	pollWg   sync.WaitGroup
}

// pacedSender is the outbound channel frames are written to once
// packetized; swappable in tests.
type pacedSender interface {
	Send(pkt []byte) error
	Close() error
}

// New creates an AirPlay driver targeting addr ("host:port" resolved
// during discovery), identified for logging/metadata purposes by zoneID.
func New(zoneID int, addr string, sink MetadataSink, log zerolog.Logger) *Driver {
	return &Driver{
		zoneID: zoneID,
		addr:   addr,
		sink:   sink,
		log:    log.With().Int("zone_id", zoneID).Str("component", "airplay_driver").Logger(),
		packetizer: rtp.NewPacketizer(mtu, 96, uint32(zoneID), rawPayloader{}, rtp.NewRandomSequencer(), sampleRate),
		volume:     50,
	}
}

// Play starts (or re-targets) playback of session's PCM tap. Re-entrant:
// calling Play again while already playing simply swaps the connection.
func (d *Driver) Play(ctx context.Context, session *models.PlaybackSession) error {
	if session.Source.Pipe == nil || session.Source.Pipe.Stream == nil {
		return fmt.Errorf("airplay: session has no PCM stream to play")
	}

	conn, err := dialSender(d.addr)
	if err != nil {
		return fmt.Errorf("airplay: dial %s: %w", d.addr, err)
	}

	d.mu.Lock()
	if d.conn != nil {
		d.conn.Close()
	}
	d.conn = conn
	d.mu.Unlock()

	go d.pump(ctx, session.Source.Pipe.Stream, conn)
	d.startMetadataPoll()
	return nil
}

// pump reads PCM frames and paces them out at the stream's real-time
// rate, holding back the first frame by readyGateDelay so the receiver
// isn't overwhelmed on stream start.
func (d *Driver) pump(ctx context.Context, stream models.PCMReader, conn pacedSender) {
	frameBytes := frameSamples * channels * bytesPerSample
	buf := make([]byte, frameBytes)
	frameDur := time.Duration(frameSamples) * time.Second / time.Duration(sampleRate)

	gate := time.NewTimer(readyGateDelay)
	<-gate.C

	ticker := time.NewTicker(frameDur)
	defer ticker.Stop()
	var seq uint32

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		n, err := stream.Read(buf)
		if n > 0 {
			packets := d.packetizer.Packetize(buf[:n], frameSamples)
			for _, pkt := range packets {
				seq++
				raw, merr := pkt.Marshal()
				if merr != nil {
					continue
				}
				if serr := conn.Send(raw); serr != nil {
					d.log.Debug().Err(serr).Msg("airplay: send failed, dropping frame")
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// Pause is a no-op: the engine stops producing PCM while paused, so the
// pump loop naturally idles on empty reads.
func (d *Driver) Pause(ctx context.Context) error { return nil }

// Resume is a no-op for the same reason Pause is.
func (d *Driver) Resume(ctx context.Context) error { return nil }

func (d *Driver) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		err := d.conn.Close()
		d.conn = nil
		return err
	}
	return nil
}

func (d *Driver) SetVolume(ctx context.Context, percent float64) error {
	d.mu.Lock()
	d.volume = percent
	d.mu.Unlock()
	// AirPlay volume is a device-scale float, typically -30..0 dB mapped
	// from 0..100; the exact device RPC is out of scope (delegated to the
	// out-of-process pipeline per this project's non-goals), so this
	// driver only tracks the requested value for reporting.
	return nil
}

func (d *Driver) UpdateMetadata(ctx context.Context, md models.PlaybackMetadata) error {
	return nil
}

func (d *Driver) Dispose(ctx context.Context) error {
	d.mu.Lock()
	if d.stopPoll != nil {
		d.stopPoll()
	}
	conn := d.conn
	d.conn = nil
	d.mu.Unlock()
	d.pollWg.Wait()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (d *Driver) GetPreferredOutput() models.PreferredOutput {
	return models.PreferredOutput{Profile: models.ProfilePCM, SampleRate: sampleRate, Channels: channels}
}

func (d *Driver) GetHTTPPreferences() models.HTTPPreferences {
	return models.HTTPPreferences{Profile: models.HTTPChunked}
}

func (d *Driver) Protocol() string { return "airplay" }

// startMetadataPoll begins polling the receiver's MPRIS interface every
// few seconds, best-effort: many raop-only receivers expose no MPRIS
// service at all, so failures here are logged at debug and otherwise
// ignored.
func (d *Driver) startMetadataPoll() {
	d.mu.Lock()
	if d.stopPoll != nil {
		d.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.stopPoll = cancel
	d.mu.Unlock()

	d.pollWg.Add(1)
	go func() {
		defer d.pollWg.Done()
		ticker := time.NewTicker(3 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if md, ok := fetchMPRISMetadata(); ok && d.sink != nil {
					d.sink.UpdateMetadata(d.zoneID, md)
				}
			}
		}
	}()
}

// fetchMPRISMetadata queries org.mpris.MediaPlayer2.shairport_sync (the
// service name a shairport-sync-based receiver registers) for its
// current now-playing metadata.
func fetchMPRISMetadata() (models.PlaybackMetadata, bool) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return models.PlaybackMetadata{}, false
	}
	defer conn.Close()

	obj := conn.Object("org.mpris.MediaPlayer2.shairport_sync", "/org/mpris/MediaPlayer2")
	metadataVariant, err := obj.GetProperty("org.mpris.MediaPlayer2.Player.Metadata")
	if err != nil {
		return models.PlaybackMetadata{}, false
	}
	fields, ok := metadataVariant.Value().(map[string]dbus.Variant)
	if !ok {
		return models.PlaybackMetadata{}, false
	}

	var md models.PlaybackMetadata
	if v, ok := fields["xesam:title"]; ok {
		if s, ok := v.Value().(string); ok {
			md.Title = s
		}
	}
	if v, ok := fields["xesam:artist"]; ok {
		if arr, ok := v.Value().([]string); ok && len(arr) > 0 {
			md.Artist = arr[0]
		}
	}
	if v, ok := fields["xesam:album"]; ok {
		if s, ok := v.Value().(string); ok {
			md.Album = s
		}
	}
	if v, ok := fields["mpris:artUrl"]; ok {
		if s, ok := v.Value().(string); ok {
			md.CoverURL = s
		}
	}
	return md, true
}
