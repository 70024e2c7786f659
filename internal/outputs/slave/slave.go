// Package slave implements the slave-player (SlimProto-style) ZoneOutput
// driver: a locally supervised subprocess speaks the actual renderer wire
// protocol to a player, while this driver issues it simple control
// commands over a private TCP channel and polls its JSON status endpoint
// for now-playing feedback, the same split teacher's squeezelite/LMS
// integration uses.
package slave

import (
	"bufio"
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/micro-nova/zonecast/internal/models"
)

// Player is one entry in the slave subprocess's known-player registry,
// discovered from its status API, mapping a wire player id to the
// human-readable name an admin picks in zone configuration.
type Player struct {
	ID   string
	Name string
}

// DiscoverPlayers queries the supervising subprocess's JSON status API
// (served on statusAddr, e.g. "127.0.0.1:9000") for every player it has
// seen register over SlimProto, so zone configuration can offer a
// zone -> player id mapping.
func DiscoverPlayers(ctx context.Context, statusAddr string) ([]Player, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+statusAddr+"/players.json", nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("slave: discover players: %w", err)
	}
	defer resp.Body.Close()

	var list []struct {
		PlayerID   string `json:"playerid"`
		PlayerName string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("slave: decode players: %w", err)
	}
	out := make([]Player, 0, len(list))
	for _, p := range list {
		out = append(out, Player{ID: p.PlayerID, Name: p.PlayerName})
	}
	return out, nil
}

// macForName derives a stable MAC address from a player name the same way
// the squeezelite integration this protocol is modeled on does, so the
// same zone always registers under the same wire identity.
func macForName(name string) string {
	hash := md5.Sum([]byte(name))
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", hash[0], hash[1], hash[2], hash[3], hash[4], hash[5])
}

type status struct {
	Mode   string `json:"mode"`
	Title  string `json:"title"`
	Artist string `json:"artist"`
	Album  string `json:"album"`
	Art    string `json:"artwork_url"`
}

// Driver owns one subprocess instance bound to a single zone's player
// identity, plus a control connection and a metadata poller.
type Driver struct {
	zoneID     int
	playerName string
	statusAddr string
	binaryPath string
	ctrlAddr   string
	log        zerolog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	ctrlConn net.Conn
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a driver that will spawn binaryPath (the slave subprocess)
// under playerName's derived wire identity on Play, polling statusAddr
// for now-playing feedback and sending commands over ctrlAddr.
func New(zoneID int, binaryPath, playerName, statusAddr, ctrlAddr string, log zerolog.Logger) *Driver {
	return &Driver{
		zoneID:     zoneID,
		playerName: playerName,
		statusAddr: statusAddr,
		binaryPath: binaryPath,
		ctrlAddr:   ctrlAddr,
		log:        log.With().Int("zone_id", zoneID).Str("component", "slave_driver").Logger(),
	}
}

func (d *Driver) Play(ctx context.Context, session *models.PlaybackSession) error {
	if err := d.ensureRunning(); err != nil {
		return err
	}
	return d.sendCmd("play " + session.Stream.URL("mp3"))
}

func (d *Driver) Pause(ctx context.Context) error  { return d.sendCmd("pause") }
func (d *Driver) Resume(ctx context.Context) error { return d.sendCmd("play") }
func (d *Driver) Stop(ctx context.Context) error   { return d.sendCmd("stop") }

func (d *Driver) SetVolume(ctx context.Context, percent float64) error {
	return d.sendCmd(fmt.Sprintf("volume %d", int(percent)))
}

// UpdateMetadata is a no-op: the subprocess's own now-playing feedback
// comes from the renderer side via pollStatus, not pushed from here.
func (d *Driver) UpdateMetadata(ctx context.Context, md models.PlaybackMetadata) error {
	return nil
}

func (d *Driver) Dispose(ctx context.Context) error {
	d.mu.Lock()
	cmd := d.cmd
	conn := d.ctrlConn
	cancel := d.cancel
	d.cmd = nil
	d.ctrlConn = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
	if conn != nil {
		conn.Close()
	}
	if cmd != nil && cmd.Process != nil {
		return cmd.Process.Kill()
	}
	return nil
}

func (d *Driver) GetPreferredOutput() models.PreferredOutput {
	return models.PreferredOutput{Profile: models.ProfileMP3, SampleRate: 44100, Channels: 2}
}

func (d *Driver) GetHTTPPreferences() models.HTTPPreferences {
	return models.HTTPPreferences{Profile: models.HTTPChunked}
}

func (d *Driver) Protocol() string { return "slave" }

func (d *Driver) ensureRunning() error {
	d.mu.Lock()
	if d.cmd != nil {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	mac := macForName(d.playerName)
	cmd := exec.Command(d.binaryPath, "-n", d.playerName, "-m", mac, "-c", d.ctrlAddr)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("slave: start subprocess: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.cmd = cmd
	d.cancel = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go d.pollStatus(ctx)
	return nil
}

func (d *Driver) sendCmd(line string) error {
	d.mu.Lock()
	conn := d.ctrlConn
	d.mu.Unlock()

	if conn == nil {
		c, err := net.DialTimeout("tcp", d.ctrlAddr, 3*time.Second)
		if err != nil {
			return fmt.Errorf("slave: dial control channel: %w", err)
		}
		d.mu.Lock()
		d.ctrlConn = c
		d.mu.Unlock()
		conn = c
	}
	_, err := io.WriteString(conn, line+"\n")
	return err
}

func (d *Driver) pollStatus(ctx context.Context) {
	defer d.wg.Done()
	select {
	case <-ctx.Done():
		return
	case <-time.After(8 * time.Second):
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.fetchStatus(ctx)
		}
	}
}

func (d *Driver) fetchStatus(ctx context.Context) {
	params := url.Values{"player": {d.playerName}, "type": {"json"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+d.statusAddr+"/status.html?"+params.Encode(), nil)
	if err != nil {
		return
	}
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		d.log.Debug().Err(err).Msg("slave: status poll failed")
		return
	}
	defer resp.Body.Close()
	var st status
	if err := json.NewDecoder(bufio.NewReader(resp.Body)).Decode(&st); err != nil {
		return
	}
	d.log.Debug().Str("mode", st.Mode).Str("title", st.Title).Msg("slave: status updated")
}

var _ models.ZoneOutput = (*Driver)(nil)
