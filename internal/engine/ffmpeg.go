package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strconv"

	"github.com/micro-nova/zonecast/internal/crypto"
	"github.com/micro-nova/zonecast/internal/models"
)

// FFmpegSpawner builds one ffmpeg subprocess per zone session, fanning a
// single decoded input out to one encoded pipe per requested output
// profile via extra file descriptors (pipe:3, pipe:4, ...). This plays
// the role the teacher's per-format exec.Command builders (vlc, aplay,
// rtl_fm) play for a single output, generalized to the multi-profile
// fanout this project's engine requires.
type FFmpegSpawner struct {
	// BinaryPath overrides the ffmpeg binary to exec; empty uses "ffmpeg"
	// resolved from PATH.
	BinaryPath string
}

// NewFFmpegSpawner creates a spawner using the given ffmpeg binary path,
// or "ffmpeg" from PATH if empty.
func NewFFmpegSpawner(binaryPath string) *FFmpegSpawner {
	return &FFmpegSpawner{BinaryPath: binaryPath}
}

func (s *FFmpegSpawner) binary() string {
	if s.BinaryPath != "" {
		return s.BinaryPath
	}
	return "ffmpeg"
}

// Spawn implements Spawner. It does not start cmd; the supervisor does,
// after wiring Stdout/Stderr.
func (s *FFmpegSpawner) Spawn(ctx context.Context, input models.PlaybackSource, profiles []models.OutputProfile, settings models.AudioOutputSettings) (*exec.Cmd, map[models.OutputProfile]io.ReadCloser, error) {
	args := []string{"-hide_banner", "-loglevel", "warning", "-nostdin"}

	stdin, inputArgs, err := s.buildInput(input)
	if err != nil {
		return nil, nil, err
	}
	args = append(args, inputArgs...)

	outputs := make(map[models.OutputProfile]io.ReadCloser, len(profiles))
	extraFiles := make([]*os.File, 0, len(profiles))
	nextFD := 3
	for _, profile := range profiles {
		r, w, perr := os.Pipe()
		if perr != nil {
			closeAll(outputs)
			return nil, nil, fmt.Errorf("engine: pipe for profile %s: %w", profile, perr)
		}
		args = append(args, profileOutputArgs(profile, settings, nextFD)...)
		extraFiles = append(extraFiles, w)
		outputs[profile] = r
		nextFD++
	}

	// Plain exec.Command, not CommandContext: the supervisor owns the
	// process's lifecycle (including ctx-cancellation teardown via its
	// own process-group kill), so a second ctx-triggered kill path here
	// would just race it.
	cmd := exec.Command(s.binary(), args...)
	cmd.Stdin = stdin
	cmd.ExtraFiles = extraFiles

	return cmd, outputs, nil
}

func closeAll(outputs map[models.OutputProfile]io.ReadCloser) {
	for _, r := range outputs {
		_ = r.Close()
	}
}

// buildInput returns the stdin reader (nil unless the source needs one)
// and the "-i ..." argument set for the given source variant.
func (s *FFmpegSpawner) buildInput(src models.PlaybackSource) (io.Reader, []string, error) {
	switch src.Kind {
	case models.SourceFile:
		f := src.File
		var args []string
		if f.RealTime {
			args = append(args, "-re")
		}
		if f.Loop {
			args = append(args, "-stream_loop", "-1")
		}
		if f.StartAtSec > 0 {
			args = append(args, "-ss", strconv.FormatFloat(f.StartAtSec, 'f', 2, 64))
		}
		args = append(args, "-i", f.Path)
		return nil, args, nil

	case models.SourceURL:
		u := src.URL
		if len(u.DecryptionKey) > 0 {
			body, derr := fetchDecrypted(u)
			if derr != nil {
				return nil, nil, derr
			}
			args := []string{"-i", "pipe:0"}
			if u.InputFormat != "" {
				args = append([]string{"-f", u.InputFormat}, args...)
			}
			return body, args, nil
		}
		var args []string
		if u.RealTime {
			args = append(args, "-re")
		}
		if len(u.Headers) > 0 {
			args = append(args, "-headers", encodeHeaders(u.Headers))
		}
		if u.InputFormat != "" {
			args = append(args, "-f", u.InputFormat)
		}
		if !u.TLSVerifyHost {
			args = append(args, "-tls_verify", "0")
		}
		if u.StartAtSec > 0 {
			args = append(args, "-ss", strconv.FormatFloat(u.StartAtSec, 'f', 2, 64))
		}
		args = append(args, "-i", u.URL)
		return nil, args, nil

	case models.SourcePipe:
		p := src.Pipe
		args := []string{
			"-f", string(p.Format),
			"-ar", strconv.Itoa(p.SampleRate),
			"-ac", strconv.Itoa(p.Channels),
			"-i", "pipe:0",
		}
		return p.Stream, args, nil

	default:
		return nil, nil, fmt.Errorf("engine: unsupported source kind %q", src.Kind)
	}
}

// fetchDecrypted issues the HTTP GET for an encrypted url source and
// wraps the response body in a DecryptingReader, since ffmpeg itself has
// no notion of this project's frame-sealed stream format.
func fetchDecrypted(u *models.URLSource) (io.Reader, error) {
	req, err := http.NewRequest(http.MethodGet, u.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("engine: build decrypted request: %w", err)
	}
	for k, v := range u.Headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("engine: fetch encrypted source: %w", err)
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("engine: encrypted source returned status %d", resp.StatusCode)
	}
	dr, err := crypto.NewDecryptingReader(resp.Body, u.DecryptionKey)
	if err != nil {
		resp.Body.Close()
		return nil, err
	}
	return dr, nil
}

func encodeHeaders(h map[string]string) string {
	out := ""
	for k, v := range h {
		out += k + ": " + v + "\r\n"
	}
	return out
}

// profileOutputArgs returns the "-map ... pipe:N" output clause for one
// profile. pcm is emitted headerless (raw s16le) since the gateway
// prepends its own WAV header when serving that profile.
func profileOutputArgs(profile models.OutputProfile, settings models.AudioOutputSettings, fd int) []string {
	target := "pipe:" + strconv.Itoa(fd)
	switch profile {
	case models.ProfileMP3:
		return []string{"-map", "0:a:0", "-vn", "-f", "mp3", "-b:a", strconv.Itoa(settings.MP3Bitrate) + "k", "-ar", strconv.Itoa(settings.SampleRate), "-ac", strconv.Itoa(settings.Channels), target}
	case models.ProfileAAC:
		return []string{"-map", "0:a:0", "-vn", "-f", "adts", "-b:a", strconv.Itoa(settings.MP3Bitrate*6/10) + "k", "-ar", strconv.Itoa(settings.SampleRate), "-ac", strconv.Itoa(settings.Channels), target}
	case models.ProfilePCM:
		return []string{"-map", "0:a:0", "-vn", "-f", "s" + strconv.Itoa(settings.PCMBitDepth) + "le", "-ar", strconv.Itoa(settings.SampleRate), "-ac", strconv.Itoa(settings.Channels), target}
	default:
		return []string{"-map", "0:a:0", "-vn", "-f", "mp3", target}
	}
}
