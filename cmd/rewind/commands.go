package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/wilhg/rewind/examples/counter"
	"github.com/wilhg/rewind/pkg/capture"
	"github.com/wilhg/rewind/pkg/clock"
	"github.com/wilhg/rewind/pkg/export"
	"github.com/wilhg/rewind/pkg/playback"
	"github.com/wilhg/rewind/pkg/recorder"
	"github.com/wilhg/rewind/pkg/store/redisstore"
)

// newRecorder opens the configured backend and wires a Recorder around it.
// Closing the Recorder closes the backend.
func (a *app) newRecorder(ctx context.Context, src capture.Source, consumer playback.Consumer) (*recorder.Recorder, error) {
	backend, err := openBackend(ctx, a.cfg)
	if err != nil {
		return nil, err
	}
	r, err := recorder.New(src, consumer, backend,
		recorder.WithConfig(a.cfg.RecorderConfig()),
		recorder.WithLogger(log.Logger.With().Str("component", "recorder").Logger()),
	)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return r, nil
}

// noSource backs commands that never record.
var noSource = capture.SourceFunc(func(context.Context) (capture.Snapshot, error) {
	return capture.Snapshot{}, errors.New("not recording")
})

var discard = playback.ConsumerFunc(func(context.Context, playback.Dispatch) error { return nil })

func (a *app) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	return fs
}

// sessionID takes the id from -id or the first positional argument.
func sessionID(fs *flag.FlagSet, id string) (string, error) {
	if id == "" {
		id = fs.Arg(0)
	}
	if id == "" {
		fmt.Fprintf(fs.Output(), "%s: session id required\n", fs.Name())
		return "", errUsage
	}
	return id, nil
}

func (a *app) record(ctx context.Context, args []string) error {
	fs := a.flags("record")
	name := fs.String("name", "", "session name")
	duration := fs.Duration("duration", 5*time.Second, "how long to record")
	source := fs.String("source", "counter", "snapshot source: counter or stdin (one JSON document per line)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var src capture.Source
	switch *source {
	case "counter":
		src = counter.NewSource(clock.New(), 640, 480)
	case "stdin":
		src = newLineSource(a.stdin)
	default:
		fmt.Fprintf(a.stderr, "record: unknown source %q\n", *source)
		return errUsage
	}

	r, err := a.newRecorder(ctx, src, discard)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close(context.Background()) }()

	if err := r.StartRecording(ctx, *name); err != nil {
		return err
	}
	timer := time.NewTimer(*duration)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
	}
	id, err := r.StopRecording(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	st := r.Stats()
	log.Info().Str("session_id", id).Int("frames", st.TotalFrames).
		Float64("compression_ratio", st.CompressionRatio).Msg("recording saved")
	fmt.Fprintln(a.stdout, id)
	return nil
}

func (a *app) list(ctx context.Context, args []string) error {
	fs := a.flags("list")
	asJSON := fs.Bool("json", false, "print JSON instead of a table")
	if err := fs.Parse(args); err != nil {
		return err
	}
	r, err := a.newRecorder(ctx, noSource, discard)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close(context.Background()) }()

	sessions, err := r.ListSessions(ctx)
	if err != nil {
		return err
	}
	if *asJSON {
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sessions)
	}
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTARTED\tFRAMES\tDURATION")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			s.ID, s.Name, s.StartTime.Local().Format(time.DateTime), s.FrameCount, s.Duration().Round(time.Millisecond))
	}
	return tw.Flush()
}

func (a *app) show(ctx context.Context, args []string) error {
	fs := a.flags("show")
	idFlag := fs.String("id", "", "session id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := sessionID(fs, *idFlag)
	if err != nil {
		return err
	}
	r, err := a.newRecorder(ctx, noSource, discard)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close(context.Background()) }()

	meta, err := r.LoadSession(ctx, id)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(meta)
}

func (a *app) replay(ctx context.Context, args []string) error {
	fs := a.flags("replay")
	idFlag := fs.String("id", "", "session id")
	speed := fs.Float64("speed", 1, "playback speed, 0.1 to 10")
	from := fs.Int("from", 0, "frame index to start from")
	loop := fs.Bool("loop", false, "loop until interrupted")
	publish := fs.Bool("publish", false, "publish frames on the session's Redis channel instead of stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := sessionID(fs, *idFlag)
	if err != nil {
		return err
	}

	var consumer playback.Consumer = &lineConsumer{enc: json.NewEncoder(a.stdout)}
	if *publish {
		client := redis.NewClient(&redis.Options{Addr: a.cfg.Redis.Addr, Password: a.cfg.Redis.Password, DB: a.cfg.Redis.DB})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		channel := redisstore.PlaybackChannel(id)
		consumer = redisstore.NewPublisher(client, channel)
		log.Info().Str("channel", channel).Msg("publishing playback")
	}

	r, err := a.newRecorder(ctx, noSource, consumer)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close(context.Background()) }()

	if _, err := r.LoadSession(ctx, id); err != nil {
		return err
	}
	r.SetLoop(*loop)
	r.SetSpeed(*speed)
	if err := r.StartPlayback(*from); err != nil {
		return err
	}

	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			r.StopPlayback()
			return nil
		case <-t.C:
			if r.PlaybackState() == playback.Idle {
				if n := r.Stats().DispatchErrors; n > 0 {
					log.Warn().Uint64("errors", n).Msg("some frames failed to apply")
				}
				return nil
			}
		}
	}
}

func (a *app) export(ctx context.Context, args []string) error {
	fs := a.flags("export")
	idFlag := fs.String("id", "", "session id")
	out := fs.String("o", "-", "output file, directory, or - for stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := sessionID(fs, *idFlag)
	if err != nil {
		return err
	}
	r, err := a.newRecorder(ctx, noSource, discard)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close(context.Background()) }()

	if *out == "-" {
		return r.ExportSession(ctx, id, a.stdout)
	}
	path := *out
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		meta, err := r.LoadSession(ctx, id)
		if err != nil {
			return err
		}
		path = filepath.Join(path, export.FileName(export.Document{Metadata: meta}))
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := r.ExportSession(ctx, id, f); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, path)
	return nil
}

func (a *app) importDoc(ctx context.Context, args []string) error {
	fs := a.flags("import")
	in := fs.String("i", "-", "input file, or - for stdin")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var rd io.Reader = a.stdin
	if *in != "-" {
		f, err := os.Open(*in)
		if err != nil {
			return err
		}
		defer f.Close()
		rd = f
	}
	r, err := a.newRecorder(ctx, noSource, discard)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close(context.Background()) }()

	id, err := r.ImportSession(ctx, rd)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, id)
	return nil
}

func (a *app) remove(ctx context.Context, args []string) error {
	fs := a.flags("delete")
	idFlag := fs.String("id", "", "session id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := sessionID(fs, *idFlag)
	if err != nil {
		return err
	}
	r, err := a.newRecorder(ctx, noSource, discard)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close(context.Background()) }()

	if err := r.DeleteSession(ctx, id); err != nil {
		return err
	}
	log.Info().Str("session_id", id).Msg("session deleted")
	return nil
}

// lineConsumer writes every replayed frame as one JSON line, in the same
// shape redisstore.Publisher publishes.
type lineConsumer struct {
	enc *json.Encoder
}

func (c *lineConsumer) OnFrame(_ context.Context, d playback.Dispatch) error {
	state := json.RawMessage(d.Frame.Payload)
	if !json.Valid(state) {
		b, err := json.Marshal(string(d.Frame.Payload))
		if err != nil {
			return err
		}
		state = b
	}
	return c.enc.Encode(redisstore.Message{
		Index:       d.Index,
		Total:       d.Total,
		Seq:         d.Frame.Seq,
		TimestampMs: d.Frame.TimestampMs,
		State:       state,
	})
}

// lineSource snapshots the most recent line read from r. Lines that are not
// JSON are recorded as JSON strings.
type lineSource struct {
	mu     sync.Mutex
	latest json.RawMessage
}

func newLineSource(r io.Reader) *lineSource {
	s := &lineSource{}
	go s.read(r)
	return s
}

func (s *lineSource) read(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := append([]byte(nil), sc.Bytes()...)
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			b, err := json.Marshal(string(line))
			if err != nil {
				continue
			}
			line = b
		}
		s.mu.Lock()
		s.latest = line
		s.mu.Unlock()
	}
	if err := sc.Err(); err != nil {
		log.Warn().Err(err).Msg("stdin source stopped")
	}
}

func (s *lineSource) CaptureSnapshot(context.Context) (capture.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return capture.Snapshot{}, errors.New("no input yet")
	}
	return capture.Snapshot{State: s.latest}, nil
}
