package call_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/tutorcall/internal/call"
	"github.com/MrWong99/tutorcall/internal/observe"
	"github.com/MrWong99/tutorcall/internal/tutor"
	"github.com/MrWong99/tutorcall/pkg/artifact"
	"github.com/MrWong99/tutorcall/pkg/audio"
	"github.com/MrWong99/tutorcall/pkg/audio/device"
	devmock "github.com/MrWong99/tutorcall/pkg/audio/device/mock"
	"github.com/MrWong99/tutorcall/pkg/provider/s2s"
	s2smock "github.com/MrWong99/tutorcall/pkg/provider/s2s/mock"
)

var (
	spanish = tutor.Language{Code: "es", Name: "Spanish"}
	sarah   = tutor.Persona{ID: "Kore", Name: "Sarah", Gender: "Female"}
)

// ── Helpers ───────────────────────────────────────────────────────────────────

type fixture struct {
	ctrl     *call.Controller
	provider *s2smock.Provider
	mic      *devmock.Input
	speaker  *devmock.Output
	store    *artifact.MemoryStore
	reader   *sdkmetric.ManualReader
}

func newFixture(t *testing.T, autoOpen bool, opts call.Options) *fixture {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	f := &fixture{
		provider: &s2smock.Provider{AutoOpen: autoOpen},
		mic:      &devmock.Input{},
		speaker:  &devmock.Output{},
		store:    artifact.NewMemoryStore(),
		reader:   reader,
	}
	if opts.FrameSize == 0 {
		opts.FrameSize = 256
	}
	f.ctrl, err = call.New(call.Deps{
		Provider: f.provider,
		Input:    f.mic,
		Output:   f.speaker,
		Store:    f.store,
		Metrics:  m,
	}, opts)
	if err != nil {
		t.Fatalf("call.New: %v", err)
	}
	t.Cleanup(func() { _ = f.ctrl.Disconnect() })
	return f
}

func (f *fixture) counter(t *testing.T, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := f.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				var total int64
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
				return total
			}
		}
	}
	return 0
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func tone(n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = 0.25
		if i%2 == 1 {
			s[i] = -0.25
		}
	}
	return s
}

// pcmChunk returns d of 16-bit PCM at 24 kHz with a constant non-zero value.
func pcmChunk(d time.Duration) []byte {
	n := int(d * 24000 / time.Second)
	s := make([]float32, n)
	for i := range s {
		s[i] = 0.5
	}
	return audio.Float32ToPCM16(s)
}

// ── Disconnect ────────────────────────────────────────────────────────────────

func TestDisconnect_BeforeConnect(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true, call.Options{})
	if err := f.ctrl.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := f.ctrl.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
	st := f.ctrl.Status()
	if st.State != call.Disconnected || st.Artifact != nil || st.Recording {
		t.Errorf("Status = %+v", st)
	}
	if f.mic.Opens() != 0 || len(f.provider.Calls()) != 0 {
		t.Error("Disconnect acquired resources")
	}
}

func TestDisconnect_Twice(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true, call.Options{})
	if err := f.ctrl.Connect(context.Background(), spanish, sarah); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess := f.provider.LastSession()

	if err := f.ctrl.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	first := f.ctrl.Artifact()
	if err := f.ctrl.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
	if f.ctrl.Artifact() != first {
		t.Error("second Disconnect replaced the artifact")
	}
	if n := sess.CloseCalls(); n != 1 {
		t.Errorf("transport closed %d times, want 1", n)
	}
	if n := f.mic.Closes(); n != 1 {
		t.Errorf("microphone closed %d times, want 1", n)
	}
	if n := f.speaker.Closes(); n != 1 {
		t.Errorf("speaker closed %d times, want 1", n)
	}
	if n := f.store.Len(); n != 1 {
		t.Errorf("store holds %d recordings, want 1", n)
	}
}

func TestDisconnect_DuringConnect(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false, call.Options{SetupTimeout: time.Minute})

	errCh := make(chan error, 1)
	go func() { errCh <- f.ctrl.Connect(context.Background(), spanish, sarah) }()
	waitFor(t, "transport connect", func() bool { return len(f.provider.Calls()) == 1 })
	if st := f.ctrl.Status().State; st != call.Connecting {
		t.Fatalf("state = %v, want connecting", st)
	}

	if err := f.ctrl.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, call.ErrAborted) {
			t.Errorf("Connect err = %v, want ErrAborted", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Connect did not return after Disconnect")
	}
	if st := f.ctrl.Status(); st.State != call.Disconnected || st.Error != "" {
		t.Errorf("Status = %+v, want clean disconnected", st)
	}
	if f.mic.IsOpen() {
		t.Error("microphone still open")
	}
	if f.provider.LastSession().CloseCalls() != 1 {
		t.Error("transport not closed")
	}
}

// ── Connect ───────────────────────────────────────────────────────────────────

func TestConnect_EndToEnd(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true, call.Options{Model: "test-model"})

	updates, cancel := f.ctrl.Subscribe()
	defer cancel()

	if err := f.ctrl.Connect(context.Background(), spanish, sarah); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	st := f.ctrl.Status()
	if st.State != call.Connected || !st.Recording || st.SessionID == "" {
		t.Fatalf("Status = %+v", st)
	}
	if st.Language == nil || st.Language.Code != "es" || st.Persona == nil || st.Persona.ID != "Kore" {
		t.Errorf("selection = %+v / %+v", st.Language, st.Persona)
	}

	calls := f.provider.Calls()
	if len(calls) != 1 {
		t.Fatalf("Connect calls = %d", len(calls))
	}
	cfg := calls[0].Cfg
	if cfg.Model != "test-model" || cfg.Voice.ID != "Kore" || cfg.ResponseModality != "AUDIO" {
		t.Errorf("transport config = %+v", cfg)
	}
	if cfg.Instructions != tutor.BuildInstructions(spanish, sarah) {
		t.Error("instructions not forwarded")
	}

	// Outbound: microphone frames reach the transport.
	sess := f.provider.LastSession()
	f.mic.Push(tone(1024))
	waitFor(t, "outbound frames", func() bool { return len(sess.Sent()) >= 4 })
	blob := sess.Sent()[0]
	if blob.MIMEType != "audio/pcm;rate=16000" || len(blob.Data) != 256*2 {
		t.Errorf("frame = %q, %d bytes", blob.MIMEType, len(blob.Data))
	}
	waitFor(t, "volume", func() bool { return f.ctrl.Status().Volume > 0 })

	// Inbound: audio is scheduled and rendered to the speaker.
	sess.Emit(s2s.Event{Type: s2s.EventAudio, Audio: pcmChunk(100 * time.Millisecond), MIMEType: "audio/pcm;rate=24000"})
	waitFor(t, "speaker output", func() bool {
		for _, s := range f.speaker.Samples() {
			if s > 0.4 {
				return true
			}
		}
		return false
	})
	if n := f.counter(t, "tutorcall.playback.chunks"); n != 1 {
		t.Errorf("chunks scheduled = %d", n)
	}

	if err := f.ctrl.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	st = f.ctrl.Status()
	if st.State != call.Disconnected || st.Recording || st.Volume != 0 {
		t.Errorf("Status after disconnect = %+v", st)
	}
	art := f.ctrl.Artifact()
	if art == nil {
		t.Fatal("no artifact after disconnect")
	}
	if art.MIMEType != audio.WAVMIMEType || art.Size <= 44 || art.Duration <= 0 {
		t.Errorf("artifact = %+v", art)
	}
	if st.Artifact == nil || st.Artifact.ID != art.ID {
		t.Error("Status does not expose the artifact")
	}
	if _, rc, err := f.store.Get(context.Background(), art.ID); err != nil {
		t.Errorf("artifact not stored: %v", err)
	} else {
		rc.Close()
	}

	// The subscriber ends up with the final state.
	seen := false
	deadline := time.After(time.Second)
	for !seen {
		select {
		case st := <-updates:
			seen = st.State == call.Disconnected
		case <-deadline:
			t.Fatal("subscriber never saw the final state")
		}
	}
}

func TestConnect_WhileActive(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true, call.Options{})
	if err := f.ctrl.Connect(context.Background(), spanish, sarah); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := f.ctrl.Connect(context.Background(), spanish, sarah); !errors.Is(err, call.ErrSessionActive) {
		t.Errorf("second Connect err = %v, want ErrSessionActive", err)
	}
	if f.ctrl.Status().State != call.Connected {
		t.Error("second Connect disturbed the live session")
	}
}

func TestConnect_PermissionDenied(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true, call.Options{})
	f.mic.OpenErr = errors.New("permission denied")

	err := f.ctrl.Connect(context.Background(), spanish, sarah)
	var pe *call.PermissionError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want PermissionError", err)
	}
	st := f.ctrl.Status()
	if st.State != call.Error || st.Error == "" {
		t.Errorf("Status = %+v, want error state with message", st)
	}
	if st.Recording {
		t.Error("recorder still running")
	}
	if f.speaker.Closes() != 1 {
		t.Error("speaker not released")
	}
	if len(f.provider.Calls()) != 0 {
		t.Error("transport opened despite missing microphone")
	}
	if n := f.counter(t, "tutorcall.session.connects"); n != 1 {
		t.Errorf("connect attempts = %d", n)
	}

	// Disconnect from Error clears it.
	if err := f.ctrl.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if st := f.ctrl.Status(); st.State != call.Disconnected || st.Error != "" {
		t.Errorf("Status = %+v", st)
	}
}

func TestConnect_TransportFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true, call.Options{})
	f.provider.ConnectErr = errors.New("dial refused")

	err := f.ctrl.Connect(context.Background(), spanish, sarah)
	var te *call.TransportError
	if !errors.As(err, &te) || te.Op != "connect" {
		t.Fatalf("err = %v, want TransportError(connect)", err)
	}
	if f.ctrl.Status().State != call.Error {
		t.Error("state is not error")
	}
	if f.mic.Closes() != 1 || f.mic.IsOpen() {
		t.Error("microphone not released")
	}
	if f.speaker.Closes() != 1 {
		t.Error("speaker not released")
	}

	// A later Connect starts fresh.
	f.provider.ConnectErr = nil
	if err := f.ctrl.Connect(context.Background(), spanish, sarah); err != nil {
		t.Fatalf("retry Connect: %v", err)
	}
	if st := f.ctrl.Status(); st.State != call.Connected || st.Error != "" {
		t.Errorf("Status after retry = %+v", st)
	}
}

func TestConnect_SetupTimeout(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false, call.Options{SetupTimeout: 50 * time.Millisecond})

	err := f.ctrl.Connect(context.Background(), spanish, sarah)
	if !errors.Is(err, call.ErrSetupTimeout) {
		t.Fatalf("err = %v, want ErrSetupTimeout", err)
	}
	var te *call.TransportError
	if !errors.As(err, &te) {
		t.Errorf("err %T is not a TransportError", err)
	}
	if f.provider.LastSession().CloseCalls() != 1 {
		t.Error("transport not closed after timeout")
	}
	if f.ctrl.Status().State != call.Error {
		t.Error("state is not error")
	}
}

func TestConnect_ErrorBeforeOpen(t *testing.T) {
	t.Parallel()
	sess := s2smock.NewSession()
	sess.Emit(s2s.Event{Type: s2s.EventError, Err: errors.New("API key not valid")})
	f := newFixture(t, false, call.Options{})
	f.provider.Session = sess

	err := f.ctrl.Connect(context.Background(), spanish, sarah)
	var te *call.TransportError
	if !errors.As(err, &te) || te.Op != "setup" {
		t.Fatalf("err = %v, want TransportError(setup)", err)
	}
}

func TestConnect_InvalidSelection(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true, call.Options{})
	err := f.ctrl.Connect(context.Background(), tutor.Language{}, sarah)
	if !errors.Is(err, tutor.ErrInvalidSelection) {
		t.Fatalf("err = %v, want ErrInvalidSelection", err)
	}
	if f.mic.Opens() != 0 {
		t.Error("microphone acquired for an invalid selection")
	}
	if f.ctrl.Status().State != call.Error {
		t.Error("state is not error")
	}
}

func TestConnect_FramesGatedUntilOpen(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false, call.Options{SetupTimeout: time.Minute})

	errCh := make(chan error, 1)
	go func() { errCh <- f.ctrl.Connect(context.Background(), spanish, sarah) }()
	waitFor(t, "transport connect", func() bool { return f.provider.LastSession() != nil })
	sess := f.provider.LastSession()

	f.mic.Push(tone(1024))
	if n := len(sess.Sent()); n != 0 {
		t.Fatalf("%d frames sent before open", n)
	}
	if n := f.counter(t, "tutorcall.capture.frames_dropped"); n != 4 {
		t.Errorf("gated frames = %d, want 4", n)
	}

	sess.Emit(s2s.Event{Type: s2s.EventOpened})
	if err := <-errCh; err != nil {
		t.Fatalf("Connect: %v", err)
	}
	f.mic.Push(tone(256))
	waitFor(t, "frame after open", func() bool { return len(sess.Sent()) == 1 })
}

// ── Inbound events ────────────────────────────────────────────────────────────

func TestSession_BadChunkDropped(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true, call.Options{})
	if err := f.ctrl.Connect(context.Background(), spanish, sarah); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess := f.provider.LastSession()
	sess.Emit(s2s.Event{Type: s2s.EventAudio, Audio: []byte{1, 2, 3}})
	sess.Emit(s2s.Event{Type: s2s.EventAudio, Audio: pcmChunk(10 * time.Millisecond)})

	waitFor(t, "good chunk scheduled", func() bool { return f.counter(t, "tutorcall.playback.chunks") == 1 })
	if n := f.counter(t, "tutorcall.playback.decode_errors"); n != 1 {
		t.Errorf("decode errors = %d", n)
	}
	if st := f.ctrl.Status().State; st != call.Connected {
		t.Errorf("state = %v after a bad chunk", st)
	}
}

func TestSession_InterruptCounts(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true, call.Options{})
	if err := f.ctrl.Connect(context.Background(), spanish, sarah); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess := f.provider.LastSession()
	sess.Emit(s2s.Event{Type: s2s.EventAudio, Audio: pcmChunk(2 * time.Second)})
	sess.Emit(s2s.Event{Type: s2s.EventInterrupted})
	waitFor(t, "interruption", func() bool { return f.counter(t, "tutorcall.playback.interruptions") == 1 })
	if st := f.ctrl.Status().State; st != call.Connected {
		t.Errorf("state = %v after interruption", st)
	}
}

func TestSession_RemoteClose(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true, call.Options{})
	if err := f.ctrl.Connect(context.Background(), spanish, sarah); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	f.provider.LastSession().Emit(s2s.Event{Type: s2s.EventClosed, Text: "bye"})

	waitFor(t, "disconnected", func() bool { return f.ctrl.Status().State == call.Disconnected })
	if f.ctrl.Artifact() == nil {
		t.Error("no artifact after remote close")
	}
	if f.mic.IsOpen() {
		t.Error("microphone still open")
	}
}

func TestSession_RemoteError(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true, call.Options{})
	if err := f.ctrl.Connect(context.Background(), spanish, sarah); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	f.provider.LastSession().Emit(s2s.Event{Type: s2s.EventError, Err: errors.New("quota exceeded")})

	waitFor(t, "error state", func() bool { return f.ctrl.Status().State == call.Error })
	st := f.ctrl.Status()
	if st.Error == "" || st.Recording {
		t.Errorf("Status = %+v", st)
	}
	if f.speaker.Closes() != 1 || f.mic.IsOpen() {
		t.Error("resources not released")
	}
	if err := f.ctrl.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if f.ctrl.Status().State != call.Disconnected {
		t.Error("Disconnect did not clear the error")
	}
}

func TestSession_StreamEndsWithoutClose(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true, call.Options{})
	if err := f.ctrl.Connect(context.Background(), spanish, sarah); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	f.provider.LastSession().End()
	waitFor(t, "error state", func() bool { return f.ctrl.Status().State == call.Error })
}

func TestSession_OutlivesConnectContext(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true, call.Options{})
	f.mic.BindContext = true
	f.speaker.BindContext = true

	ctx, cancel := context.WithCancel(context.Background())
	if err := f.ctrl.Connect(ctx, spanish, sarah); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	cancel()

	sess := f.provider.LastSession()
	f.mic.Push(tone(1024))
	waitFor(t, "outbound frames", func() bool { return len(sess.Sent()) >= 4 })

	sess.Emit(s2s.Event{Type: s2s.EventAudio, Audio: pcmChunk(100 * time.Millisecond), MIMEType: "audio/pcm;rate=24000"})
	waitFor(t, "speaker output", func() bool {
		for _, s := range f.speaker.Samples() {
			if s > 0.4 {
				return true
			}
		}
		return false
	})
	if st := f.ctrl.Status(); st.State != call.Connected {
		t.Errorf("State = %v, want Connected", st.State)
	}
}

func TestDisconnect_StalledSend(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true, call.Options{})
	stalled := s2smock.NewSession()
	stalled.BlockSends = true
	f.provider.Session = stalled

	if err := f.ctrl.Connect(context.Background(), spanish, sarah); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	f.mic.Push(tone(1024))
	waitFor(t, "stalled send", func() bool { return stalled.Blocked() > 0 })

	done := make(chan error, 1)
	go func() { done <- f.ctrl.Disconnect() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Disconnect: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnect hung on a stalled send")
	}
	if stalled.CloseCalls() != 1 || f.mic.IsOpen() {
		t.Error("resources not released")
	}
}

func TestSession_MicrophoneLost(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true, call.Options{})
	if err := f.ctrl.Connect(context.Background(), spanish, sarah); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	f.mic.Fail(device.ErrLost)

	waitFor(t, "error state", func() bool { return f.ctrl.Status().State == call.Error })
	st := f.ctrl.Status()
	if !strings.Contains(st.Error, "microphone unavailable") {
		t.Errorf("Error = %q", st.Error)
	}
	if f.mic.IsOpen() || f.provider.LastSession().CloseCalls() != 1 {
		t.Error("resources not released")
	}
	if f.ctrl.Artifact() == nil {
		t.Error("no artifact after device loss")
	}
}

func TestSession_SpeakerLost(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true, call.Options{})
	if err := f.ctrl.Connect(context.Background(), spanish, sarah); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	f.speaker.Fail(device.ErrLost)

	waitFor(t, "error state", func() bool { return f.ctrl.Status().State == call.Error })
	if st := f.ctrl.Status(); !strings.Contains(st.Error, "speaker unavailable") {
		t.Errorf("Error = %q", st.Error)
	}
	if f.speaker.Closes() != 1 {
		t.Errorf("speaker closes = %d", f.speaker.Closes())
	}
}

func TestConnect_OutcomeRecordedOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true, call.Options{})
	if err := f.ctrl.Connect(context.Background(), spanish, sarah); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if n := f.counter(t, "tutorcall.session.connects"); n != 1 {
		t.Errorf("connect outcomes = %d, want 1", n)
	}
}

func TestController_ConcurrentDisconnect(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true, call.Options{})
	if err := f.ctrl.Connect(context.Background(), spanish, sarah); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() { _ = f.ctrl.Disconnect() })
	}
	wg.Wait()
	if f.provider.LastSession().CloseCalls() != 1 || f.store.Len() != 1 {
		t.Error("teardown ran more than once")
	}
	if f.ctrl.Status().State != call.Disconnected {
		t.Error("not disconnected")
	}
}

func TestNew_RequiresDeps(t *testing.T) {
	t.Parallel()
	if _, err := call.New(call.Deps{}, call.Options{}); err == nil {
		t.Fatal("expected error for missing deps")
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	for st, want := range map[call.State]string{
		call.Disconnected: "disconnected",
		call.Connecting:   "connecting",
		call.Connected:    "connected",
		call.Error:        "error",
	} {
		if got := st.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(st), got, want)
		}
	}
}
