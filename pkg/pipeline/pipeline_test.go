package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/gomuks/gomuks-push/pkg/avatar"
	"github.com/gomuks/gomuks-push/pkg/notification"
	"github.com/gomuks/gomuks-push/pkg/pushcrypto"
	"github.com/gomuks/gomuks-push/pkg/pushdata"
)

type trayCall struct {
	cancel  bool
	notifID int
	desc    notification.Descriptor
}

type fakeTray struct {
	lock    sync.Mutex
	calls   []trayCall
	postErr error
	panics  bool
}

func (ft *fakeTray) Post(_ context.Context, notifID int, desc notification.Descriptor) error {
	if ft.panics {
		panic("tray exploded")
	}
	ft.lock.Lock()
	defer ft.lock.Unlock()
	if ft.postErr != nil {
		return ft.postErr
	}
	ft.calls = append(ft.calls, trayCall{notifID: notifID, desc: desc})
	return nil
}

func (ft *fakeTray) Cancel(_ context.Context, notifID int) error {
	ft.lock.Lock()
	defer ft.lock.Unlock()
	ft.calls = append(ft.calls, trayCall{cancel: true, notifID: notifID})
	return nil
}

func (ft *fakeTray) Calls() []trayCall {
	ft.lock.Lock()
	defer ft.lock.Unlock()
	return append([]trayCall(nil), ft.calls...)
}

type fakeShortcuts struct {
	lock      sync.Mutex
	shortcuts []notification.Shortcut
	err       error
}

func (fs *fakeShortcuts) Register(_ context.Context, shortcut notification.Shortcut) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	fs.shortcuts = append(fs.shortcuts, shortcut)
	return fs.err
}

type testEnv struct {
	pipeline  *Pipeline
	tray      *fakeTray
	shortcuts *fakeShortcuts
	box       *pushcrypto.Box
	key       []byte
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	key, err := pushcrypto.GenerateKey()
	require.NoError(t, err)
	box, err := pushcrypto.NewBox(key)
	require.NoError(t, err)
	if cfg.PushEncryptionKey == nil {
		cfg.PushEncryptionKey = key
	}
	env := &testEnv{
		tray:      &fakeTray{},
		shortcuts: &fakeShortcuts{},
		box:       box,
		key:       key,
	}
	env.pipeline, err = New(Params{
		Config:    cfg,
		Avatars:   avatar.NewCache(avatar.Options{Dir: filepath.Join(t.TempDir(), "avatars")}, zerolog.Nop()),
		Tray:      env.tray,
		Shortcuts: env.shortcuts,
	}, zerolog.Nop())
	require.NoError(t, err)
	return env
}

func (env *testEnv) envelope(t *testing.T, payload any) pushdata.Envelope {
	t.Helper()
	var plaintext []byte
	switch typed := payload.(type) {
	case string:
		plaintext = []byte(typed)
	default:
		var err error
		plaintext, err = json.Marshal(payload)
		require.NoError(t, err)
	}
	encrypted, err := env.box.Encrypt(plaintext)
	require.NoError(t, err)
	return pushdata.Envelope{Payload: encrypted, ReceivedAt: time.Now()}
}

type jsonMap = map[string]any

func directMessage(roomID, eventID, text string, sound bool) jsonMap {
	return jsonMap{
		"room_id":   roomID,
		"event_id":  eventID,
		"sender":    jsonMap{"id": "@alice:x", "name": "Alice"},
		"text":      text,
		"timestamp": 1000,
		"sound":     sound,
		"reply":     false,
		"mention":   false,
	}
}

func pngBytes(t *testing.T, size int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := range size {
		for x := range size {
			img.Set(x, y, color.RGBA{R: 200, G: 100, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestScenario(t *testing.T) {
	env := newTestEnv(t, Config{})
	err := env.pipeline.Handle(context.Background(), env.envelope(t, jsonMap{
		"dismiss":  []jsonMap{{"room_id": "!a"}},
		"messages": []jsonMap{directMessage("!b", "$1", "hey", true)},
	}))
	require.NoError(t, err)
	env.pipeline.Wait()

	calls := env.tray.Calls()
	require.Len(t, calls, 2)
	aID, ok := env.pipeline.ids.Lookup("!a")
	require.True(t, ok)
	bID, ok := env.pipeline.ids.Lookup("!b")
	require.True(t, ok)
	require.NotEqual(t, aID, bID)

	require.True(t, calls[0].cancel)
	require.Equal(t, aID, calls[0].notifID)

	require.False(t, calls[1].cancel)
	require.Equal(t, bID, calls[1].notifID)
	desc := calls[1].desc
	require.Equal(t, notification.ChannelNoisy, desc.Channel)
	require.Equal(t, "Alice", desc.Title)
	require.Equal(t, "hey", desc.Body)
	require.Equal(t, notification.IconChat, desc.Icon.Default)
	require.Equal(t, "matrix:roomid/b/e/1", desc.DeepLink)
	require.Nil(t, desc.Picture)

	require.Len(t, env.shortcuts.shortcuts, 1)
	require.Equal(t, "!b", env.shortcuts.shortcuts[0].ID)
}

func TestMissingKeyDropsEnvelope(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.pipeline.SetConfig(Config{})
	err := env.pipeline.Handle(context.Background(), env.envelope(t, jsonMap{"messages": []jsonMap{directMessage("!b", "$1", "hey", true)}}))
	var pipeErr *PipelineError
	require.ErrorAs(t, err, &pipeErr)
	require.Equal(t, StageDecrypting, pipeErr.Stage)
	require.ErrorIs(t, err, pushcrypto.ErrMissingKey)
	require.Empty(t, env.tray.Calls())
}

func TestWrongKeyDropsEnvelope(t *testing.T) {
	env := newTestEnv(t, Config{})
	otherKey, err := pushcrypto.GenerateKey()
	require.NoError(t, err)
	cfg := env.pipeline.Config()
	cfg.PushEncryptionKey = otherKey
	env.pipeline.SetConfig(cfg)

	err = env.pipeline.Handle(context.Background(), env.envelope(t, jsonMap{}))
	require.ErrorIs(t, err, pushcrypto.ErrAuthenticationFailed)
	require.Empty(t, env.tray.Calls())
	require.Zero(t, env.pipeline.Store().Len())
}

func TestInvalidPayloadDropsEnvelope(t *testing.T) {
	env := newTestEnv(t, Config{})
	err := env.pipeline.Handle(context.Background(), env.envelope(t, `{"messages":[{"room_id":"!b"}]}`))
	var pipeErr *PipelineError
	require.ErrorAs(t, err, &pipeErr)
	require.Equal(t, StageDecoding, pipeErr.Stage)
	var decErr *pushdata.DecodeError
	require.ErrorAs(t, err, &decErr)
	require.Empty(t, env.tray.Calls())
}

func TestMessagesAccumulateInThread(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	require.NoError(t, env.pipeline.Handle(ctx, env.envelope(t, jsonMap{"messages": []jsonMap{directMessage("!b", "$1", "one", false)}})))
	require.NoError(t, env.pipeline.Handle(ctx, env.envelope(t, jsonMap{"messages": []jsonMap{directMessage("!b", "$2", "two", false)}})))

	calls := env.tray.Calls()
	require.Len(t, calls, 2)
	require.Equal(t, calls[0].notifID, calls[1].notifID)
	require.Equal(t, notification.ChannelSilent, calls[1].desc.Channel)
	require.Equal(t, "two", calls[1].desc.Body)
	require.Len(t, calls[1].desc.Messages, 2)
	require.Equal(t, "one", calls[1].desc.Messages[0].Text)
}

func TestGroupMessageWithAvatarsAndPicture(t *testing.T) {
	avatarPNG := pngBytes(t, 16)
	var requests atomic.Int32
	var lastAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		lastAuth.Store(r.URL.Query().Get("image_auth"))
		if r.URL.Path == "/_gomuks/media/broken" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(avatarPNG)
	}))
	defer srv.Close()

	env := newTestEnv(t, Config{ServerURL: srv.URL + "/", ImageAuthToken: "config-token"})
	msg := directMessage("!team", "$1", "look", true)
	msg["room_name"] = "Team"
	msg["room_avatar"] = "/_gomuks/media/room"
	msg["sender"] = jsonMap{"id": "@alice:x", "name": "Alice", "avatar": "_gomuks/media/alice"}
	msg["image"] = "/_gomuks/media/picture"
	require.NoError(t, env.pipeline.Handle(context.Background(), env.envelope(t, jsonMap{"messages": []jsonMap{msg}})))
	env.pipeline.Wait()

	require.EqualValues(t, 3, requests.Load())
	require.Equal(t, "config-token", lastAuth.Load())
	calls := env.tray.Calls()
	require.Len(t, calls, 1)
	desc := calls[0].desc
	require.Equal(t, notification.ChannelGroup, desc.Channel)
	require.Equal(t, "Team", desc.Title)
	require.False(t, desc.Icon.IsDefault())
	require.NotNil(t, desc.Messages[0].Sender.Icon)
	require.NotEqual(t, desc.Messages[0].Sender.Icon.Path, desc.Icon.Image.Path)
	require.NotNil(t, desc.Picture)
	require.Equal(t, 16, desc.Picture.Width)
	require.Nil(t, env.shortcuts.shortcuts[0].Person)

	msg["event_id"] = "$2"
	msg["image"] = "/_gomuks/media/broken"
	require.NoError(t, env.pipeline.Handle(context.Background(), env.envelope(t, jsonMap{
		"messages":   []jsonMap{msg},
		"image_auth": "push-token",
	})))
	// Avatars are cached, only the broken picture is fetched (three times).
	require.EqualValues(t, 6, requests.Load())
	require.Equal(t, "push-token", lastAuth.Load())
	calls = env.tray.Calls()
	require.Len(t, calls, 2)
	require.Nil(t, calls[1].desc.Picture, "a failed picture falls back to a text-only notification")
	require.False(t, calls[1].desc.Icon.IsDefault())
}

func TestDismissDuringAvatarFetchWins(t *testing.T) {
	avatarPNG := pngBytes(t, 16)
	var env *testEnv
	var dismissOnFetch atomic.Bool
	dismissOnFetch.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The user dismisses the room while the sender avatar is downloading.
		if dismissOnFetch.Load() {
			_ = env.pipeline.dismiss(context.Background(), "!b")
		}
		_, _ = w.Write(avatarPNG)
	}))
	defer srv.Close()

	env = newTestEnv(t, Config{ServerURL: srv.URL})
	msg := directMessage("!b", "$1", "hey", true)
	msg["sender"] = jsonMap{"id": "@alice:x", "name": "Alice", "avatar": "/_gomuks/media/alice"}
	require.NoError(t, env.pipeline.Handle(context.Background(), env.envelope(t, jsonMap{"messages": []jsonMap{msg}})))
	env.pipeline.Wait()

	calls := env.tray.Calls()
	require.Len(t, calls, 1)
	require.True(t, calls[0].cancel)
	require.Zero(t, env.pipeline.Store().Len())
	require.Empty(t, env.shortcuts.shortcuts)

	// The next message for the room is posted normally.
	msg["event_id"] = "$2"
	dismissOnFetch.Store(false)
	require.NoError(t, env.pipeline.Handle(context.Background(), env.envelope(t, jsonMap{"messages": []jsonMap{msg}})))
	calls = env.tray.Calls()
	require.Len(t, calls, 2)
	require.False(t, calls[1].cancel)
	require.Len(t, calls[1].desc.Messages, 1)
}

func TestTrayFailure(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.tray.postErr = errors.New("tray unavailable")
	err := env.pipeline.Handle(context.Background(), env.envelope(t, jsonMap{"messages": []jsonMap{directMessage("!b", "$1", "hey", true)}}))
	var pipeErr *PipelineError
	require.ErrorAs(t, err, &pipeErr)
	require.Equal(t, StageProcessing, pipeErr.Stage)
	require.ErrorIs(t, err, env.tray.postErr)
}

func TestPanicIsRecovered(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.tray.panics = true
	err := env.pipeline.Handle(context.Background(), env.envelope(t, jsonMap{"messages": []jsonMap{directMessage("!b", "$1", "hey", true)}}))
	var pipeErr *PipelineError
	require.ErrorAs(t, err, &pipeErr)
	require.Equal(t, StageProcessing, pipeErr.Stage)
}

func TestShortcutFailureDoesNotBlockPost(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.shortcuts.err = errors.New("shortcut limit reached")
	require.NoError(t, env.pipeline.Handle(context.Background(), env.envelope(t, jsonMap{"messages": []jsonMap{directMessage("!b", "$1", "hey", true)}})))
	env.pipeline.Wait()
	require.Len(t, env.tray.Calls(), 1)
	require.Len(t, env.shortcuts.shortcuts, 1)
	require.NotNil(t, env.shortcuts.shortcuts[0].Person)
}

func TestDismissAction(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	require.NoError(t, env.pipeline.Handle(ctx, env.envelope(t, jsonMap{"messages": []jsonMap{directMessage("!b", "$1", "hey", true)}})))
	posted := env.tray.Calls()[0]
	require.Len(t, posted.desc.Actions, 1)

	require.NoError(t, env.pipeline.HandleDismissAction(ctx, posted.desc.Actions[0]))
	require.Zero(t, env.pipeline.Store().Len())
	calls := env.tray.Calls()
	require.Len(t, calls, 2)
	require.True(t, calls[1].cancel)
	require.Equal(t, posted.notifID, calls[1].notifID)

	require.NoError(t, env.pipeline.HandleDismissAction(ctx, notification.Action{Kind: notification.ActionDismiss, NotifID: posted.notifID}))
	require.Error(t, env.pipeline.HandleDismissAction(ctx, notification.Action{Kind: notification.ActionDismiss, NotifID: 999}))
	require.Error(t, env.pipeline.HandleDismissAction(ctx, notification.Action{Kind: "reply", NotifID: posted.notifID}))
}

func TestHandleToken(t *testing.T) {
	var saved []string
	env := newTestEnv(t, Config{})
	env.pipeline.saveToken = func(_ context.Context, token string) error {
		saved = append(saved, token)
		return nil
	}
	tokens, unsubscribe := env.pipeline.Tokens().Subscribe()
	defer unsubscribe()

	ctx := context.Background()
	require.NoError(t, env.pipeline.HandleToken(ctx, "token-1"))
	require.NoError(t, env.pipeline.HandleToken(ctx, "token-1"))
	require.Equal(t, "token-1", <-tokens)
	require.Equal(t, "token-1", env.pipeline.Config().PushToken)
	require.Equal(t, env.key, env.pipeline.Config().PushEncryptionKey)
	require.Equal(t, []string{"token-1"}, saved)

	late, unsubscribeLate := env.pipeline.Tokens().Subscribe()
	require.Equal(t, "token-1", <-late)
	unsubscribeLate()
	unsubscribeLate()
	_, ok := <-late
	require.False(t, ok)
}

func TestRun(t *testing.T) {
	env := newTestEnv(t, Config{})
	envelopes := make(chan pushdata.Envelope, 3)
	envelopes <- env.envelope(t, jsonMap{"messages": []jsonMap{directMessage("!b", "$1", "one", false)}})
	envelopes <- pushdata.Envelope{Payload: "not base64!"}
	envelopes <- env.envelope(t, jsonMap{"messages": []jsonMap{directMessage("!c", "$2", "two", false)}})
	close(envelopes)

	require.NoError(t, env.pipeline.Run(context.Background(), envelopes))
	require.Len(t, env.tray.Calls(), 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, env.pipeline.Run(ctx, make(chan pushdata.Envelope)), context.Canceled)
}
