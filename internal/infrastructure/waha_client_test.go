package infrastructure

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rkromero/PlataformaChatIA/internal/entities"
)

func TestWahaNormalize_Text(t *testing.T) {
	w := NewWahaClient("http://waha:3000", "key")
	msg, ok := w.Normalize([]byte(`{
		"event": "message",
		"session": "tenant-a",
		"payload": {
			"id": "true_5491122334455@c.us_ABC",
			"timestamp": 1773568800,
			"from": "5491122334455@c.us",
			"fromMe": false,
			"body": "Hola",
			"_data": {"notifyName": "Juan"}
		}
	}`))
	require.True(t, ok)
	assert.Equal(t, "true_5491122334455@c.us_ABC", msg.ExternalMessageID)
	assert.Equal(t, entities.RoutingKey{Provider: entities.ProviderWAHA, Session: "tenant-a"}, msg.Routing)
	assert.Equal(t, "Juan", msg.SenderDisplayName)
	assert.Equal(t, "5491122334455@c.us", msg.Conversation.ChatID)
	assert.Equal(t, "5491122334455", msg.Conversation.Phone)
	assert.Zero(t, msg.Conversation.ID)
	assert.Empty(t, msg.Attachments)
}

func TestWahaNormalize_Media(t *testing.T) {
	w := NewWahaClient("http://waha:3000", "key")
	msg, ok := w.Normalize([]byte(`{"event":"message","session":"s","payload":{
		"id":"m1","from":"5491100000000@c.us","body":"","hasMedia":true,
		"media":{"url":"http://waha:3000/api/files/m1.oga","mimetype":"audio/ogg; codecs=opus"}}}`))
	require.True(t, ok)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, entities.AttachmentAudio, msg.Attachments[0].Kind)

	_, ok = w.Normalize([]byte(`{"event":"message","session":"s","payload":{
		"id":"m2","from":"5491100000000@c.us","body":"","hasMedia":true,
		"media":{"url":"http://waha:3000/api/files/doc.pdf","mimetype":"application/pdf"}}}`))
	assert.False(t, ok)
}

func TestWahaNormalize_Skips(t *testing.T) {
	w := NewWahaClient("http://waha:3000", "key")
	cases := map[string]string{
		"ack event":  `{"event":"message.ack","session":"s","payload":{"from":"1@c.us","body":"x"}}`,
		"from me":    `{"event":"message","session":"s","payload":{"from":"1@c.us","fromMe":true,"body":"x"}}`,
		"group":      `{"event":"message","session":"s","payload":{"from":"123-456@g.us","body":"x"}}`,
		"status":     `{"event":"message","session":"s","payload":{"from":"status@broadcast","body":"x"}}`,
		"empty body": `{"event":"message","session":"s","payload":{"from":"1@c.us","body":""}}`,
		"no session": `{"event":"message","payload":{"from":"1@c.us","body":"x"}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, ok := w.Normalize([]byte(raw))
			assert.False(t, ok)
		})
	}
}

func wahaMessage() entities.InboundMessage {
	return entities.InboundMessage{
		Routing:      entities.RoutingKey{Provider: entities.ProviderWAHA, Session: "tenant-a"},
		Conversation: entities.Conversation{ChatID: "5491122334455@c.us"},
	}
}

func TestWahaSend(t *testing.T) {
	rec := newRecorder(t, nil)
	w := NewWahaClient(rec.URL(), "key")

	require.NoError(t, w.Send(context.Background(), wahaMessage(), "Hola!"))
	req := rec.last(t)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/api/sendText", req.Path)
	assert.Equal(t, "key", req.Header.Get("X-Api-Key"))
	assert.Equal(t, map[string]any{"session": "tenant-a", "chatId": "5491122334455@c.us", "text": "Hola!"}, req.Body)
}

func TestWahaHistory(t *testing.T) {
	rec := newRecorder(t, map[string]response{
		"GET /api/messages": {body: `[
			{"fromMe":false,"body":"hola"},
			{"fromMe":true,"body":"buenas"},
			{"fromMe":false,"body":""},
			{"fromMe":false,"body":"precio?"}
		]`},
	})
	w := NewWahaClient(rec.URL(), "key")

	history, err := w.History(context.Background(), wahaMessage(), 10)
	require.NoError(t, err)
	assert.Equal(t, []entities.HistoryMessage{
		{Role: entities.RoleUser, Content: "hola"},
		{Role: entities.RoleAssistant, Content: "buenas"},
		{Role: entities.RoleUser, Content: "precio?"},
	}, history)

	q, err := url.ParseQuery(rec.last(t).Query)
	require.NoError(t, err)
	assert.Equal(t, "5491122334455@c.us", q.Get("chatId"))
	assert.Equal(t, "10", q.Get("limit"))
	assert.Equal(t, "tenant-a", q.Get("session"))
}

func TestWahaTagIsNoop(t *testing.T) {
	rec := newRecorder(t, nil)
	w := NewWahaClient(rec.URL(), "key")
	require.NoError(t, w.Tag(context.Background(), wahaMessage(), "human_handoff"))
	assert.Empty(t, rec.Requests())
}

func TestWahaDownloadMedia_UsesAttachmentMime(t *testing.T) {
	rec := newRecorder(t, map[string]response{
		"GET /api/files/m1.oga": {body: "OGG", header: map[string]string{"Content-Type": "application/octet-stream"}},
	})
	w := NewWahaClient(rec.URL(), "key")

	data, mime, err := w.DownloadMedia(context.Background(), entities.Attachment{URL: rec.URL() + "/api/files/m1.oga", MimeType: "audio/ogg"})
	require.NoError(t, err)
	assert.Equal(t, []byte("OGG"), data)
	assert.Equal(t, "audio/ogg", mime)
	assert.Equal(t, "key", rec.last(t).Header.Get("X-Api-Key"))
}
