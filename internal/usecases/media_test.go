package usecases

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rkromero/PlataformaChatIA/internal/entities"
)

func TestMediaProcessor_ImageBecomesDataURL(t *testing.T) {
	m := newFakeMessenger()
	m.media = map[string][]byte{"https://cdn/img": []byte("png-bytes")}
	m.mediaMime = "image/png"
	msg := chatMessage()
	msg.Text = ""
	msg.Attachments = []entities.Attachment{{Kind: entities.AttachmentImage, URL: "https://cdn/img"}}

	text, images := NewMediaProcessor(nil).Prepare(context.Background(), m, msg)
	assert.Empty(t, text)
	assert.Equal(t, []string{"data:image/png;base64,cG5nLWJ5dGVz"}, images)
}

func TestMediaProcessor_AudioIsTranscribed(t *testing.T) {
	m := newFakeMessenger()
	m.media = map[string][]byte{"https://cdn/voice": []byte("ogg")}
	msg := chatMessage()
	msg.Text = "mirá"
	msg.Attachments = []entities.Attachment{{Kind: entities.AttachmentAudio, URL: "https://cdn/voice", MimeType: "audio/ogg"}}

	text, images := NewMediaProcessor(fakeTranscriber{text: " cuánto sale el envío "}).Prepare(context.Background(), m, msg)
	assert.Equal(t, "mirá\ncuánto sale el envío", text)
	assert.Empty(t, images)
}

func TestMediaProcessor_FailuresAreSkipped(t *testing.T) {
	m := newFakeMessenger()
	m.media = map[string][]byte{"https://cdn/voice": []byte("ogg")}
	msg := chatMessage()
	msg.Attachments = []entities.Attachment{
		{Kind: entities.AttachmentImage, URL: "https://cdn/missing"},
		{Kind: entities.AttachmentAudio, URL: "https://cdn/voice"},
	}

	text, images := NewMediaProcessor(fakeTranscriber{err: errors.New("whisper down")}).Prepare(context.Background(), m, msg)
	assert.Equal(t, "hola", text)
	assert.Empty(t, images)
}

func TestMediaProcessor_AudioIgnoredWithoutTranscriber(t *testing.T) {
	m := newFakeMessenger()
	msg := chatMessage()
	msg.Text = ""
	msg.Attachments = []entities.Attachment{{Kind: entities.AttachmentAudio, URL: "https://cdn/voice"}}

	text, images := NewMediaProcessor(nil).Prepare(context.Background(), m, msg)
	assert.Empty(t, text)
	assert.Empty(t, images)
}

func TestAudioFileName(t *testing.T) {
	tests := map[string]entities.Attachment{
		"note.opus": {FileName: "note.opus", MimeType: "audio/ogg"},
		"audio.mp3": {MimeType: "audio/mpeg"},
		"audio.m4a": {MimeType: "audio/mp4"},
		"audio.ogg": {MimeType: "audio/ogg; codecs=opus"},
	}
	for want, att := range tests {
		assert.Equal(t, want, audioFileName(att))
	}
}

func TestDataURLFallsBackToJPEG(t *testing.T) {
	assert.Equal(t, "data:image/jpeg;base64,YQ==", dataURL([]byte("a"), "application/octet-stream", ""))
	assert.Equal(t, "data:image/webp;base64,YQ==", dataURL([]byte("a"), "", "image/webp; q=1"))
}
