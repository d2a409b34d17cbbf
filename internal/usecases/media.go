package usecases

import (
	"context"
	"encoding/base64"
	"strings"

	"go.uber.org/zap"

	"github.com/rkromero/PlataformaChatIA/internal/entities"
	"github.com/rkromero/PlataformaChatIA/internal/interfaces"
)

// MaxAudioBytes is the largest voice note sent for transcription.
const MaxAudioBytes = 25 << 20

// MediaProcessor turns attachments into what the reply generator can use:
// images become data URLs and voice notes become text.
type MediaProcessor struct {
	transcriber interfaces.Transcriber
}

// NewMediaProcessor builds a processor. A nil transcriber ignores audio.
func NewMediaProcessor(transcriber interfaces.Transcriber) *MediaProcessor {
	return &MediaProcessor{transcriber: transcriber}
}

// Prepare returns the effective user text and image data URLs. Attachments
// that fail to download or transcribe are logged and skipped.
func (p *MediaProcessor) Prepare(ctx context.Context, m interfaces.Messenger, msg entities.InboundMessage) (string, []string) {
	text := strings.TrimSpace(msg.Text)
	var images []string
	log := zap.L().With(zap.String("provider", string(m.Provider())), zap.String("message_id", msg.ExternalMessageID))

	for _, att := range msg.Attachments {
		switch att.Kind {
		case entities.AttachmentImage:
			data, mime, err := m.DownloadMedia(ctx, att)
			if err != nil {
				log.Warn("image download failed", zap.Error(err))
				continue
			}
			images = append(images, dataURL(data, mime, att.MimeType))

		case entities.AttachmentAudio:
			if p.transcriber == nil {
				continue
			}
			data, _, err := m.DownloadMedia(ctx, att)
			if err != nil {
				log.Warn("audio download failed", zap.Error(err))
				continue
			}
			if len(data) > MaxAudioBytes {
				log.Warn("audio too large to transcribe", zap.Int("bytes", len(data)))
				continue
			}
			transcript, err := p.transcriber.Transcribe(ctx, data, audioFileName(att))
			if err != nil {
				log.Warn("transcription failed", zap.Error(err))
				continue
			}
			transcript = strings.TrimSpace(transcript)
			if transcript == "" {
				continue
			}
			if text == "" {
				text = transcript
			} else {
				text += "\n" + transcript
			}
		}
	}
	return text, images
}

func dataURL(data []byte, mimes ...string) string {
	mime := "image/jpeg"
	for _, m := range mimes {
		if strings.HasPrefix(m, "image/") {
			mime = strings.SplitN(m, ";", 2)[0]
			break
		}
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// audioFileName gives the transcription API an extension it recognizes.
func audioFileName(att entities.Attachment) string {
	if att.FileName != "" && strings.Contains(att.FileName, ".") {
		return att.FileName
	}
	switch {
	case strings.Contains(att.MimeType, "mpeg"), strings.Contains(att.MimeType, "mp3"):
		return "audio.mp3"
	case strings.Contains(att.MimeType, "mp4"), strings.Contains(att.MimeType, "m4a"):
		return "audio.m4a"
	case strings.Contains(att.MimeType, "wav"):
		return "audio.wav"
	case strings.Contains(att.MimeType, "webm"):
		return "audio.webm"
	default:
		return "audio.ogg"
	}
}
