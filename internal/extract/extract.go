// Package extract derives the textual content and media reference from an
// inbound robot message, normalizing over the platform's message types.
package extract

import (
	"strings"

	"github.com/openclaw/dingbridge/internal/robot"
)

// Kind classifies the inbound content.
type Kind string

const (
	KindText     Kind = "text"
	KindRichText Kind = "richText"
	KindPicture  Kind = "picture"
	KindAudio    Kind = "audio"
	KindVideo    Kind = "video"
	KindFile     Kind = "file"
	KindUnknown  Kind = "unknown"
)

// Content is the normalized view the reply pipeline consumes.
type Content struct {
	Text      string
	MediaCode string // download code for the attached media, if any
	Kind      Kind
}

// FromMessage extracts content per the message's msgtype.
func FromMessage(m *robot.Message) Content {
	switch m.MsgType {
	case "text":
		return Content{Text: strings.TrimSpace(m.Text.Content), Kind: KindText}

	case "richText":
		var parts []string
		mediaCode := ""
		for _, seg := range m.Content.RichText {
			if seg.Text != "" {
				parts = append(parts, seg.Text)
			}
			if mediaCode == "" && seg.DownloadCode != "" {
				mediaCode = seg.DownloadCode
			}
		}
		return Content{
			Text:      strings.TrimSpace(strings.Join(parts, " ")),
			MediaCode: mediaCode,
			Kind:      KindRichText,
		}

	case "picture":
		return Content{MediaCode: m.Content.DownloadCode, Kind: KindPicture}

	case "audio":
		// Voice messages carry the platform's speech recognition result.
		return Content{
			Text:      strings.TrimSpace(m.Content.Recognition),
			MediaCode: m.Content.DownloadCode,
			Kind:      KindAudio,
		}

	case "video":
		return Content{MediaCode: m.Content.DownloadCode, Kind: KindVideo}

	case "file":
		return Content{
			Text:      m.Content.FileName,
			MediaCode: m.Content.DownloadCode,
			Kind:      KindFile,
		}

	default:
		return Content{Text: strings.TrimSpace(m.Text.Content), Kind: KindUnknown}
	}
}
