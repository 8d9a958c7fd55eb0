package broker

import (
	"strings"
	"unicode/utf8"
)

// Kind tags an inbound notification.
type Kind int

const (
	KindUnknown Kind = iota
	KindImageReady
	KindPause
	KindResume
)

func (k Kind) String() string {
	switch k {
	case KindImageReady:
		return "image_ready"
	case KindPause:
		return "pause"
	case KindResume:
		return "resume"
	default:
		return "unknown"
	}
}

// Notification is a parsed broker message. URL is set for KindImageReady.
type Notification struct {
	Kind  Kind
	Topic string
	URL   string
}

// Topics maps topic names to notification kinds.
type Topics struct {
	// Image carries image URLs.
	Image string
	// Pause and Resume are the control topics. Resume may list several
	// aliases. Leave both empty to disable pause handling.
	Pause  string
	Resume []string
}

// CycleTopics is the layout under a prefix: <prefix>/url, <prefix>/pause,
// <prefix>/resume and <prefix>/unpause.
func CycleTopics(prefix, image string) Topics {
	return Topics{
		Image:  image,
		Pause:  prefix + "/pause",
		Resume: []string{prefix + "/resume", prefix + "/unpause"},
	}
}

// Parse turns a raw message into a Notification. Anything that is not an
// image, pause or resume message is KindUnknown.
func (t Topics) Parse(topic string, payload []byte) Notification {
	n := Notification{Kind: KindUnknown, Topic: topic}

	switch {
	case topic == t.Image:
		if !utf8.Valid(payload) {
			return n
		}
		url := strings.TrimSpace(string(payload))
		if url == "" {
			return n
		}
		n.Kind = KindImageReady
		n.URL = url
	case t.Pause != "" && topic == t.Pause:
		n.Kind = KindPause
	default:
		for _, r := range t.Resume {
			if topic == r {
				n.Kind = KindResume
				break
			}
		}
	}
	return n
}
