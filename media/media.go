// Package media converts between the host's in-memory media representation
// and the wire formats (binary blobs, MIME hints) the transport layer sends
// and receives. Conversion failures are local and never retried.
package media

import (
	"fmt"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"

	"github.com/runninghub/openapi-go/apierrors"
	"github.com/runninghub/openapi-go/logger"
	"github.com/runninghub/openapi-go/registry"
)

// Object is the host-native in-memory media value. Callers pass *Object as
// the value of mediaRef parameters, and receive *Object results.
type Object struct {
	Kind     registry.OutputKind
	Data     []byte
	MIME     string
	Filename string
}

// Adapter converts Objects to and from wire form.
type Adapter struct {
	log zerolog.Logger
}

// NewAdapter creates a media adapter.
func NewAdapter() *Adapter {
	return &Adapter{log: logger.For("media-adapter")}
}

// mimeFamily maps an output kind to the MIME top-level type its payloads
// must carry. model3d is absent on purpose: 3D results are referenced by
// URL and never converted locally.
var mimeFamily = map[registry.OutputKind]string{
	registry.OutputImage: "image",
	registry.OutputVideo: "video",
	registry.OutputAudio: "audio",
}

// defaultExt supplies an upload filename extension per kind when the caller
// did not name the object.
var defaultExt = map[registry.OutputKind]string{
	registry.OutputImage: "png",
	registry.OutputVideo: "mp4",
	registry.OutputAudio: "wav",
}

// Recognize reports whether v is a media handle this adapter accepts, and
// returns it. Used by input validation for mediaRef parameters.
func (a *Adapter) Recognize(v any) (*Object, bool) {
	obj, ok := v.(*Object)
	if !ok || obj == nil {
		return nil, false
	}
	return obj, true
}

// ToWire converts a native media value into upload bytes plus a MIME hint.
// The MIME is sniffed from the content when unset, and must agree with the
// object's kind.
func (a *Adapter) ToWire(m *Object) ([]byte, string, error) {
	if m == nil || len(m.Data) == 0 {
		return nil, "", apierrors.New(apierrors.KindMediaConversion, "media object has no content")
	}
	family, ok := mimeFamily[m.Kind]
	if !ok {
		return nil, "", apierrors.Newf(apierrors.KindUnsupportedMedia, "unsupported media kind %q", m.Kind)
	}

	mime := strings.TrimSpace(m.MIME)
	if mime == "" {
		mime = mimetype.Detect(m.Data).String()
	}
	if !strings.HasPrefix(mime, family+"/") {
		return nil, "", apierrors.Newf(apierrors.KindMediaConversion,
			"media content is %q but the object is declared %q", mime, m.Kind)
	}
	return m.Data, mime, nil
}

// FromWire converts downloaded bytes into a native media value tagged with
// the model's output kind. Unknown kinds fail with an unsupported-media
// error; content that does not match the declared kind fails conversion.
func (a *Adapter) FromWire(data []byte, kind registry.OutputKind) (*Object, error) {
	family, ok := mimeFamily[kind]
	if !ok {
		return nil, apierrors.Newf(apierrors.KindUnsupportedMedia, "unsupported output kind %q", kind)
	}
	if len(data) == 0 {
		return nil, apierrors.Newf(apierrors.KindMediaConversion, "empty %s payload", kind)
	}

	detected := mimetype.Detect(data)
	if !strings.HasPrefix(detected.String(), family+"/") {
		a.log.Debug().
			Str("detected", detected.String()).
			Str("kind", string(kind)).
			Msg("downloaded payload does not match declared output kind")
		return nil, apierrors.Newf(apierrors.KindMediaConversion,
			"downloaded payload is %q, expected %s content", detected.String(), kind)
	}

	return &Object{
		Kind:     kind,
		Data:     data,
		MIME:     detected.String(),
		Filename: fmt.Sprintf("rh_%d%s", time.Now().UnixNano(), detected.Extension()),
	}, nil
}

// UploadName returns the filename to use when uploading m.
func (a *Adapter) UploadName(m *Object) string {
	if m.Filename != "" {
		return m.Filename
	}
	ext := defaultExt[m.Kind]
	if ext == "" {
		ext = "bin"
	}
	return fmt.Sprintf("upload_%d.%s", time.Now().UnixNano(), ext)
}
